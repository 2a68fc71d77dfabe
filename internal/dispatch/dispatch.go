// Package dispatch implements the line handler / command dispatcher that
// sits above the character editor (spec.md §4.D): built-in quit handling
// plus a single application hook.
package dispatch

import "strings"

// Result is what a handler callback (or a built-in) produces for one line.
type Result struct {
	Outputs  []string
	Continue bool
}

// Handler is the sole application extension point. OnLine is invoked for
// every line that isn't a built-in quit command.
type Handler interface {
	OnConnect() []string
	OnLine(line string) Result
	OnDisconnect()
}

var quitWords = map[string]bool{
	"quit": true,
	"exit": true,
	"q":    true,
}

// Dispatch pre-processes a line (trim trailing whitespace, recognize the
// quit/exit/q built-in) and otherwise forwards it to handler.OnLine.
func Dispatch(handler Handler, line string) Result {
	line = strings.TrimRight(line, " \t\r\n")

	if quitWords[strings.ToLower(line)] {
		return Result{Outputs: []string{"Goodbye!"}, Continue: false}
	}

	return handler.OnLine(line)
}
