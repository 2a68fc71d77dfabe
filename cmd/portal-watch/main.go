// Command portal-watch is an external observer of the monitor bus
// (spec.md §4.H): it dials a portald monitor endpoint over WebSocket and
// renders the live event stream in a terminal UI.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "host:port of the portald monitor endpoint")
	path := flag.String("path", "/monitor", "monitor endpoint path")
	flag.Parse()

	cli, err := dial(*addr, *path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cli.close()

	p := tea.NewProgram(newModel(cli), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
