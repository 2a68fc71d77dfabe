// Package handler is the application-handler factory registry of
// spec.md §9: a string-keyed map of constructors standing in for the
// "dynamic handler class resolution" the redesign note retires.
package handler

import (
	"fmt"
	"sync"

	"github.com/skagerrak/portal/internal/dispatch"
)

// Factory constructs a fresh dispatch.Handler for one newly accepted
// session (spec.md §4.F: "each accepted session is handed a fresh
// handler instance from handlerFactory()").
type Factory func() dispatch.Handler

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register associates name (a config file's handler_class value) with a
// Factory. Called from package init by every bundled handler package.
// Registering the same name twice is a programming error.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("handler: %q registered twice", name))
	}
	registry[name] = f
}

// Lookup returns the Factory registered under name.
func Lookup(name string) (Factory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[name]
	return f, ok
}
