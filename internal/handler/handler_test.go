package handler

import (
	"testing"

	"github.com/skagerrak/portal/internal/dispatch"
)

func TestEchoHandlerIsRegistered(t *testing.T) {
	f, ok := Lookup("echo")
	if !ok {
		t.Fatal("echo handler is not registered")
	}

	h := f()
	if out := h.OnConnect(); len(out) != 0 {
		t.Fatalf("OnConnect() = %v, want no greeting", out)
	}

	result := h.OnLine("hello")
	if !result.Continue {
		t.Fatal("OnLine must not terminate the session")
	}
	if len(result.Outputs) != 1 || result.Outputs[0] != "Echo: hello" {
		t.Fatalf("OnLine outputs = %v, want [Echo: hello]", result.Outputs)
	}
}

func TestLookupMissingHandlerFails(t *testing.T) {
	if _, ok := Lookup("no-such-handler"); ok {
		t.Fatal("Lookup found a handler that was never registered")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Register did not panic on a duplicate name")
		}
	}()
	Register("echo", func() dispatch.Handler { return nil })
}
