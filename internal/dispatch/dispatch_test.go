package dispatch

import "testing"

type stubHandler struct {
	lines []string
}

func (s *stubHandler) OnConnect() []string { return nil }

func (s *stubHandler) OnLine(line string) Result {
	s.lines = append(s.lines, line)
	return Result{Outputs: []string{"Echo: " + line}, Continue: true}
}

func (s *stubHandler) OnDisconnect() {}

func TestDispatchTrimsTrailingWhitespace(t *testing.T) {
	h := &stubHandler{}
	Dispatch(h, "hello   \t")
	if len(h.lines) != 1 || h.lines[0] != "hello" {
		t.Fatalf("lines = %v, want [hello]", h.lines)
	}
}

func TestDispatchQuitWordsAreCaseInsensitive(t *testing.T) {
	for _, word := range []string{"quit", "QUIT", "Exit", "q", "Q"} {
		h := &stubHandler{}
		res := Dispatch(h, word)
		if res.Continue {
			t.Fatalf("Dispatch(%q).Continue = true, want false", word)
		}
		if len(res.Outputs) != 1 || res.Outputs[0] != "Goodbye!" {
			t.Fatalf("Dispatch(%q).Outputs = %v, want [Goodbye!]", word, res.Outputs)
		}
		if len(h.lines) != 0 {
			t.Fatalf("quit word %q must not reach the handler callback", word)
		}
	}
}

func TestDispatchForwardsOrdinaryLines(t *testing.T) {
	h := &stubHandler{}
	res := Dispatch(h, "hello")
	if !res.Continue {
		t.Fatalf("Continue = false, want true for an ordinary line")
	}
	if len(res.Outputs) != 1 || res.Outputs[0] != "Echo: hello" {
		t.Fatalf("Outputs = %v, want [Echo: hello]", res.Outputs)
	}
}
