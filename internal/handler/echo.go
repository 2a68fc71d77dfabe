package handler

import "github.com/skagerrak/portal/internal/dispatch"

func init() {
	Register("echo", func() dispatch.Handler { return &echoHandler{} })
}

// echoHandler is the bundled reference handler (spec.md §8 scenario 1):
// it sends no greeting and echoes every line back prefixed with "Echo: ".
type echoHandler struct{}

func (h *echoHandler) OnConnect() []string { return nil }

func (h *echoHandler) OnLine(line string) dispatch.Result {
	return dispatch.Result{Outputs: []string{"Echo: " + line}, Continue: true}
}

func (h *echoHandler) OnDisconnect() {}
