package wsgateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func reqWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestCheckOriginWildcardAllowsAnything(t *testing.T) {
	g := &Gateway{AllowOrigins: []string{"*"}}
	if !g.checkOrigin(reqWithOrigin("https://evil.example")) {
		t.Fatal("wildcard allowlist must permit any origin")
	}
}

func TestCheckOriginMissingHeaderIsAllowed(t *testing.T) {
	g := &Gateway{AllowOrigins: []string{"https://trusted.example"}}
	if !g.checkOrigin(reqWithOrigin("")) {
		t.Fatal("a request with no Origin header (non-browser client) must be allowed")
	}
}

func TestCheckOriginRejectsUnlistedOrigin(t *testing.T) {
	g := &Gateway{AllowOrigins: []string{"https://trusted.example"}}
	if g.checkOrigin(reqWithOrigin("https://evil.example")) {
		t.Fatal("an origin outside the allowlist must be rejected")
	}
}

func TestCheckOriginAllowsListedOrigin(t *testing.T) {
	g := &Gateway{AllowOrigins: []string{"https://trusted.example"}}
	if !g.checkOrigin(reqWithOrigin("https://trusted.example")) {
		t.Fatal("an origin on the allowlist must be allowed")
	}
}
