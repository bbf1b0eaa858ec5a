package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type routes map[string]echo.HandlerFunc

func (r routes) Register(e *echo.Echo) {
	for path, h := range r {
		e.GET(path, h)
	}
}

func TestServerRegistersHandlers(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, "", nil, routes{
		"/hello": func(c echo.Context) error { return c.String(http.StatusOK, "hi") },
	})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "hi" {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServerRecoversPanics(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, ":0", routes{
		"/boom": func(echo.Context) error { panic("boom") },
	})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRedactQuery(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/evernote/oauth?key=k1&oauth_verifier=secret", nil)
	got := redactQuery(r)
	if got != "/evernote/oauth?key=k1&oauth_verifier=redacted" {
		t.Fatalf("unexpected uri: %q", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/ping", nil)
	if redactQuery(r) != "/ping" {
		t.Fatalf("unexpected uri: %q", redactQuery(r))
	}
}
