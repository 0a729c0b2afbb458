package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DrivenStreets/DS-Backend/internal/middleware"
)

// callWithOrigin wraps a simple 200-OK inner handler in CORSMiddleware,
// optionally setting an Origin header, and returns the recorded response.
func callWithOrigin(t *testing.T, method, origin string) *httptest.ResponseRecorder {
	t.Helper()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := middleware.CORSMiddleware(inner)
	req := httptest.NewRequest(method, "/test", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	const origin = "http://localhost:5173"

	rec := callWithOrigin(t, http.MethodGet, origin)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
		t.Errorf("expected origin %q echoed back, got %q", origin, got)
	}
}

func TestCORSMiddleware_UnknownOrigin(t *testing.T) {
	rec := callWithOrigin(t, http.MethodGet, "https://evil.example.com")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unknown origin must not be echoed, got %q", got)
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	rec := callWithOrigin(t, http.MethodOptions, "http://localhost:5173")

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rec.Code)
	}
}

func TestCORSMiddleware_EnvAllowList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://one.example.com, https://two.example.com")

	rec := callWithOrigin(t, http.MethodGet, "https://two.example.com")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://two.example.com" {
		t.Errorf("env-configured origin not echoed, got %q", got)
	}

	// The env list replaces the defaults entirely.
	rec = callWithOrigin(t, http.MethodGet, "http://localhost:5173")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("default origin should be dropped when env list set, got %q", got)
	}
}

func TestRequestLogger_Passthrough(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := middleware.RequestLogger(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status passed through, got %d", rec.Code)
	}
}
