package util

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

// The api router order: request id, request log, security headers.
func apiChain(h http.Handler) http.Handler {
	return WithRequestID(WithRequestLog(nil, WithSecurityHeaders(h)))
}

func TestStreamedAnswerKeepsSecurityHeaders(t *testing.T) {
	var flushes int
	h := apiChain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, part := range []string{"The answer ", "is on ", "page 3."} {
			_, _ = w.Write([]byte(part))
			w.(http.Flusher).Flush()
			flushes++
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/message", nil))
	res := rec.Result()

	want := map[string]string{
		"Cache-Control":          "no-store",
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Content-Type":           "text/plain; charset=utf-8",
	}
	for name, value := range want {
		if got := res.Header.Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
	if res.Header.Get("Content-Security-Policy") == "" {
		t.Error("missing Content-Security-Policy")
	}
	if res.Header.Get(RequestIDHeader) == "" {
		t.Error("missing request id on streamed response")
	}
	if flushes != 3 || !rec.Flushed {
		t.Fatalf("flushes = %d, recorder flushed = %v", flushes, rec.Flushed)
	}
	if got := rec.Body.String(); got != "The answer is on page 3." {
		t.Fatalf("body = %q", got)
	}
}

func TestHSTSOnlyForHTTPS(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*http.Request)
		want  bool
	}{
		{"plain http", func(*http.Request) {}, false},
		{"forwarded https", func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", " HTTPS ") }, true},
		{"forwarded http", func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "http") }, false},
		{"direct tls", func(r *http.Request) { r.TLS = &tls.ConnectionState{} }, true},
	}
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		tc.setup(req)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Strict-Transport-Security") != ""; got != tc.want {
			t.Errorf("%s: HSTS present = %v, want %v", tc.name, got, tc.want)
		}
	}
}
