package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tcmartin/n8nstream/pkg/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestOriginPolicy(t *testing.T) {
	policy := NewOriginPolicy([]string{"https://chat.example.com/", "https://n8n.example.com/webhook"}, logging.NewDiscard())
	handler := policy.Handler(okHandler())

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"no origin", http.MethodPost, "", http.StatusOK, ""},
		{"allowed origin", http.MethodPost, "https://chat.example.com", http.StatusOK, "https://chat.example.com"},
		{"origin compared by host", http.MethodPost, "https://N8N.example.com", http.StatusOK, "https://N8N.example.com"},
		{"disallowed origin", http.MethodPost, "https://evil.example.com", http.StatusForbidden, ""},
		{"preflight", http.MethodOptions, "https://chat.example.com", http.StatusNoContent, "https://chat.example.com"},
		{"disallowed preflight", http.MethodOptions, "https://evil.example.com", http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/stream-update", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantAllow, rr.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestNormalizeOrigin(t *testing.T) {
	assert.Equal(t, "https://a.example.com:8443", NormalizeOrigin("HTTPS://A.example.com:8443/path?q=1"))
	assert.Equal(t, "localhost:3000", NormalizeOrigin("localhost:3000/"))
	assert.Equal(t, "", NormalizeOrigin("  "))
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("1.2.3.4"))
	assert.True(t, limiter.Allow("1.2.3.4"))
	assert.False(t, limiter.Allow("1.2.3.4"))
	assert.True(t, limiter.Allow("5.6.7.8"))

	now = now.Add(61 * time.Second)
	assert.True(t, limiter.Allow("1.2.3.4"))

	handler := limiter.Handler(logging.NewDiscard())(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/api/stream-update", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestRequestLoggerKeepsStatus(t *testing.T) {
	handler := RequestLogger(logging.NewDiscard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}
