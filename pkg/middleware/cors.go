// Package middleware provides HTTP middleware for n8nstream.
package middleware

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/tcmartin/n8nstream/pkg/logging"
)

// AllowedHeaders lists the request headers browsers may send cross-origin
var AllowedHeaders = []string{
	"Content-Type",
	"Authorization",
	"X-Execution-Id",
	"Execution-Id",
	"X-N8n-Execution-Id",
}

// OriginPolicy admits cross-origin requests from an explicit allow-list
type OriginPolicy struct {
	allowed map[string]bool
	logger  logging.Logger
}

// NewOriginPolicy creates a policy for the given origins. Entries may be full
// URLs; only scheme, host and port are compared.
func NewOriginPolicy(origins []string, logger logging.Logger) *OriginPolicy {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if n := NormalizeOrigin(o); n != "" {
			allowed[n] = true
		}
	}
	return &OriginPolicy{allowed: allowed, logger: logger}
}

// Allowed reports whether origin may call the server
func (p *OriginPolicy) Allowed(origin string) bool {
	return p.allowed[NormalizeOrigin(origin)]
}

// Handler rejects disallowed origins with 403 and answers preflight
// requests. Requests without an Origin header are not cross-origin and pass.
func (p *OriginPolicy) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !p.Allowed(origin) {
				p.logger.Warn("Rejected cross-origin request",
					logging.F("origin", origin),
					logging.F("path", r.URL.Path))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error":   "Origin not allowed",
					"origin":  origin,
				})
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(AllowedHeaders, ", "))
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NormalizeOrigin reduces a URL or origin to lower-case scheme://host[:port]
func NormalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimRight(raw, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
