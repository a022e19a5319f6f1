package httpserver

import (
	"net/http"
	"strings"

	"github.com/webroker/reelwatch/internal/origin"
)

func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return s.withOriginPolicy(next.ServeHTTP)
	}
}

// withOriginPolicy rejects browser requests from origins outside the
// allow-list and answers CORS preflights. Requests without an Origin header
// (the CLI, curl) pass through untouched.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalized, host, ok := origin.NormalizeHeader(originHeader)
		if !ok || !origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
			WriteJSON(w, http.StatusForbidden, map[string]string{"code": "forbidden_origin", "message": "origin not allowed"})
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", normalized)
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
