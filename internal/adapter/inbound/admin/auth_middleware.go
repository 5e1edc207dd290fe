package admin

import (
	"net"
	"net/http"
)

// isLocalhost checks if the request originates from a loopback address.
// X-Forwarded-For is not trusted.
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// adminAuthMiddleware enforces localhost-only access unless remote access
// is allowed. Remote requests are rejected with 403; use an SSH tunnel.
func (h *AdminAPIHandler) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.allowRemote || isLocalhost(r) {
			next.ServeHTTP(w, r)
			return
		}
		h.respondError(w, http.StatusForbidden, "admin API requires localhost access")
	})
}

// apiHeaders marks every response as uncacheable JSON that browsers must
// not sniff or frame. Responses carry user and session data.
func apiHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
