package api

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP for rate limiting and audit records.
// Proxy headers are trusted; deployments exposed directly to the internet
// should strip them at the edge.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop in the chain is the originating client.
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return extractRemoteIP(r.RemoteAddr)
}

// extractRemoteIP strips the port from a RemoteAddr value.
func extractRemoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
