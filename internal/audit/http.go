package audit

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// MetaFromRequest collects caller details for an audit entry.
func MetaFromRequest(r *http.Request, role string) RequestMeta {
	return RequestMeta{IP: ClientIP(r), UserAgent: r.UserAgent(), Role: role}
}
