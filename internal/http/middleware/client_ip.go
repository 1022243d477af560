package middleware

import (
	"context"
	"net"
	"net/http"
)

// clientIPKey is the context key for the client IP.
type clientIPKey struct{}

// ClientIP is a middleware that injects the client's IP address into the
// context so API handlers can reach it without the raw request. Must run
// after RealIP so proxied requests resolve to the originating address.
func ClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}

		ctx := context.WithValue(r.Context(), clientIPKey{}, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClientIP returns the client IP from the context.
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}
