package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies between the client and this
	// server. 0 ignores X-Forwarded-For entirely, 1 takes the rightmost entry
	// (single load balancer), 2 the second from the right (CDN + LB), etc.
	TrustedHops int
}

// ClientIP resolves the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that stores the resolved client IP in
// the request context. When no address can be determined nothing is stored and
// ClientIPFromContext returns "", leaving the decision to the caller.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// resolveClientIP only honors X-Forwarded-For when the direct peer is a private
// address and trustedHops > 0. Forwarded headers that are not trusted are
// removed so nothing downstream reads them by accident.
func resolveClientIP(r *http.Request, trustedHops int) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		stripForwarded(r)
		return ""
	}
	addr := peer.String()

	if !peer.IsPrivate() || trustedHops <= 0 {
		stripForwarded(r)
		return addr
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return addr
	}
	parts := strings.Split(xf, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than proxies we expect: misconfiguration or spoofing, fail closed to the peer
		stripForwarded(r)
		return addr
	}
	if candidate := net.ParseIP(strings.TrimSpace(parts[idx])); candidate != nil {
		return candidate.String()
	}
	return addr
}

// ClientIPFromContext returns the resolved client IP or "" if none was determined.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
