package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
)

// UnknownClient selects what to do with requests whose client address could
// not be determined.
type UnknownClient int

const (
	// UnknownDeny rejects such requests outright.
	UnknownDeny UnknownClient = iota
	// UnknownShared pools all such requests into one "<purpose>:unknown" window.
	// Every untraceable client shares a single budget, so one abuser can exhaust it for all of them.
	UnknownShared
)

// UnknownIdentifier is the identifier suffix used by UnknownShared.
const UnknownIdentifier = "unknown"

// ParseUnknownClient maps "deny" and "shared" to their UnknownClient value.
func ParseUnknownClient(s string) (UnknownClient, error) {
	switch s {
	case "deny":
		return UnknownDeny, nil
	case "shared":
		return UnknownShared, nil
	default:
		return 0, fmt.Errorf("unknown client mode %q (valid modes are deny|shared)", s)
	}
}

func (u UnknownClient) String() string {
	if u == UnknownShared {
		return "shared"
	}
	return "deny"
}

// Guard describes one protected endpoint.
type Guard struct {
	// Purpose namespaces identifiers so each endpoint has its own budget
	Purpose string
	Policy  Policy
	Unknown UnknownClient
	Logger  log.Logger
	// OnDecision is called with every decision, used for prometheus counters
	OnDecision func(purpose string, allowed bool)
}

// deniedLogEvery throttles the per-request denial debug line across all clients
var deniedLogEvery = 10 * time.Second

// Middleware returns middleware that admits requests according to g.Policy and
// rejects the rest with 429. Quota headers are set on every response it handles.
func (l *Limiter) Middleware(g Guard) func(http.Handler) http.Handler {
	if !g.Policy.Valid() {
		panic("ratelimit: Middleware called with invalid policy for " + g.Purpose)
	}
	if g.Logger == nil {
		g.Logger = log.Nop()
	}
	limit := strconv.Itoa(g.Policy.Max())
	sometimes := &rate.Sometimes{Interval: deniedLogEvery}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			// resolved by httpmw.ClientIP, which handles trusted proxy hops
			ip := httpmw.ClientIPFromContext(ctx)
			if ip == "" {
				if g.Unknown == UnknownDeny {
					g.Logger.Warn(ctx, "rejecting request with undeterminable client address", "purpose", g.Purpose)
					if g.OnDecision != nil {
						g.OnDecision(g.Purpose, false)
					}
					if l.OnDenied != nil {
						l.OnDenied(g.Purpose + ":")
					}
					now := l.now()
					writeDenied(w, Decision{ResetAt: now.Add(g.Policy.Window())}, now, limit)
					return
				}
				ip = UnknownIdentifier
			}

			id := g.Purpose + ":" + ip
			d := l.Check(id, g.Policy)
			if g.OnDecision != nil {
				g.OnDecision(g.Purpose, d.Allowed)
			}

			setQuotaHeaders(w.Header(), d, limit)
			if !d.Allowed {
				sometimes.Do(func() {
					logDenied(ctx, g.Logger, g.Purpose, ip, d)
				})
				writeDenied(w, d, l.now(), limit)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func logDenied(ctx context.Context, L log.Logger, purpose, ip string, d Decision) {
	L.Debug(ctx, "rate limited request",
		"purpose", purpose,
		"ip", ip,
		"reset_at", d.ResetAt.UTC(),
	)
}

func setQuotaHeaders(h http.Header, d Decision, limit string) {
	h.Set("X-RateLimit-Limit", limit)
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// RetryAfterSeconds rounds the wait up to whole seconds, minimum 1.
func RetryAfterSeconds(d Decision, now time.Time) int {
	secs := int(math.Ceil(d.RetryAfter(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeDenied(w http.ResponseWriter, d Decision, now time.Time, limit string) {
	setQuotaHeaders(w.Header(), d, limit)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(d, now)))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"too many requests"}`))
}
