// Package backendproxy forwards project and blog write requests to the hosted
// backend. Authentication headers pass through untouched; the backend verifies
// them. Each resource gets its own rate limit purpose.
package backendproxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// Purposes proxied, each mounted at /api/<purpose> and /api/<purpose>/*.
const (
	PurposeProjects = "projects"
	PurposePosts    = "posts"
)

// DefaultTimeout bounds how long the upstream has to start responding.
const DefaultTimeout = 15 * time.Second

var writeMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

type Options struct {
	// Target is the backend base URL, request paths are appended to it
	Target  string
	Timeout time.Duration
	Logger  log.Logger
	// RateLimit returns the limiter middleware for a purpose, nil for none
	RateLimit func(purpose string) func(http.Handler) http.Handler
	// OnError is called once per failed upstream round trip
	OnError func(purpose string)
	// Transport overrides the upstream round tripper (tests)
	Transport http.RoundTripper
}

// Proxy implements httpserver.RouteRegistrar.
type Proxy struct {
	target    *url.URL
	logger    log.Logger
	rateLimit func(string) func(http.Handler) http.Handler
	onError   func(string)
	transport http.RoundTripper
}

func New(opts Options) (*Proxy, error) {
	u, err := url.Parse(opts.Target)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse backend url %q", opts.Target)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.Newf("backend url must be absolute http(s), got %q", opts.Target)
	}

	p := &Proxy{
		target:    u,
		logger:    opts.Logger,
		rateLimit: opts.RateLimit,
		onError:   opts.OnError,
		transport: opts.Transport,
	}
	if p.logger == nil {
		p.logger = log.Nop()
	}
	if p.transport == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = timeout
		p.transport = otelhttp.NewTransport(t)
	}
	return p, nil
}

func (p *Proxy) RegisterRoutes(r chi.Router) {
	for _, purpose := range []string{PurposeProjects, PurposePosts} {
		h := p.handler(purpose)
		prefix := "/api/" + purpose
		r.Group(func(r chi.Router) {
			r.Use(httpmw.Scope(purpose))
			if p.rateLimit != nil {
				if mw := p.rateLimit(purpose); mw != nil {
					r.Use(mw)
				}
			}
			for _, m := range writeMethods {
				r.Method(m, prefix, h)
				r.Method(m, prefix+"/*", h)
			}
		})
	}
}

func (p *Proxy) handler(purpose string) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(p.target)
			pr.SetXForwarded()
			// SetXForwarded uses the TCP peer, the resolved client is more useful upstream
			if ip := httpmw.ClientIPFromContext(pr.In.Context()); ip != "" {
				pr.Out.Header.Set("X-Forwarded-For", ip)
			}
			if id := httpmw.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set("X-Request-Id", id)
			}
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			ctx := r.Context()
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				// client went away, nothing useful to report
				log.FromContext(ctx).Debug(ctx, "backend request canceled by client", "purpose", purpose)
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			if p.onError != nil {
				p.onError(purpose)
			}
			log.FromContext(ctx).Error(ctx, err, "backend request failed",
				"purpose", purpose,
				"upstream", p.target.Host,
			)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
		},
	}
}
