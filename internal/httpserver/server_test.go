package httpserver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-api/internal/contacthttp"
	"github.com/keithlinneman/linnemanlabs-api/internal/health"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/ratelimit"
)

type routesFunc func(r chi.Router)

func (f routesFunc) RegisterRoutes(r chi.Router) { f(r) }

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_JSONNotFoundAndMethodNotAllowed(t *testing.T) {
	h := NewHandler(&Options{Routes: []RouteRegistrar{routesFunc(func(r chi.Router) {
		r.Post("/api/thing", func(w http.ResponseWriter, r *http.Request) {})
	})}})

	tests := []struct {
		method string
		path   string
		code   int
		msg    string
	}{
		{http.MethodGet, "/nope", http.StatusNotFound, "not found"},
		{http.MethodGet, "/api/thing", http.StatusMethodNotAllowed, "method not allowed"},
	}
	for _, tt := range tests {
		rec := serve(h, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.code {
			t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content type = %q", ct)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != tt.msg {
			t.Fatalf("body = %q", rec.Body.String())
		}
	}
}

func TestNewHandler_SecurityHeadersAndRequestID(t *testing.T) {
	h := NewHandler(&Options{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/missing", nil))

	for _, name := range []string{"Content-Security-Policy", "X-Content-Type-Options", "Strict-Transport-Security", "Cache-Control"} {
		if rec.Header().Get(name) == "" {
			t.Errorf("missing %s on 404", name)
		}
	}
	if id := rec.Header().Get("X-Request-Id"); len(id) != 32 {
		t.Fatalf("generated request id = %q", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set("X-Request-Id", "upstream-id_1")
	if id := serve(h, req).Header().Get("X-Request-Id"); id != "upstream-id_1" {
		t.Fatalf("request id = %q, want inbound id echoed", id)
	}
}

func TestNewHandler_HealthRoutes(t *testing.T) {
	gate := &health.ShutdownGate{}
	h := NewHandler(&Options{
		Health:    health.Fixed(true, ""),
		Readiness: gate.Probe(),
	})

	if rec := serve(h, httptest.NewRequest(http.MethodGet, healthPath, nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthy = %d", rec.Code)
	}
	if rec := serve(h, httptest.NewRequest(http.MethodGet, readyPath, nil)); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}
	gate.Set("draining")
	if rec := serve(h, httptest.NewRequest(http.MethodGet, readyPath, nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready while draining = %d, want 503", rec.Code)
	}
}

func TestNewHandler_HealthRoutesAbsentWithoutProbes(t *testing.T) {
	h := NewHandler(&Options{})
	if rec := serve(h, httptest.NewRequest(http.MethodGet, healthPath, nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("healthy without probe = %d, want 404", rec.Code)
	}
}

func TestNewHandler_RecoverEnabled(t *testing.T) {
	panics := 0
	h := NewHandler(&Options{
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
		Routes: []RouteRegistrar{routesFunc(func(r chi.Router) {
			r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
		})},
	})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "kaboom") {
		t.Fatal("panic value leaked to client")
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("security headers missing on recovered panic")
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d", panics)
	}
}

func TestNewHandler_ClientIPFromTrustedProxy(t *testing.T) {
	var got string
	h := NewHandler(&Options{
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: 1},
		Routes: []RouteRegistrar{routesFunc(func(r chi.Router) {
			r.Get("/ip", func(w http.ResponseWriter, r *http.Request) {
				got = httpmw.ClientIPFromContext(r.Context())
			})
		})},
	})

	req := httptest.NewRequest(http.MethodGet, "/ip", nil)
	req.RemoteAddr = "10.0.1.20:44321"
	req.Header.Set("X-Forwarded-For", "198.51.100.23")
	serve(h, req)
	if got != "198.51.100.23" {
		t.Fatalf("client ip = %q, want forwarded address", got)
	}
}

func TestNewHandler_CompressesJSON(t *testing.T) {
	payload := strings.Repeat(`{"k":"value"},`, 200)
	h := NewHandler(&Options{Routes: []RouteRegistrar{routesFunc(func(r chi.Router) {
		r.Get("/big", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, payload)
		})
	})}})

	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := serve(h, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	b, _ := io.ReadAll(zr)
	if string(b) != payload {
		t.Fatal("decompressed body mismatch")
	}
}

func TestNewHandler_RouterWideBodyCap(t *testing.T) {
	h := NewHandler(&Options{
		MaxBodyBytes: 10,
		Routes: []RouteRegistrar{routesFunc(func(r chi.Router) {
			r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(w, r.Body)
			})
		})},
	})
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 11))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_MetricsMiddlewareRuns(t *testing.T) {
	calls := 0
	h := NewHandler(&Options{MetricsMW: func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			next.ServeHTTP(w, r)
		})
	}})
	serve(h, httptest.NewRequest(http.MethodGet, "/x", nil))
	if calls != 1 {
		t.Fatalf("metrics middleware calls = %d", calls)
	}
}

func TestNewHandler_ContactRateLimited(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	lim := ratelimit.New(ratelimit.WithClock(func() time.Time { return now }))
	contact := contacthttp.New(contacthttp.Options{
		Sink:      contacthttp.LogSink{Logger: log.Nop()},
		RateLimit: lim.Middleware(ratelimit.Guard{Purpose: "contact", Policy: ratelimit.MustPolicy(15*time.Minute, 3)}),
		Now:       func() time.Time { return now },
	})
	h := NewHandler(&Options{Routes: []RouteRegistrar{contact}})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, contacthttp.Path,
			strings.NewReader(`{"name":"Grace","email":"grace@example.com","message":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "1.2.3.4:5555"
		return serve(h, req)
	}

	for i := 1; i <= 3; i++ {
		rec := send()
		if rec.Code != http.StatusAccepted {
			t.Fatalf("request %d = %d, body %s", i, rec.Code, rec.Body.String())
		}
		if want := fmt.Sprint(3 - i); rec.Header().Get("X-RateLimit-Remaining") != want {
			t.Fatalf("request %d remaining = %q, want %s", i, rec.Header().Get("X-RateLimit-Remaining"), want)
		}
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("429 missing security headers")
	}

	// window rolls over
	now = now.Add(15 * time.Minute)
	if rec := send(); rec.Code != http.StatusAccepted {
		t.Fatalf("after window = %d, want 202", rec.Code)
	}
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestStart_ServesAndStops(t *testing.T) {
	port := getFreePort(t)
	stop, err := Start(context.Background(), &Options{Port: port, Health: health.Fixed(true, "")})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still accepting after stop")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	_, err = Start(context.Background(), &Options{Port: port})
	if err == nil {
		t.Fatal("Start succeeded on a busy port")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("err = %v, want wrapped *net.OpError", err)
	}
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler())
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("timeouts not applied: %+v", srv)
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("max header bytes = %d", srv.MaxHeaderBytes)
	}
}
