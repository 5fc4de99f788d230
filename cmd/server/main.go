package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-api/internal/backendproxy"
	"github.com/keithlinneman/linnemanlabs-api/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-api/internal/contacthttp"
	"github.com/keithlinneman/linnemanlabs-api/internal/health"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-api/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-api/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-api/internal/policyssm"
	"github.com/keithlinneman/linnemanlabs-api/internal/prof"
	"github.com/keithlinneman/linnemanlabs-api/internal/ratelimit"
	v "github.com/keithlinneman/linnemanlabs-api/internal/version"
)

const appName = "linnemanlabs-api"

// rate limit purposes, also the prefix of every limiter identifier
const (
	purposeContact  = "contact"
	purposeProjects = backendproxy.PurposeProjects
	purposePosts    = backendproxy.PurposePosts
)

func main() {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx := log.WithContext(context.Background(), L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trusted_proxy_hops", conf.TrustedProxyHops,
		"ratelimit_max_entries", conf.MaxEntries,
		"ratelimit_unknown_client", conf.UnknownClient,
		"policy_ssm_param", conf.PolicySSMParam,
		"contact_sink", conf.ContactSink,
		"contact_s3_bucket", conf.ContactS3Bucket,
		"backend_url", conf.BackendURL,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		ProfileMutexFraction: 5,
		BlockProfileRate:     5,
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	var awsCfg aws.Config
	if conf.AWSNeeded() {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
	}

	// flags are the baseline, the ssm parameter may override any purpose
	policies := map[string]ratelimit.Policy{
		purposeContact:  ratelimit.MustPolicy(conf.ContactWindow, conf.ContactMax),
		purposeProjects: ratelimit.MustPolicy(conf.WriteWindow, conf.WriteMax),
		purposePosts:    ratelimit.MustPolicy(conf.WriteWindow, conf.WriteMax),
	}
	policySource := "flags"
	if conf.PolicySSMParam != "" {
		policies, err = policyssm.Load(ctx, ssm.NewFromConfig(awsCfg), conf.PolicySSMParam, policies)
		if err != nil {
			// a bad override should stop a deploy, not silently fall back
			L.Error(ctx, err, "failed to load rate limit policy overrides", "param", conf.PolicySSMParam)
			os.Exit(1)
		}
		policySource = "ssm"
	}
	m.SetPolicySource(policySource)
	for _, purpose := range []string{purposeContact, purposeProjects, purposePosts} {
		L.Info(ctx, "rate limit policy", "purpose", purpose, "policy", policies[purpose].String(), "source", policySource)
	}

	unknown, _ := ratelimit.ParseUnknownClient(conf.UnknownClient)

	limiter := ratelimit.New(
		ratelimit.WithSweepInterval(conf.SweepInterval),
		ratelimit.WithMaxEntries(conf.MaxEntries),
		// one line per client per window, the counter covers every denial
		ratelimit.WithOnFirstDenied(func(id string) {
			purpose, ip, _ := strings.Cut(id, ":")
			m.IncRateLimitFirstDenied(purpose)
			L.Warn(ctx, "rate limit triggered", "purpose", purpose, "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until the next sweep")
		}),
		ratelimit.WithOnSweep(func(evicted, remaining int, took time.Duration) {
			m.ObserveSweep(evicted, remaining, took)
			if evicted > 0 {
				L.Debug(ctx, "rate limit sweep", "evicted", evicted, "remaining", remaining, "took", took)
			}
		}),
	)
	stopSweeper := limiter.StartSweeper(ctx)

	guard := func(purpose string) func(http.Handler) http.Handler {
		return limiter.Middleware(ratelimit.Guard{
			Purpose:    purpose,
			Policy:     policies[purpose],
			Unknown:    unknown,
			Logger:     L,
			OnDecision: m.ObserveRateLimitDecision,
		})
	}

	var sink contacthttp.Sink
	switch conf.ContactSink {
	case "s3":
		s3Sink, err := contacthttp.NewS3Sink(s3.NewFromConfig(awsCfg), conf.ContactS3Bucket, conf.ContactS3Prefix)
		if err != nil {
			L.Error(ctx, err, "failed to create contact s3 sink")
			os.Exit(1)
		}
		sink = s3Sink
	default:
		L.Warn(ctx, "contact submissions are written to the log, use contact-sink=s3 in production")
		sink = contacthttp.LogSink{Logger: L}
	}

	routes := []httpserver.RouteRegistrar{
		contacthttp.New(contacthttp.Options{
			Sink:      sink,
			Logger:    L,
			RateLimit: guard(purposeContact),
			MaxBytes:  conf.ContactMaxBytes,
			OnResult:  m.IncContactSubmission,
		}),
	}

	if conf.BackendURL != "" {
		proxy, err := backendproxy.New(backendproxy.Options{
			Target:    conf.BackendURL,
			Timeout:   conf.BackendTimeout,
			Logger:    L,
			RateLimit: guard,
			OnError:   m.IncBackendError,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create backend proxy")
			os.Exit(1)
		}
		routes = append(routes, proxy)
	} else {
		L.Info(ctx, "no backend url configured, project and post writes are disabled")
	}

	var gate health.ShutdownGate
	readiness := gate.Probe()

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Routes:       routes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}

	// the security group only admits monitoring hosts, opshttp also rejects
	// public peers in case that ever changes
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Debug: map[string]http.Handler{
			"ratelimit": rateLimitDebugHandler(limiter, policies, policySource),
			"version":   v.Handler(),
		},
		OnPanic: m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-sigCtx.Done()
	stopSignals()

	L.Info(ctx, "shutdown signal received")
	gate.Set("draining")

	L.Info(ctx, "waiting for load balancer to drain", "drain", conf.ShutdownDrain)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.ShutdownDrain):
		L.Info(ctx, "drain period complete")
	case <-forceCh:
		L.Warn(ctx, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(ctx, err, "site http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(ctx, err, "ops http server shutdown")
	}
	stopSweeper()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(ctx, err, "otel shutdown")
	}
	stopProf()

	L.Info(ctx, "shutdown complete")
}

// rateLimitDebugHandler reports limiter occupancy and the effective policies.
func rateLimitDebugHandler(l *ratelimit.Limiter, policies map[string]ratelimit.Policy, source string) http.Handler {
	type policyView struct {
		Window string `json:"window"`
		Max    int    `json:"max"`
	}
	view := make(map[string]policyView, len(policies))
	for purpose, p := range policies {
		view[purpose] = policyView{Window: p.Window().String(), Max: p.Max()}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entries":       l.Len(),
			"policies":      view,
			"policy_source": source,
		})
	})
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
