// Package cfg holds the process configuration: flags with inline defaults,
// environment fallback, and validation that reports every problem at once.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/ratelimit"
)

// EnvPrefix is prepended to upper-cased flag names, -http-port -> LMAPI_HTTP_PORT.
const EnvPrefix = "LMAPI_"

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	OTLPInsecure      bool
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	TrustedProxyHops int

	// rate limiting
	ContactWindow  time.Duration
	ContactMax     int
	WriteWindow    time.Duration
	WriteMax       int
	SweepInterval  time.Duration
	MaxEntries     int
	UnknownClient  string
	PolicySSMParam string

	// contact form
	ContactSink     string
	ContactS3Bucket string
	ContactS3Prefix string
	ContactMaxBytes int64

	// write proxy
	BackendURL     string
	BackendTimeout time.Duration

	// how long readiness fails before listeners stop on SIGTERM
	ShutdownDrain time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or text (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on ops port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "plaintext gRPC to the OTLP endpoint (local collector)")

	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 1, "reverse proxies in front of the server whose X-Forwarded-For entries are trusted (0..8)")

	fs.DurationVar(&c.ContactWindow, "contact-window", 15*time.Minute, "contact form rate limit window")
	fs.IntVar(&c.ContactMax, "contact-max", 5, "contact form submissions allowed per client per window")
	fs.DurationVar(&c.WriteWindow, "write-window", time.Minute, "project/post write rate limit window")
	fs.IntVar(&c.WriteMax, "write-max", 10, "project/post writes allowed per client per window")
	fs.DurationVar(&c.SweepInterval, "ratelimit-sweep-interval", ratelimit.DefaultSweepInterval, "how often expired rate limit windows are evicted")
	fs.IntVar(&c.MaxEntries, "ratelimit-max-entries", 100000, "max tracked rate limit windows; at the cap new clients are denied until a sweep frees room, 0 for unbounded")
	fs.StringVar(&c.UnknownClient, "ratelimit-unknown-client", "deny", "requests with no resolvable client address: deny|shared")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding JSON rate limit policy overrides (empty to use flags only)")

	fs.StringVar(&c.ContactSink, "contact-sink", "log", "where contact submissions go: log|s3")
	fs.StringVar(&c.ContactS3Bucket, "contact-s3-bucket", "", "s3 bucket for contact submissions (contact-sink=s3)")
	fs.StringVar(&c.ContactS3Prefix, "contact-s3-prefix", "contact/submissions", "s3 key prefix for contact submissions")
	fs.Int64Var(&c.ContactMaxBytes, "contact-max-bytes", 16<<10, "max contact request body in bytes")

	fs.StringVar(&c.BackendURL, "backend-url", "", "base URL of the project/post backend (empty disables write routes)")
	fs.DurationVar(&c.BackendTimeout, "backend-timeout", 15*time.Second, "upstream response header timeout for proxied writes")

	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 30*time.Second, "time between failing readiness and stopping listeners on shutdown")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..8 (got %d)", c.TrustedProxyHops))
	}

	if _, err := ratelimit.NewPolicy(c.ContactWindow, c.ContactMax); err != nil {
		errs = append(errs, fmt.Errorf("invalid contact policy: %w", err))
	}
	if _, err := ratelimit.NewPolicy(c.WriteWindow, c.WriteMax); err != nil {
		errs = append(errs, fmt.Errorf("invalid write policy: %w", err))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_INTERVAL must be positive (got %s)", c.SweepInterval))
	}
	if c.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_ENTRIES must be >= 0 (got %d)", c.MaxEntries))
	}
	if _, err := ratelimit.ParseUnknownClient(c.UnknownClient); err != nil {
		errs = append(errs, fmt.Errorf("invalid RATELIMIT_UNKNOWN_CLIENT: %w", err))
	}

	switch c.ContactSink {
	case "log":
	case "s3":
		if c.ContactS3Bucket == "" {
			errs = append(errs, fmt.Errorf("CONTACT_S3_BUCKET required when CONTACT_SINK=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CONTACT_SINK %q (must be log|s3)", c.ContactSink))
	}
	if c.ContactMaxBytes < 256 || c.ContactMaxBytes > 1<<20 {
		errs = append(errs, fmt.Errorf("CONTACT_MAX_BYTES must be 256..1048576 (got %d)", c.ContactMaxBytes))
	}

	if c.BackendURL != "" {
		if u, err := url.Parse(c.BackendURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("BACKEND_URL must be an http(s) URL (got %q)", c.BackendURL))
		}
		if c.BackendTimeout <= 0 {
			errs = append(errs, fmt.Errorf("BACKEND_TIMEOUT must be positive (got %s)", c.BackendTimeout))
		}
	}

	if c.ShutdownDrain < 0 || c.ShutdownDrain > 5*time.Minute {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must be 0..5m (got %s)", c.ShutdownDrain))
	}

	return errors.Join(errs...)
}

// AWSNeeded reports whether any configured component talks to AWS.
func (c App) AWSNeeded() bool {
	return c.PolicySSMParam != "" || c.ContactSink == "s3"
}
