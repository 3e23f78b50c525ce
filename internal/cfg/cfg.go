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

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/log"
)

const EnvPrefix = "CONFIRMD_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// SendGridAPIKey may be a literal or an ssm:/kms: reference resolved at startup
	SendGridAPIKey   string
	SendGridEndpoint string
	FromEmail        string
	BaseURL          string
	ProviderRPS      float64
	ProviderBurst    int
	ProviderTimeout  time.Duration

	ConfirmMaxRequests int
	ConfirmWindow      time.Duration
	RateLimitShards    int
	RateLimitMaxKeys   int

	Input string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.SendGridAPIKey, "sendgrid-api-key", "", "SendGrid API key, or ssm:<param> / kms:<base64 ciphertext>")
	fs.StringVar(&c.SendGridEndpoint, "sendgrid-endpoint", "", "override the SendGrid mail send endpoint")
	fs.StringVar(&c.FromEmail, "from-email", "", "sender address for confirmation emails")
	fs.StringVar(&c.BaseURL, "base-url", "", "public site origin used to build confirmation links")
	fs.Float64Var(&c.ProviderRPS, "provider-rps", 10, "max SendGrid requests per second (0 disables pacing)")
	fs.IntVar(&c.ProviderBurst, "provider-burst", 5, "SendGrid request burst")
	fs.DurationVar(&c.ProviderTimeout, "provider-timeout", 10*time.Second, "per-request SendGrid timeout")

	fs.IntVar(&c.ConfirmMaxRequests, "confirm-max-requests", 3, "confirmation requests allowed per client per window")
	fs.DurationVar(&c.ConfirmWindow, "confirm-window", time.Hour, "sliding window for confirmation requests")
	fs.IntVar(&c.RateLimitShards, "ratelimit-shards", 16, "limiter shard count")
	fs.IntVar(&c.RateLimitMaxKeys, "ratelimit-max-keys", 100000, "max tracked clients before LRU eviction (0 = unbounded)")

	fs.StringVar(&c.Input, "input", "-", "JSON lines intake file, - for stdin")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				// values may be secrets, name the override only
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
// Missing SendGrid settings are not errors here; the sender reports them per request.
func Validate(c App) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
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

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("BASE_URL must be an absolute URL (got %q)", c.BaseURL))
		}
	}
	if c.SendGridEndpoint != "" {
		if u, err := url.Parse(c.SendGridEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("SENDGRID_ENDPOINT must be an absolute URL (got %q)", c.SendGridEndpoint))
		}
	}
	if c.ProviderRPS < 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_RPS must be >= 0 (got %v)", c.ProviderRPS))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_TIMEOUT must be > 0 (got %s)", c.ProviderTimeout))
	}

	if c.ConfirmMaxRequests < 0 {
		errs = append(errs, fmt.Errorf("CONFIRM_MAX_REQUESTS must be >= 0 (got %d)", c.ConfirmMaxRequests))
	}
	if c.ConfirmWindow <= 0 {
		errs = append(errs, fmt.Errorf("CONFIRM_WINDOW must be > 0 (got %s)", c.ConfirmWindow))
	}
	if c.RateLimitShards < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SHARDS must be >= 1 (got %d)", c.RateLimitShards))
	}
	if c.RateLimitMaxKeys < 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_KEYS must be >= 0 (got %d)", c.RateLimitMaxKeys))
	}

	if c.Input == "" {
		errs = append(errs, fmt.Errorf("INPUT is required (use - for stdin)"))
	}

	return errors.Join(errs...)
}
