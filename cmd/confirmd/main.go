package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/dispatch"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/health"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/log"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/mailer"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/prof"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/secrets"
	v "github.com/keithlinneman/linnemanlabs-confirmd/internal/version"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/xerrors"
)

const component = "dispatch"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
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
	L, err := log.New(log.Options{
		App:               v.AppName,
		Component:         component,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
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
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"confirm_max_requests", conf.ConfirmMaxRequests,
		"confirm_window", conf.ConfirmWindow,
		"ratelimit_shards", conf.RateLimitShards,
		"ratelimit_max_keys", conf.RateLimitMaxKeys,
		"provider_rps", conf.ProviderRPS,
		"input", conf.Input,
	)

	if err := run(ctx, L, conf, vi); err != nil {
		L.Error(ctx, err, "confirmd exited with error")
		_ = L.Sync()
		os.Exit(1)
	}
	L.Info(context.Background(), "shutdown complete")
}

func run(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) error {
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		// profiling is best effort
		L.Warn(ctx, "continuing without pyroscope", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector is on localhost, no TLS
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	apiKey, err := resolveAPIKey(ctx, conf.SendGridAPIKey)
	if err != nil {
		return err
	}

	// sweep at a fraction of the window; maxAge must cover the window or live entries are lost
	sweepEvery := janitorInterval(conf.ConfirmWindow)
	janitorBeat := health.NewHeartbeat("ratelimit janitor", nil)

	var limiter *ratelimit.Limiter
	limiter = ratelimit.New(
		ratelimit.WithShards(conf.RateLimitShards),
		ratelimit.WithMaxKeys(conf.RateLimitMaxKeys),
		ratelimit.WithOnDenied(func(string) {
			m.IncRateLimitDenied()
		}),
		// once per record so a client hammering us produces one line per window
		ratelimit.WithOnFirstDenied(func(client string) {
			L.Warn(ctx, "confirmation rate limit triggered", "client", client)
		}),
		ratelimit.WithOnEvict(func(string) {
			m.IncRateLimitEvicted()
		}),
		ratelimit.WithOnSweep(func(removed int) {
			janitorBeat.Beat()
			if removed > 0 {
				L.Debug(ctx, "ratelimit sweep", "removed", removed, "tracked", limiter.Len())
			}
		}),
	)
	m.TrackKeys(limiter.Len)

	jctx, stopJanitor := context.WithCancel(context.Background())
	janitorDone := limiter.StartJanitor(jctx, sweepEvery, conf.ConfirmWindow)
	defer func() {
		stopJanitor()
		<-janitorDone
	}()

	sender := mailer.New(mailer.Options{
		APIKey:        apiKey,
		FromEmail:     conf.FromEmail,
		BaseURL:       conf.BaseURL,
		Endpoint:      conf.SendGridEndpoint,
		Timeout:       conf.ProviderTimeout,
		RatePerSecond: conf.ProviderRPS,
		Burst:         conf.ProviderBurst,
		Logger:        L,
	})
	providerConfigured := apiKey != "" && conf.FromEmail != "" && conf.BaseURL != ""
	if !providerConfigured {
		// each send will fail with a config error until this is fixed
		L.Warn(ctx, "sendgrid is not fully configured",
			"have_api_key", apiKey != "",
			"have_from_email", conf.FromEmail != "",
			"have_base_url", conf.BaseURL != "",
		)
	}

	d := dispatch.New(dispatch.Options{
		Limiter:     limiter,
		Sender:      sender,
		MaxRequests: conf.ConfirmMaxRequests,
		Window:      conf.ConfirmWindow,
		Metrics:     m,
		Logger:      L,
	})

	var gate health.ShutdownGate

	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       janitorBeat.Probe(3 * sweepEvery),
		Readiness:    health.All(gate.Probe(), health.Fixed(providerConfigured, "sendgrid is not fully configured")),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		return xerrors.Wrap(err, "start ops http listener")
	}
	defer func() { _ = opsStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	in, closeIn, err := openInput(conf.Input)
	if err != nil {
		return err
	}
	defer closeIn()

	var sent, failed int
	runErr := d.Run(ctx, in, func(res dispatch.Result) {
		if res.Err == nil {
			sent++
			return
		}
		failed++
		if errors.Is(res.Err, dispatch.ErrMalformedLine) {
			L.Warn(ctx, "skipping intake line", "line", res.Line, "error", res.Err.Error())
		}
	})

	L.Info(context.Background(), "intake finished", "sent", sent, "failed", failed)

	gate.Set("draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "otel shutdown")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// resolveAPIKey only loads AWS config when the key is an ssm: or kms: reference
func resolveAPIKey(ctx context.Context, ref string) (string, error) {
	var r *secrets.Resolver
	if secrets.NeedsAWS(ref) {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return "", xerrors.Wrap(err, "load AWS config")
		}
		r = secrets.New(awsCfg)
	}
	key, err := r.Resolve(ctx, ref)
	if err != nil {
		return "", xerrors.Wrap(err, "resolve sendgrid api key")
	}
	return key, nil
}

func janitorInterval(window time.Duration) time.Duration {
	every := window / 4
	if every < time.Second {
		every = time.Second
	}
	if every > 5*time.Minute {
		every = 5 * time.Minute
	}
	return every
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, xerrors.Wrapf(err, "open intake %s", path)
	}
	return f, func() { _ = f.Close() }, nil
}
