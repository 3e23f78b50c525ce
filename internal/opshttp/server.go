// Package opshttp serves the admin listener: health probes, metrics and pprof.
// It carries no request traffic.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/health"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/log"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/xerrors"
)

const (
	DefaultPort = 9000

	readHeaderTimeout = 5 * time.Second
	readTimeout       = 10 * time.Second
	// pprof profile and trace default to 30s captures
	writeTimeout    = 60 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// NewHandler builds the ops router. Start owns the *http.Server.
func NewHandler(L log.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	registerPprof(r, opts.EnablePprof)

	var h http.Handler = r
	if !opts.AllowPublic {
		h = requireNonPublicNetwork(L, h)
	}
	// recover inside the access log so a recovered panic is logged as a 500 with its request id
	if opts.UseRecoverMW {
		h = recoverer(L, opts.OnPanic)(h)
	}
	h = accessLog(L)(h)
	h = withRequestID(h)
	return h
}

// Start serves the ops listener and returns stop(ctx) for graceful shutdown.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, shutdownTimeout)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
