package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// AllowPublic disables the private-network guard, for tests and local runs only
	AllowPublic  bool
	UseRecoverMW bool
	// OnPanic runs after a recovered panic, e.g. to bump ops_http_panic_total
	OnPanic func()
}
