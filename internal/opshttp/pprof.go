package opshttp

import (
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
)

// registerPprof mounts the runtime profiles under /debug/pprof.
// When disabled the prefix is shadowed with 404s so nothing else can claim it.
func registerPprof(r chi.Router, enabled bool) {
	if !enabled {
		r.HandleFunc("/debug/pprof", http.NotFound)
		r.HandleFunc("/debug/pprof/*", http.NotFound)
		return
	}
	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", pprof.Index)
		r.Get("/cmdline", pprof.Cmdline)
		r.Get("/profile", pprof.Profile)
		r.HandleFunc("/symbol", pprof.Symbol)
		r.Get("/trace", pprof.Trace)
		r.Get("/{profile}", func(w http.ResponseWriter, req *http.Request) {
			pprof.Handler(chi.URLParam(req, "profile")).ServeHTTP(w, req)
		})
	})
}
