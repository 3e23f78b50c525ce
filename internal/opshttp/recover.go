package opshttp

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/log"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/xerrors"
)

// recoverer turns handler panics into a logged 500 so one bad pprof or metrics
// request cannot take the process down.
func recoverer(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// let net/http handle client aborts the way it normally does
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				L.Error(r.Context(), xerrors.WithStack(err), "ops http handler panic",
					"request_id", RequestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
