package httpmw

import (
	"net/http"
)

// Chain wraps h in mws, first middleware outermost. Nil entries are
// skipped so optional middleware (metrics, rate limiting) can be passed
// through unconditionally.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
