package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-assets/internal/health"
	"github.com/keithlinneman/linnemanlabs-assets/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()

	MetricsMW   func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the resource API onto the router.
	APIRoutes func(chi.Router)

	// MaxBodyBytes bounds request bodies. Archive uploads are the largest
	// accepted payload so this is sized from the archive cap.
	MaxBodyBytes int64
}
