package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/taskgate/pkg/auth"
	"github.com/psantana5/taskgate/pkg/engine"
	"github.com/psantana5/taskgate/pkg/middleware"
	"github.com/psantana5/taskgate/pkg/tracing"
)

// RouterOptions are the optional pieces mounted next to the handler
type RouterOptions struct {
	// Metrics is served on /metrics when set
	Metrics http.Handler
	// Tracer wraps every route in a server span when set
	Tracer *tracing.Provider
	// APIKey guards /api/v1 when it has a key configured
	APIKey *auth.KeyVerifier
	// Engine mounts the in-process engine under /api/v1/engine when set
	Engine *engine.Local
}

// NewRouter builds the full route tree:
//
//	/health, /metrics                  open
//	/api/v1/services/{name}            service bearer contract
//	/api/v1/...                        API key, when configured
//	/api/v1/engine/executions/...      local engine
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	if opts.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(opts.Tracer))
	}

	r.HandleFunc("/health", h.Health).Methods("GET")
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods("GET")
	}

	svc := r.PathPrefix("/api/v1/services").Subrouter()
	h.RegisterServiceRoutes(svc)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if opts.APIKey != nil {
		v1.Use(middleware.APIKey(opts.APIKey))
	}
	h.RegisterRoutes(v1)

	if opts.Engine != nil {
		opts.Engine.RegisterRoutes(v1.PathPrefix("/engine").Subrouter())
	}
	return r
}
