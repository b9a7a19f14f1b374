// Package coordinator records suspended workflow executions and resolves
// them exactly once when the outside actor reports back.
package coordinator

import (
	"time"

	"github.com/psantana5/taskgate/pkg/logging"
	"github.com/psantana5/taskgate/pkg/metrics"
	"github.com/psantana5/taskgate/pkg/tracing"
)

// Config holds coordinator timing
type Config struct {
	// DefaultTTL applies when a registration does not ask for a window
	DefaultTTL time.Duration
	// ClaimLease bounds how long one callback may hold a suspension while
	// it resumes the engine. A crashed resolver's lease lapses after this.
	ClaimLease time.Duration
}

// DefaultConfig returns the coordinator defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 24 * time.Hour,
		ClaimLease: 30 * time.Second,
	}
}

// Options carries the optional collaborators shared by the registrar and
// resolver. Nil fields are replaced with no-op implementations.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Tracer == nil {
		o.Tracer = tracing.Noop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = d.ClaimLease
	}
	return c
}
