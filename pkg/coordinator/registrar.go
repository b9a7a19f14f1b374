package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/taskgate/pkg/engine"
	"github.com/psantana5/taskgate/pkg/logging"
	"github.com/psantana5/taskgate/pkg/models"
	"github.com/psantana5/taskgate/pkg/store"
)

// RegisterRequest is what the engine sends when an execution suspends
type RegisterRequest struct {
	CorrelationKey   string
	ResumptionHandle string
	ExecutionRef     string
	TTL              time.Duration
}

// Registrar records suspensions and removes them on engine cancel
type Registrar struct {
	store  store.Store
	config Config
	opts   Options
}

// NewRegistrar creates a registrar over s
func NewRegistrar(s store.Store, config Config, opts Options) *Registrar {
	return &Registrar{
		store:  s,
		config: config.withDefaults(),
		opts:   opts.withDefaults(),
	}
}

// Register validates and stores a suspension. A live suspension under the
// same key is a workflow design error and comes back as KindConflict; it
// is never retried.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (*models.Suspension, error) {
	const op = "register"

	if req.CorrelationKey == "" {
		return nil, newError(KindInvalidArgument, op, "", "Missing required parameter: correlationKey", nil)
	}
	if req.ResumptionHandle == "" {
		return nil, newError(KindInvalidArgument, op, req.CorrelationKey, "Missing required parameter: resumptionHandle", nil)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = r.config.DefaultTTL
	}
	rec := models.NewSuspension(req.CorrelationKey, req.ResumptionHandle, req.ExecutionRef, r.opts.Now(), ttl)

	log := r.opts.Logger.WithFields(logging.Fields{
		"correlation_key": rec.CorrelationKey,
		"execution_ref":   rec.ExecutionRef,
		"handle":          models.RedactHandle(rec.ResumptionHandle),
	})

	if err := r.store.Put(ctx, rec); err != nil {
		if errors.Is(err, store.ErrSuspensionExists) {
			r.opts.Metrics.SuspensionConflicts.Inc()
			log.Error("Suspension already exists for correlation key")
			return nil, newError(KindConflict, op, rec.CorrelationKey,
				"A suspension is already active for this correlation key", err)
		}
		log.Error("Failed to store suspension", logging.Fields{"error": err})
		return nil, newError(KindInternal, op, rec.CorrelationKey, "Failed to store suspension", err)
	}

	r.opts.Metrics.SuspensionsRegistered.Inc()
	log.Info("Suspension registered", logging.Fields{"expires_at": rec.ExpiresAt.UTC().Format(time.RFC3339)})
	return rec, nil
}

// Cancel removes the suspension for key. It is the engine's timeout and
// cancel path and succeeds whether or not a record exists.
func (r *Registrar) Cancel(ctx context.Context, key string) error {
	const op = "cancel"
	if key == "" {
		return newError(KindInvalidArgument, op, "", "Missing required parameter: correlationKey", nil)
	}
	if err := r.store.Delete(ctx, key); err != nil {
		r.opts.Logger.Error("Failed to cancel suspension", logging.Fields{"correlation_key": key, "error": err})
		return newError(KindInternal, op, key, "Failed to delete suspension", err)
	}
	r.opts.Logger.Info("Suspension cancelled", logging.Fields{"correlation_key": key})
	return nil
}

// Withdraw removes the suspension for key only if it still carries handle.
// It is the engine's timeout and cancel path: an execution can outlive its
// suspension, and by then the key may belong to a newer execution.
func (r *Registrar) Withdraw(ctx context.Context, key, handle string) error {
	const op = "cancel"
	if key == "" {
		return newError(KindInvalidArgument, op, "", "Missing required parameter: correlationKey", nil)
	}
	if handle == "" {
		return newError(KindInvalidArgument, op, key, "Missing required parameter: resumptionHandle", nil)
	}
	log := r.opts.Logger.WithFields(logging.Fields{
		"correlation_key": key,
		"handle":          models.RedactHandle(handle),
	})
	deleted, err := r.store.DeleteIfHandle(ctx, key, handle)
	if err != nil {
		log.Error("Failed to withdraw suspension", logging.Fields{"error": err})
		return newError(KindInternal, op, key, "Failed to delete suspension", err)
	}
	if !deleted {
		log.Debug("Suspension already gone or replaced, nothing to withdraw")
		return nil
	}
	log.Info("Suspension withdrawn")
	return nil
}

// Lookup returns the live suspension for key
func (r *Registrar) Lookup(ctx context.Context, key string) (*models.Suspension, error) {
	const op = "lookup"
	if key == "" {
		return nil, newError(KindInvalidArgument, op, "", "Missing required parameter: correlationKey", nil)
	}
	rec, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrSuspensionNotFound) {
		return nil, newError(KindNotFound, op, key, "No active suspension", err)
	}
	if err != nil {
		return nil, newError(KindInternal, op, key, "Failed to read suspension", err)
	}
	return rec, nil
}

// Stats reports store occupancy
func (r *Registrar) Stats(ctx context.Context) (*store.Stats, error) {
	stats, err := r.store.Stats(ctx)
	if err != nil {
		return nil, newError(KindInternal, "stats", "", "Failed to read store statistics", err)
	}
	return stats, nil
}

// HealthCheck reports whether the store is reachable
func (r *Registrar) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

// EngineRegistry adapts the registrar to the local engine's registry
func (r *Registrar) EngineRegistry() engine.SuspensionRegistry {
	return engineRegistry{r}
}

type engineRegistry struct {
	r *Registrar
}

func (e engineRegistry) Register(ctx context.Context, correlationKey, handle, executionRef string, ttl time.Duration) error {
	_, err := e.r.Register(ctx, RegisterRequest{
		CorrelationKey:   correlationKey,
		ResumptionHandle: handle,
		ExecutionRef:     executionRef,
		TTL:              ttl,
	})
	return err
}

func (e engineRegistry) Cancel(ctx context.Context, correlationKey, handle string) error {
	return e.r.Withdraw(ctx, correlationKey, handle)
}
