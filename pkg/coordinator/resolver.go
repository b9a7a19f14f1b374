package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/taskgate/pkg/engine"
	"github.com/psantana5/taskgate/pkg/logging"
	"github.com/psantana5/taskgate/pkg/models"
	"github.com/psantana5/taskgate/pkg/store"
	"github.com/psantana5/taskgate/pkg/tracing"
)

// NotFoundGuidance accompanies every not-found answer to an outside actor.
// The causes cannot be told apart from the caller's side.
const NotFoundGuidance = "The workflow may have already completed, timed out, or the identifier is incorrect"

// Resolver turns an outside actor's report into exactly one engine resume
type Resolver struct {
	store   store.Store
	resumer engine.Resumer
	config  Config
	opts    Options
}

// NewResolver creates a resolver that resumes executions through resumer
func NewResolver(s store.Store, resumer engine.Resumer, config Config, opts Options) *Resolver {
	return &Resolver{
		store:   s,
		resumer: resumer,
		config:  config.withDefaults(),
		opts:    opts.withDefaults(),
	}
}

// Resolve claims the suspension for req.CorrelationKey, resumes the
// execution with the reported outcome and deletes the suspension.
//
// The record survives a failed resume so the actor can retry. If the
// resume succeeds but the delete fails, the record also survives and a
// warning is raised; the retry then gets ErrAlreadyResolved from the
// engine, which is treated as success, and deletes the record.
func (r *Resolver) Resolve(ctx context.Context, req models.CallbackRequest) (*models.Resolution, error) {
	const op = "resolve"
	start := time.Now()

	ctx, span := r.opts.Tracer.StartSpan(ctx, "coordinator.Resolve",
		attribute.String("correlation_key", req.CorrelationKey))
	defer span.End()

	if req.CorrelationKey == "" {
		return nil, newError(KindInvalidArgument, op, "", "Missing required parameter: correlationKey", nil)
	}
	if req.Detail == "" {
		return nil, newError(KindInvalidArgument, op, req.CorrelationKey, "Missing required parameter: detail", nil)
	}

	log := r.opts.Logger.WithField("correlation_key", req.CorrelationKey)
	owner := uuid.NewString()

	rec, err := r.store.Claim(ctx, req.CorrelationKey, owner, r.config.ClaimLease)
	switch {
	case errors.Is(err, store.ErrSuspensionNotFound):
		r.opts.Metrics.CallbacksNotFound.Inc()
		log.Warn("No active suspension for callback")
		return nil, newError(KindNotFound, op, req.CorrelationKey,
			fmt.Sprintf("No active workflow found for correlation key: %s", req.CorrelationKey), err)
	case errors.Is(err, store.ErrClaimed):
		log.Warn("Callback already in progress")
		return nil, newError(KindConflict, op, req.CorrelationKey, "Callback already in progress for this correlation key", err)
	case err != nil:
		tracing.SetError(ctx, err)
		log.Error("Failed to claim suspension", logging.Fields{"error": err})
		return nil, newError(KindInternal, op, req.CorrelationKey, "Failed to read suspension", err)
	}

	log = log.WithFields(logging.Fields{
		"execution_ref": rec.ExecutionRef,
		"handle":        models.RedactHandle(rec.ResumptionHandle),
	})

	// Once the engine has been resumed the bookkeeping must finish even if
	// the caller goes away.
	bg := context.WithoutCancel(ctx)

	outcome := models.ParseOutcome(req.Status)
	now := r.opts.Now()
	if err := r.resume(ctx, rec, outcome, req.Detail, now); err != nil {
		if !errors.Is(err, engine.ErrAlreadyResolved) {
			r.opts.Metrics.ResumeFailures.Inc()
			tracing.SetError(ctx, err)
			log.Error("Failed to resume execution", logging.Fields{"outcome": string(outcome), "error": err})
			r.release(bg, rec.CorrelationKey, owner, log)
			return nil, newError(KindInternal, op, req.CorrelationKey, "Failed to resume execution", err)
		}
		log.Warn("Execution was already resolved, removing leftover suspension")
	} else {
		log.Info("Execution resumed", logging.Fields{"outcome": string(outcome)})
	}

	deleted, err := r.store.DeleteIfHandle(bg, rec.CorrelationKey, rec.ResumptionHandle)
	if err != nil {
		r.opts.Metrics.StaleRecords.Inc()
		tracing.SetError(ctx, err)
		log.Warn("Execution resumed but suspension could not be deleted; record is stale until the next callback or expiry",
			logging.Fields{"error": err})
		r.release(bg, rec.CorrelationKey, owner, log)
		return nil, newError(KindInternal, op, req.CorrelationKey, "Execution resumed but cleanup failed", err)
	}
	if !deleted {
		log.Debug("Suspension was already removed")
	}

	r.opts.Metrics.Callbacks.WithLabelValues(string(outcome)).Inc()
	r.opts.Metrics.ResolveDuration.Observe(time.Since(start).Seconds())

	return &models.Resolution{
		Message:        "Callback processed successfully",
		CorrelationKey: rec.CorrelationKey,
		ExecutionRef:   rec.ExecutionRef,
		Status:         outcome,
		ResolvedAt:     now,
	}, nil
}

func (r *Resolver) resume(ctx context.Context, rec *models.Suspension, outcome models.Outcome, detail string, now time.Time) error {
	if outcome == models.OutcomeFailure {
		return r.resumer.ResolveFailure(ctx, rec.ResumptionHandle, engine.FailureKindCallback, detail)
	}

	payload, err := json.Marshal(models.SuccessPayload{
		Message:        detail,
		Status:         string(models.OutcomeSuccess),
		CorrelationKey: rec.CorrelationKey,
		CompletedAt:    now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal success payload: %w", err)
	}
	return r.resumer.ResolveSuccess(ctx, rec.ResumptionHandle, payload)
}

func (r *Resolver) release(ctx context.Context, key, owner string, log *logging.Logger) {
	if err := r.store.Release(ctx, key, owner); err != nil {
		log.Warn("Failed to release suspension claim", logging.Fields{"error": err})
	}
}
