package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/taskgate/pkg/auth"
	"github.com/psantana5/taskgate/pkg/logging"
	"github.com/psantana5/taskgate/pkg/models"
	"github.com/psantana5/taskgate/pkg/results"
)

// Status is the lifecycle state of a local execution
type Status string

const (
	StatusSuspended Status = "SUSPENDED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s != StatusSuspended
}

// ErrExecutionNotFound is returned for an unknown execution id
var ErrExecutionNotFound = errors.New("execution not found")

// Execution is a snapshot of one local execution. The resumption handle is
// never part of it.
type Execution struct {
	ID             string          `json:"executionRef"`
	CorrelationKey string          `json:"correlationKey"`
	Status         Status          `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	Cause          string          `json:"cause,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
}

// SuspensionRegistry is how the local engine records and withdraws its
// suspensions with the coordinator
type SuspensionRegistry interface {
	Register(ctx context.Context, correlationKey, handle, executionRef string, ttl time.Duration) error
	// Cancel withdraws the suspension only while it still carries handle,
	// so a late timer never removes a newer suspension under a reused key.
	Cancel(ctx context.Context, correlationKey, handle string) error
}

// LocalConfig tunes the in-process engine
type LocalConfig struct {
	// ExecutionTimeout fails an execution that has not been resumed in time.
	// Zero means the suspension TTL is used.
	ExecutionTimeout time.Duration
}

type execution struct {
	Execution
	handle string
	timer  *time.Timer
	done   chan struct{}
}

// Local is an in-process orchestration engine. Each execution has one
// gated step: it suspends on start and finishes when resumed, cancelled or
// timed out. Resolution is idempotent per handle.
type Local struct {
	registry SuspensionRegistry
	sink     results.Sink
	logger   *logging.Logger
	config   LocalConfig
	now      func() time.Time

	mu       sync.Mutex
	byID     map[string]*execution
	byHandle map[string]*execution
}

// NewLocal creates a local engine. sink may be nil.
func NewLocal(registry SuspensionRegistry, sink results.Sink, logger *logging.Logger, config LocalConfig) *Local {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Local{
		registry: registry,
		sink:     sink,
		logger:   logger.WithField("component", "engine"),
		config:   config,
		now:      time.Now,
		byID:     make(map[string]*execution),
		byHandle: make(map[string]*execution),
	}
}

// Start creates an execution that waits for a callback on correlationKey
func (l *Local) Start(ctx context.Context, correlationKey string, ttl time.Duration) (*Execution, error) {
	handle, err := auth.NewHandle()
	if err != nil {
		return nil, err
	}
	e := &execution{
		Execution: Execution{
			ID:             uuid.NewString(),
			CorrelationKey: correlationKey,
			Status:         StatusSuspended,
			StartedAt:      l.now(),
		},
		handle: handle,
		done:   make(chan struct{}),
	}

	l.mu.Lock()
	l.byID[e.ID] = e
	l.byHandle[handle] = e
	l.mu.Unlock()

	if err := l.registry.Register(ctx, correlationKey, handle, e.ID, ttl); err != nil {
		l.mu.Lock()
		delete(l.byID, e.ID)
		delete(l.byHandle, handle)
		l.mu.Unlock()
		return nil, err
	}

	timeout := l.config.ExecutionTimeout
	if timeout <= 0 {
		timeout = ttl
	}
	if timeout <= 0 {
		timeout = models.DefaultSuspensionTTL
	}
	l.mu.Lock()
	if !e.Status.Terminal() {
		e.timer = time.AfterFunc(timeout, func() { l.expire(e.ID) })
	}
	snapshot := e.Execution
	l.mu.Unlock()

	l.logger.Info("Execution suspended", logging.Fields{
		"execution_ref":   e.ID,
		"correlation_key": correlationKey,
		"timeout":         timeout.String(),
	})
	return &snapshot, nil
}

// ResolveSuccess completes the execution behind handle with payload
func (l *Local) ResolveSuccess(ctx context.Context, handle string, payload []byte) error {
	e, err := l.finish(handle, StatusSucceeded, func(e *execution) {
		e.Output = append(json.RawMessage(nil), payload...)
	})
	if err != nil {
		return err
	}
	l.writeSuccess(ctx, e, payload)
	return nil
}

// ResolveFailure fails the execution behind handle
func (l *Local) ResolveFailure(ctx context.Context, handle, errorKind, cause string) error {
	e, err := l.finish(handle, StatusFailed, func(e *execution) {
		e.Error = errorKind
		e.Cause = cause
	})
	if err != nil {
		return err
	}
	l.writeError(ctx, e)
	return nil
}

// finish moves a suspended execution to a terminal status exactly once
func (l *Local) finish(handle string, status Status, apply func(*execution)) (Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byHandle[handle]
	if !ok {
		return Execution{}, ErrUnknownHandle
	}
	if e.Status.Terminal() {
		return Execution{}, ErrAlreadyResolved
	}
	l.terminate(e, status)
	apply(e)
	return e.Execution, nil
}

func (l *Local) terminate(e *execution, status Status) {
	now := l.now()
	e.Status = status
	e.EndedAt = &now
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
}

// Cancel stops an execution and withdraws its suspension
func (l *Local) Cancel(ctx context.Context, id string) error {
	e, handle, err := l.stop(id, StatusCancelled, "ExecutionCancelled", "cancelled by operator")
	if err != nil {
		return err
	}
	if err := l.registry.Cancel(ctx, e.CorrelationKey, handle); err != nil {
		l.logger.Warn("Failed to withdraw suspension", logging.Fields{"execution_ref": id, "error": err})
	}
	l.writeError(ctx, e)
	return nil
}

// expire is the execution-level timeout: it fails the execution and takes
// the coordinator's delete path for its suspension
func (l *Local) expire(id string) {
	e, handle, err := l.stop(id, StatusTimedOut, "States.Timeout", "execution timed out waiting for callback")
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l.logger.Warn("Execution timed out", logging.Fields{"execution_ref": id, "correlation_key": e.CorrelationKey})
	if err := l.registry.Cancel(ctx, e.CorrelationKey, handle); err != nil {
		l.logger.Warn("Failed to withdraw suspension", logging.Fields{"execution_ref": id, "error": err})
	}
	l.writeError(ctx, e)
}

func (l *Local) stop(id string, status Status, errKind, cause string) (Execution, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		return Execution{}, "", ErrExecutionNotFound
	}
	if e.Status.Terminal() {
		return Execution{}, "", ErrAlreadyResolved
	}
	l.terminate(e, status)
	e.Error = errKind
	e.Cause = cause
	return e.Execution, e.handle, nil
}

// Get returns a snapshot of the execution
func (l *Local) Get(id string) (*Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	snapshot := e.Execution
	return &snapshot, nil
}

// List returns snapshots of all executions
func (l *Local) List() []Execution {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Execution, 0, len(l.byID))
	for _, e := range l.byID {
		out = append(out, e.Execution)
	}
	return out
}

// Await blocks until the execution reaches a terminal status or ctx is done
func (l *Local) Await(ctx context.Context, id string) (*Execution, error) {
	l.mu.Lock()
	e, ok := l.byID[id]
	l.mu.Unlock()
	if !ok {
		return nil, ErrExecutionNotFound
	}

	select {
	case <-e.done:
		return l.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) writeSuccess(ctx context.Context, e Execution, payload []byte) {
	if l.sink == nil {
		return
	}
	var p models.SuccessPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		l.logger.Warn("Failed to decode success payload", logging.Fields{"execution_ref": e.ID, "error": err})
	}

	completed := l.now()
	if e.EndedAt != nil {
		completed = *e.EndedAt
	}
	loc, err := l.sink.WriteSuccess(ctx, results.Success{
		ExecutionID:     e.ID,
		CorrelationKey:  e.CorrelationKey,
		StartTime:       e.StartedAt,
		CompletedAt:     completed,
		CallbackMessage: p.Message,
		Result:          json.RawMessage(payload),
	})
	if err != nil {
		l.logger.Error("Failed to write execution result", logging.Fields{"execution_ref": e.ID, "error": err})
		return
	}
	l.logger.Info("Execution succeeded", logging.Fields{"execution_ref": e.ID, "result": loc.Result})
}

func (l *Local) writeError(ctx context.Context, e Execution) {
	if l.sink == nil {
		return
	}
	loc, err := l.sink.WriteError(ctx, e.ID, map[string]string{
		"executionRef":   e.ID,
		"correlationKey": e.CorrelationKey,
		"status":         string(e.Status),
		"error":          e.Error,
		"cause":          e.Cause,
	})
	if err != nil {
		l.logger.Error("Failed to write execution error", logging.Fields{"execution_ref": e.ID, "error": err})
		return
	}
	l.logger.Info("Execution ended without success", logging.Fields{
		"execution_ref": e.ID,
		"status":        string(e.Status),
		"error_doc":     loc.Error,
	})
}

// String implements fmt.Stringer for log output
func (e Execution) String() string {
	return fmt.Sprintf("%s[%s %s]", e.ID, e.CorrelationKey, e.Status)
}
