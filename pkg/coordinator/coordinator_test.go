package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/taskgate/pkg/engine"
	"github.com/psantana5/taskgate/pkg/metrics"
	"github.com/psantana5/taskgate/pkg/models"
	"github.com/psantana5/taskgate/pkg/store"
)

// resumeCall is one call the fake engine received
type resumeCall struct {
	Handle  string
	Success bool
	Payload []byte
	Kind    string
	Cause   string
}

// fakeResumer records resume calls and can be told to fail
type fakeResumer struct {
	mu    sync.Mutex
	calls []resumeCall
	err   error
	// gate blocks every resume until closed
	gate chan struct{}
}

func (f *fakeResumer) wait() {
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeResumer) ResolveSuccess(ctx context.Context, handle string, payload []byte) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resumeCall{Handle: handle, Success: true, Payload: payload})
	return f.err
}

func (f *fakeResumer) ResolveFailure(ctx context.Context, handle, errorKind, cause string) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resumeCall{Handle: handle, Kind: errorKind, Cause: cause})
	return f.err
}

func (f *fakeResumer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeResumer) Calls() []resumeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resumeCall(nil), f.calls...)
}

// faultyStore fails DeleteIfHandle while deleteErr is set
type faultyStore struct {
	store.Store
	mu        sync.Mutex
	deleteErr error
}

func (f *faultyStore) DeleteIfHandle(ctx context.Context, key, handle string) (bool, error) {
	f.mu.Lock()
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Store.DeleteIfHandle(ctx, key, handle)
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = nil
}

type fixture struct {
	store     *store.MemoryStore
	resumer   *fakeResumer
	metrics   *metrics.Metrics
	registrar *Registrar
	resolver  *Resolver
	now       time.Time
	mu        sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		resumer: &fakeResumer{},
		metrics: metrics.New(),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(f.clock)

	var s store.Store = f.store
	if wrap != nil {
		s = wrap(s)
	}
	opts := Options{Metrics: f.metrics, Now: f.clock}
	f.registrar = NewRegistrar(s, Config{}, opts)
	f.resolver = NewResolver(s, f.resumer, Config{}, opts)
	return f
}

func (f *fixture) register(t *testing.T, key, handle string, ttl time.Duration) {
	t.Helper()
	_, err := f.registrar.Register(context.Background(), RegisterRequest{
		CorrelationKey:   key,
		ResumptionHandle: handle,
		ExecutionRef:     "exec-" + key,
		TTL:              ttl,
	})
	require.NoError(t, err)
}

func callback(key, detail, status string) models.CallbackRequest {
	return models.CallbackRequest{CorrelationKey: key, Detail: detail, Status: status}
}

func TestResolveSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-123", "T1", 0)

	res, err := f.resolver.Resolve(ctx, callback("JIRA-123", "Story done", "Done"))
	require.NoError(t, err)
	assert.Equal(t, "Callback processed successfully", res.Message)
	assert.Equal(t, models.OutcomeSuccess, res.Status)
	assert.Equal(t, "exec-JIRA-123", res.ExecutionRef)

	calls := f.resumer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "T1", calls[0].Handle)
	assert.True(t, calls[0].Success)

	var payload models.SuccessPayload
	require.NoError(t, json.Unmarshal(calls[0].Payload, &payload))
	assert.Equal(t, "Story done", payload.Message)
	assert.Equal(t, "success", payload.Status)
	assert.Equal(t, "JIRA-123", payload.CorrelationKey)
	assert.True(t, payload.CompletedAt.Equal(f.clock()))

	_, err = f.store.Get(ctx, "JIRA-123")
	assert.ErrorIs(t, err, store.ErrSuspensionNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Callbacks.WithLabelValues("success")))
}

func TestResolveFailureOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "JIRA-456", "T2", 0)

	res, err := f.resolver.Resolve(context.Background(), callback("JIRA-456", "QA rejected", "failed"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailure, res.Status)

	calls := f.resumer.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Success)
	assert.Equal(t, engine.FailureKindCallback, calls[0].Kind)
	assert.Equal(t, "QA rejected", calls[0].Cause)
}

func TestResolveOutcomeRule(t *testing.T) {
	tests := []struct {
		status string
		want   models.Outcome
	}{
		{"", models.OutcomeSuccess},
		{"SUCCESS", models.OutcomeSuccess},
		{"done", models.OutcomeSuccess},
		{"Done", models.OutcomeSuccess},
		{"failed", models.OutcomeFailure},
		{"cancelled", models.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			f := newFixture(t, nil)
			f.register(t, "K", "H", 0)
			res, err := f.resolver.Resolve(context.Background(), callback("K", "d", tt.status))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestResolveOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", 0)

	_, err := f.resolver.Resolve(ctx, callback("JIRA-1", "first", ""))
	require.NoError(t, err)

	_, err = f.resolver.Resolve(ctx, callback("JIRA-1", "second", ""))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "No active workflow found for correlation key: JIRA-1")
	assert.Len(t, f.resumer.Calls(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CallbacksNotFound))
}

func TestResolveUnknownKey(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.resolver.Resolve(context.Background(), callback("JIRA-999", "x", ""))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Empty(t, f.resumer.Calls())
}

func TestResolveValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, callback("", "x", ""))
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.Contains(t, err.Error(), "correlationKey")

	_, err = f.resolver.Resolve(ctx, callback("K", "", ""))
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.Contains(t, err.Error(), "detail")
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.registrar.Register(ctx, RegisterRequest{ResumptionHandle: "H"})
	assert.Equal(t, KindInvalidArgument, KindOf(err))

	_, err = f.registrar.Register(ctx, RegisterRequest{CorrelationKey: "K"})
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestRegisterDefaultsTTL(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.registrar.Register(context.Background(), RegisterRequest{CorrelationKey: "K", ResumptionHandle: "H"})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().DefaultTTL, rec.ExpiresAt.Sub(rec.CreatedAt))
}

func TestRegisterConflictKeepsFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", 0)

	_, err := f.registrar.Register(ctx, RegisterRequest{CorrelationKey: "JIRA-1", ResumptionHandle: "T2"})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.False(t, ce.Retryable())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SuspensionConflicts))

	_, err = f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	require.NoError(t, err)
	calls := f.resumer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "T1", calls[0].Handle)
}

func TestExpiredSuspensionIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", time.Hour)

	f.advance(time.Hour)
	_, err := f.resolver.Resolve(ctx, callback("JIRA-1", "late", ""))
	assert.True(t, IsNotFound(err))
	assert.Empty(t, f.resumer.Calls())

	// The key is free again once the old record expired.
	f.register(t, "JIRA-1", "T2", time.Hour)
	_, err = f.resolver.Resolve(ctx, callback("JIRA-1", "on time", ""))
	require.NoError(t, err)
	assert.Equal(t, "T2", f.resumer.Calls()[0].Handle)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", 0)

	require.NoError(t, f.registrar.Cancel(ctx, "JIRA-1"))
	require.NoError(t, f.registrar.Cancel(ctx, "JIRA-1"))
	require.NoError(t, f.registrar.Cancel(ctx, "never-registered"))

	_, err := f.registrar.Lookup(ctx, "JIRA-1")
	assert.True(t, IsNotFound(err))

	_, err = f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	assert.True(t, IsNotFound(err))
	assert.Empty(t, f.resumer.Calls())

	assert.Equal(t, KindInvalidArgument, KindOf(f.registrar.Cancel(ctx, "")))
}

func TestResumeFailureKeepsSuspension(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", 0)

	f.resumer.setErr(errors.New("engine unavailable"))
	_, err := f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.True(t, ce.Retryable())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ResumeFailures))

	// The claim was released, so a retry goes through.
	rec, err := f.registrar.Lookup(ctx, "JIRA-1")
	require.NoError(t, err)
	assert.False(t, rec.Claimed(f.clock()))

	f.resumer.setErr(nil)
	_, err = f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	require.NoError(t, err)
	assert.Len(t, f.resumer.Calls(), 2)
}

func TestAlreadyResolvedIsSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", 0)

	f.resumer.setErr(engine.ErrAlreadyResolved)
	res, err := f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, res.Status)

	_, err = f.store.Get(ctx, "JIRA-1")
	assert.ErrorIs(t, err, store.ErrSuspensionNotFound)
}

func TestDeleteFailureLeavesStaleRecord(t *testing.T) {
	var faulty *faultyStore
	f := newFixture(t, func(s store.Store) store.Store {
		faulty = &faultyStore{Store: s, deleteErr: errors.New("disk full")}
		return faulty
	})
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", 0)

	_, err := f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleRecords))
	assert.Len(t, f.resumer.Calls(), 1)

	// The record is still there; the retry sees ErrAlreadyResolved from the
	// engine and completes the cleanup.
	_, err = f.store.Get(ctx, "JIRA-1")
	require.NoError(t, err)

	faulty.heal()
	f.resumer.setErr(engine.ErrAlreadyResolved)
	_, err = f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	require.NoError(t, err)
	_, err = f.store.Get(ctx, "JIRA-1")
	assert.ErrorIs(t, err, store.ErrSuspensionNotFound)
}

func TestCallbackInFlightConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", 0)

	_, err := f.store.Claim(ctx, "JIRA-1", "other-resolver", time.Minute)
	require.NoError(t, err)

	_, err = f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	assert.True(t, IsConflict(err))
	assert.Empty(t, f.resumer.Calls())

	// A crashed resolver's lease lapses.
	f.advance(2 * time.Minute)
	_, err = f.resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	require.NoError(t, err)
}

func TestConcurrentCallbacksResumeOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.resumer.gate = make(chan struct{})
	f.register(t, "JIRA-1", "T1", 0)

	const callers = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.resolver.Resolve(context.Background(), callback("JIRA-1", "done", ""))
			switch {
			case err == nil:
				succeeded.Add(1)
			case IsConflict(err) || IsNotFound(err):
				rejected.Add(1)
			}
		}()
	}

	// Wait until every loser has given up before letting the winner resume.
	require.Eventually(t, func() bool { return rejected.Load() == callers-1 }, 5*time.Second, 5*time.Millisecond)
	close(f.resumer.gate)
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Len(t, f.resumer.Calls(), 1)
}

func TestErrorFormatting(t *testing.T) {
	err := newError(KindNotFound, "resolve", "JIRA-1", "No active suspension", store.ErrSuspensionNotFound)
	assert.Equal(t, "resolve JIRA-1: No active suspension: suspension not found", err.Error())
	assert.ErrorIs(t, err, store.ErrSuspensionNotFound)
	assert.Equal(t, 404, err.HTTPStatus())

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, 401, KindAuthentication.HTTPStatus())
}

func TestWithdrawOnlyMatchingHandle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.register(t, "JIRA-1", "T1", 0)

	require.NoError(t, f.registrar.Withdraw(ctx, "JIRA-1", "T-old"))
	_, err := f.registrar.Lookup(ctx, "JIRA-1")
	require.NoError(t, err)

	require.NoError(t, f.registrar.Withdraw(ctx, "JIRA-1", "T1"))
	_, err = f.registrar.Lookup(ctx, "JIRA-1")
	assert.True(t, IsNotFound(err))

	assert.Equal(t, KindInvalidArgument, KindOf(f.registrar.Withdraw(ctx, "JIRA-1", "")))
}

func TestEngineTimeoutAfterKeyReuse(t *testing.T) {
	s := store.NewMemoryStore()
	registrar := NewRegistrar(s, Config{DefaultTTL: 50 * time.Millisecond}, Options{})
	local := engine.NewLocal(registrar.EngineRegistry(), nil, nil, engine.LocalConfig{ExecutionTimeout: 300 * time.Millisecond})
	resolver := NewResolver(s, local, Config{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := local.Start(ctx, "JIRA-1", 0)
	require.NoError(t, err)

	// The first suspension expires while its execution is still waiting,
	// and the key is registered again.
	require.Eventually(t, func() bool {
		_, err := s.Get(ctx, "JIRA-1")
		return errors.Is(err, store.ErrSuspensionNotFound)
	}, time.Second, 5*time.Millisecond)
	second, err := local.Start(ctx, "JIRA-1", time.Hour)
	require.NoError(t, err)

	done, err := local.Await(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTimedOut, done.Status)

	_, err = s.Get(ctx, "JIRA-1")
	require.NoError(t, err, "the newer suspension must survive the old timer")

	_, err = resolver.Resolve(ctx, callback("JIRA-1", "done", ""))
	require.NoError(t, err)
	got, err := local.Await(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSucceeded, got.Status)
}
