package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/taskgate/pkg/logging"
	"github.com/psantana5/taskgate/pkg/metrics"
)

// Config defines how often expired suspensions are reclaimed
type Config struct {
	Enabled        bool
	Interval       time.Duration
	VacuumInterval time.Duration
	BatchSize      int
}

// DefaultConfig returns the reclaim defaults
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Interval:       time.Minute,
		VacuumInterval: 24 * time.Hour,
		BatchSize:      500,
	}
}

// Store is the subset of the token store the reclaimer needs
type Store interface {
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
	Vacuum(ctx context.Context) error
}

// Reclaimer physically removes suspensions whose window has passed. It
// never talks to the engine: an expired suspension is already invisible to
// callbacks, and the engine's own timeout owns the execution.
type Reclaimer struct {
	config  Config
	store   Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// Stats tracks reclaim operations
type Stats struct {
	LastRunTime        time.Time     `json:"lastRunTime"`
	LastRunDuration    time.Duration `json:"lastRunDuration"`
	LastVacuumTime     time.Time     `json:"lastVacuumTime"`
	LastVacuumDuration time.Duration `json:"lastVacuumDuration"`
	TotalReclaimed     int64         `json:"totalReclaimed"`
	TotalRuns          int64         `json:"totalRuns"`
	TotalVacuumRuns    int64         `json:"totalVacuumRuns"`
	LastError          string        `json:"lastError,omitempty"`
}

// NewReclaimer creates a reclaimer. m may be nil.
func NewReclaimer(config Config, store Store, logger *logging.Logger, m *metrics.Metrics) *Reclaimer {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reclaimer{
		config:  config,
		store:   store,
		logger:  logger.WithField("component", "reclaimer"),
		metrics: m,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the reclaim and vacuum loops
func (r *Reclaimer) Start() {
	if !r.config.Enabled {
		r.logger.Info("Reclaimer disabled")
		return
	}

	r.logger.Info("Starting reclaimer", logging.Fields{
		"interval":   r.config.Interval.String(),
		"batch_size": r.config.BatchSize,
	})

	r.wg.Add(1)
	go r.reclaimLoop()
	if r.config.VacuumInterval > 0 {
		r.wg.Add(1)
		go r.vacuumLoop()
	}
}

// Stop cancels the loops and waits for an in-progress run to finish
func (r *Reclaimer) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Reclaimer stopped")
}

// Shutdown adapts Stop to a shutdown hook
func (r *Reclaimer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reclaimer) reclaimLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reclaim(r.ctx)
		}
	}
}

func (r *Reclaimer) vacuumLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.vacuum(r.ctx)
		}
	}
}

// reclaim purges in batches until a batch comes back short
func (r *Reclaimer) reclaim(ctx context.Context) (int, error) {
	start := time.Now()
	now := r.now()
	total := 0

	var runErr error
	for {
		n, err := r.store.PurgeExpired(ctx, now, r.config.BatchSize)
		total += n
		if err != nil {
			runErr = err
			break
		}
		if n < r.config.BatchSize || ctx.Err() != nil {
			break
		}
	}

	duration := time.Since(start)
	r.mu.Lock()
	r.stats.LastRunTime = now
	r.stats.LastRunDuration = duration
	r.stats.TotalReclaimed += int64(total)
	r.stats.TotalRuns++
	r.stats.LastError = ""
	if runErr != nil {
		r.stats.LastError = runErr.Error()
	}
	r.mu.Unlock()

	if r.metrics != nil && total > 0 {
		r.metrics.Reclaimed.Add(float64(total))
	}

	if runErr != nil {
		r.logger.Error("Reclaim failed", logging.Fields{"reclaimed": total, "error": runErr})
		return total, runErr
	}
	if total > 0 {
		r.logger.Info("Reclaimed expired suspensions", logging.Fields{
			"reclaimed": total,
			"duration":  duration.String(),
		})
	}
	return total, nil
}

func (r *Reclaimer) vacuum(ctx context.Context) error {
	start := time.Now()
	if err := r.store.Vacuum(ctx); err != nil {
		r.logger.Error("Store vacuum failed", logging.Fields{"error": err})
		return err
	}

	duration := time.Since(start)
	r.mu.Lock()
	r.stats.LastVacuumTime = time.Now()
	r.stats.LastVacuumDuration = duration
	r.stats.TotalVacuumRuns++
	r.mu.Unlock()

	r.logger.Info("Store vacuum complete", logging.Fields{"duration": duration.String()})
	return nil
}

// ReclaimNow triggers an immediate reclaim run
func (r *Reclaimer) ReclaimNow(ctx context.Context) (int, error) {
	return r.reclaim(ctx)
}

// VacuumNow triggers an immediate vacuum run
func (r *Reclaimer) VacuumNow(ctx context.Context) error {
	return r.vacuum(ctx)
}

// GetStats returns current reclaim statistics
func (r *Reclaimer) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}
