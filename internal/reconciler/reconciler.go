package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gameshop-ledger/internal/config"
	"github.com/gameshop-ledger/internal/domain"
)

// State of a user's aggregate as seen by the reconciler
type State string

const (
	StateConsistent    State = "consistent"
	StateDriftDetected State = "drift_detected"
	StateRecomputing   State = "recomputing"
)

// Store is the storage surface the reconciler sweeps
type Store interface {
	FindDriftedUsers(ctx context.Context, limit int) ([]int64, error)
	RecomputeAggregate(ctx context.Context, userID int64) (*domain.GameStatAggregate, time.Time, error)
}

// Cache is invalidated after a repair so readers pick up the fixed aggregate
type Cache interface {
	InvalidateStats(ctx context.Context, userID int64) error
}

// Reconciler runs the periodic drift sweep. The read path in the stats
// service repairs drift immediately on reads; this sweep is the backstop for
// users that are never read.
type Reconciler struct {
	store   Store
	cache   Cache
	config  *config.ReconcilerConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	states  map[int64]State
}

// New creates a new drift reconciler
func New(store Store, cache Cache, cfg *config.ReconcilerConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		cache:  cache,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		states: make(map[int64]State),
	}
}

// Start begins the background sweep process
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Info("drift reconciler started", "interval", r.config.Interval)

	go r.run(ctx)
	return nil
}

// Stop stops the background sweep process
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.logger.Info("drift reconciler stopped")
	return nil
}

// run is the main sweep loop
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep finds users whose aggregate diverged from their detail rows and
// repairs each one. Recomputation is idempotent and safe concurrently with
// reads: readers observe either the pre- or post-repair snapshot.
func (r *Reconciler) sweep(ctx context.Context) {
	startTime := time.Now()

	drifted, err := r.store.FindDriftedUsers(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to scan for drifted aggregates", "error", err)
		return
	}

	if len(drifted) == 0 {
		r.logger.Debug("sweep found no drift")
		return
	}

	repaired := 0
	errorCount := 0
	for _, userID := range drifted {
		r.setState(userID, StateDriftDetected)
		r.logger.Warn("aggregate drift detected by sweep", "user_id", userID)

		r.setState(userID, StateRecomputing)
		if _, _, err := r.store.RecomputeAggregate(ctx, userID); err != nil {
			r.logger.Error("failed to recompute aggregate", "user_id", userID, "error", err)
			errorCount++
			continue
		}
		if err := r.cache.InvalidateStats(ctx, userID); err != nil {
			r.logger.Warn("failed to invalidate stats cache after repair", "user_id", userID, "error", err)
		}
		r.clearState(userID)
		repaired++
	}

	r.logger.Info("drift sweep completed",
		"duration", time.Since(startTime),
		"drifted", len(drifted),
		"repaired", repaired,
		"errors", errorCount,
	)
}

// RunOnce runs a single sweep cycle (startup and manual triggers)
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.sweep(ctx)
}

// IsRunning returns whether the reconciler is currently running
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// StateOf returns the reconciler's view of a user's aggregate
func (r *Reconciler) StateOf(userID int64) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[userID]; ok {
		return st
	}
	return StateConsistent
}

func (r *Reconciler) setState(userID int64, st State) {
	r.mu.Lock()
	r.states[userID] = st
	r.mu.Unlock()
}

func (r *Reconciler) clearState(userID int64) {
	r.mu.Lock()
	delete(r.states, userID)
	r.mu.Unlock()
}
