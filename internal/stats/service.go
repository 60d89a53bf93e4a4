package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gameshop-ledger/internal/domain"
)

// Store is the authoritative stats storage (detail rows are source of truth)
type Store interface {
	GetDetails(ctx context.Context, userID int64) (map[domain.GameType]domain.GameStatDetail, error)
	GetAggregate(ctx context.Context, userID int64) (*domain.GameStatAggregate, time.Time, error)
	ApplyGameResult(ctx context.Context, res domain.GameResult) error
	RecomputeAggregate(ctx context.Context, userID int64) (*domain.GameStatAggregate, time.Time, error)
}

// Cache is the short-TTL derived-payload cache
type Cache interface {
	GetStats(ctx context.Context, userID int64) (*domain.UserStats, bool, error)
	SetStats(ctx context.Context, userID int64, stats *domain.UserStats) error
	InvalidateStats(ctx context.Context, userID int64) error
}

// Notifier receives stats updates for realtime delivery
type Notifier interface {
	NotifyStats(userID int64, stats *domain.UserStats)
}

// Service provides the stats aggregation business logic
type Service struct {
	store    Store
	cache    Cache
	logger   *slog.Logger
	notifier Notifier
}

// NewService creates a new stats service
func NewService(store Store, cache Cache, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// SetNotifier sets the realtime notifier for stats updates
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// GetStats returns a user's aggregate and per-game-type breakdown. Cached
// payloads are served within the TTL; every read verifies the aggregate
// against the details and repairs drift from the details on mismatch.
func (s *Service) GetStats(ctx context.Context, userID int64) (*domain.UserStats, error) {
	if cached, ok, err := s.cache.GetStats(ctx, userID); err != nil {
		s.logger.Warn("stats cache read failed", "user_id", userID, "error", err)
	} else if ok && cached.Aggregate.ConsistentWith(cached.Details) {
		return cached, nil
	}

	stats, err := s.buildStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetStats(ctx, userID, stats); err != nil {
		s.logger.Warn("stats cache write failed", "user_id", userID, "error", err)
	}
	return stats, nil
}

// buildStats loads detail rows, zero-fills missing game types, and verifies
// the stored aggregate, recomputing it when it has drifted.
func (s *Service) buildStats(ctx context.Context, userID int64) (*domain.UserStats, error) {
	details, err := s.store.GetDetails(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading stat details: %w", err)
	}

	agg, lastUpdated, err := s.store.GetAggregate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading aggregate: %w", err)
	}

	switch {
	case agg == nil:
		// No projection yet; derive one in memory (zero case included).
		derived := domain.AggregateFromDetails(details)
		agg = &derived
		lastUpdated = time.Now().UTC()
	case !agg.ConsistentWith(details):
		s.logger.Warn("aggregate drift detected on read, recomputing from details",
			"user_id", userID,
			"aggregate_wins", agg.TotalWins,
		)
		agg, lastUpdated, err = s.store.RecomputeAggregate(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("recomputing drifted aggregate: %w", err)
		}
		if agg == nil {
			derived := domain.AggregateFromDetails(details)
			agg = &derived
			lastUpdated = time.Now().UTC()
		}
	}

	return &domain.UserStats{
		Aggregate:   *agg,
		Details:     domain.ZeroFillDetails(details),
		LastUpdated: lastUpdated.UTC(),
	}, nil
}

// RecordResult applies one game-resolution event: increments the detail row,
// refreshes the aggregate, invalidates the cache, and broadcasts.
func (s *Service) RecordResult(ctx context.Context, res domain.GameResult) error {
	if res.UserID == 0 || !domain.IsKnownGameType(res.GameType) {
		return domain.ErrInvalidRequest
	}

	if err := s.store.ApplyGameResult(ctx, res); err != nil {
		return fmt.Errorf("applying game result: %w", err)
	}

	if err := s.cache.InvalidateStats(ctx, res.UserID); err != nil {
		s.logger.Warn("stats cache invalidation failed", "user_id", res.UserID, "error", err)
	}

	if s.notifier != nil {
		if stats, err := s.GetStats(ctx, res.UserID); err == nil {
			s.notifier.NotifyStats(res.UserID, stats)
		}
	}
	return nil
}

// RecordResultBatch applies a batch of game-resolution events. Individual
// failures are logged and do not block the rest of the batch.
func (s *Service) RecordResultBatch(ctx context.Context, results []domain.GameResult) error {
	for _, res := range results {
		if err := s.RecordResult(ctx, res); err != nil {
			s.logger.Error("failed to record game result in batch",
				"user_id", res.UserID,
				"game_type", res.GameType,
				"error", err,
			)
		}
	}
	return nil
}
