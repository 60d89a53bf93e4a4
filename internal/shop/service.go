package shop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gameshop-ledger/internal/config"
	"github.com/gameshop-ledger/internal/domain"
	"github.com/google/uuid"
)

// Store is the ledger storage the service runs against
type Store interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetPurchaseByKey(ctx context.Context, userID int64, productID, idempotencyKey string) (*domain.Purchase, error)
	ExecutePurchase(ctx context.Context, userID int64, product *domain.Product, idempotencyKey string) (*domain.Purchase, bool, error)
	ListPurchases(ctx context.Context, userID int64, limit int) ([]domain.Purchase, error)
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
}

// Locker is the cross-instance pre-lock guarding in-flight idempotency keys
type Locker interface {
	AcquireIdempLock(ctx context.Context, userID int64, productID, key string, ttl time.Duration) (bool, error)
	ReleaseIdempLock(ctx context.Context, userID int64, productID, key string) error
}

// Notifier receives purchase completions for realtime delivery
type Notifier interface {
	NotifyPurchase(userID int64, result *domain.PurchaseResult)
}

// Service provides the purchase ledger business logic
type Service struct {
	store    Store
	locker   Locker
	config   *config.ShopConfig
	logger   *slog.Logger
	notifier Notifier
}

// NewService creates a new shop service
func NewService(store Store, locker Locker, cfg *config.ShopConfig, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		locker: locker,
		config: cfg,
		logger: logger,
	}
}

// SetNotifier sets the realtime notifier for purchase completions
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Purchase applies a purchase with at-most-once charge semantics per
// (user, product, idempotency key). A missing key is generated server-side
// and treated as a fresh purchase. Retries with the same key return the
// original result without repeating side effects.
func (s *Service) Purchase(ctx context.Context, userID int64, productID, idempotencyKey string) (*domain.PurchaseResult, error) {
	if productID == "" {
		return nil, domain.ErrInvalidRequest
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	// Fast path: a committed row for the key is the answer.
	if existing, err := s.store.GetPurchaseByKey(ctx, userID, productID, idempotencyKey); err == nil {
		return domain.ResultFromPurchase(existing, true), nil
	} else if !errors.Is(err, domain.ErrPurchaseNotFound) {
		return nil, fmt.Errorf("checking existing purchase: %w", err)
	}

	// Cross-instance pre-lock. If another request holds the lock, either its
	// commit already landed (serve it) or it is still in flight.
	acquired, err := s.locker.AcquireIdempLock(ctx, userID, productID, idempotencyKey, s.config.IdempotencyLockTTL)
	if err != nil {
		// A lock outage degrades to DB-level protection; the composite unique
		// still guarantees a single charge.
		s.logger.Warn("idempotency pre-lock unavailable", "error", err)
	} else if !acquired {
		existing, err := s.store.GetPurchaseByKey(ctx, userID, productID, idempotencyKey)
		if err == nil {
			return domain.ResultFromPurchase(existing, true), nil
		}
		if errors.Is(err, domain.ErrPurchaseNotFound) {
			return nil, domain.ErrPurchaseInProgress
		}
		return nil, fmt.Errorf("checking in-flight purchase: %w", err)
	}
	if acquired {
		defer func() {
			if err := s.locker.ReleaseIdempLock(context.WithoutCancel(ctx), userID, productID, idempotencyKey); err != nil {
				s.logger.Warn("failed to release idempotency pre-lock", "error", err)
			}
		}()
	}

	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	purchase, existed, err := s.store.ExecutePurchase(ctx, userID, product, idempotencyKey)
	if err != nil {
		return nil, err
	}

	result := domain.ResultFromPurchase(purchase, existed)
	if !existed {
		s.logger.Info("purchase committed",
			"user_id", userID,
			"product_id", productID,
			"gold_delta", purchase.GoldDelta,
			"receipt_code", purchase.ReceiptCode,
		)
		if s.notifier != nil {
			s.notifier.NotifyPurchase(userID, result)
		}
	}
	return result, nil
}

// ListProducts returns the active catalog
func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.store.ListProducts(ctx)
}

// ListPurchases returns a user's recent ledger rows
func (s *Service) ListPurchases(ctx context.Context, userID int64, limit int) ([]domain.Purchase, error) {
	if limit <= 0 || limit > s.config.HistoryLimit {
		limit = s.config.HistoryLimit
	}
	return s.store.ListPurchases(ctx, userID, limit)
}

// GetUser returns a user with their current gold balance
func (s *Service) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	return s.store.GetUser(ctx, userID)
}
