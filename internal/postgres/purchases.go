package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gameshop-ledger/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const purchaseColumns = `id, user_id, product_id, idempotency_key, category, amount,
	gold_before, gold_delta, gold_after, status, receipt_code, created_at`

// newReceiptCode returns a short receipt identifier
func newReceiptCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GetPurchaseByKey returns the committed ledger row for the idempotency tuple.
func (r *Repository) GetPurchaseByKey(ctx context.Context, userID int64, productID, idempotencyKey string) (*domain.Purchase, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE user_id = $1 AND product_id = $2 AND idempotency_key = $3 AND status = 'success'
	`
	var p domain.Purchase
	err := r.pool.QueryRow(ctx, query, userID, productID, idempotencyKey).Scan(
		&p.ID,
		&p.UserID,
		&p.ProductID,
		&p.IdempotencyKey,
		&p.Category,
		&p.Amount,
		&p.GoldBefore,
		&p.GoldDelta,
		&p.GoldAfter,
		&p.Status,
		&p.ReceiptCode,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("getting purchase: %w", err)
	}
	return &p, nil
}

// ExecutePurchase applies a purchase as one atomic unit: lock the user row,
// insert the ledger row guarded by the composite unique, adjust the balance.
// A duplicate-key race is not an error; the loser reads back the winner's row
// and the second return value reports it as pre-existing.
func (r *Repository) ExecutePurchase(ctx context.Context, userID int64, product *domain.Product, idempotencyKey string) (*domain.Purchase, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning purchase transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var goldBefore int64
	err = tx.QueryRow(ctx, `SELECT gold_balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&goldBefore)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, domain.ErrUserNotFound
		}
		return nil, false, fmt.Errorf("locking user row: %w", err)
	}

	var goldDelta int64
	switch product.Category {
	case domain.CategoryConversion:
		goldDelta = product.GoldOut
		if goldDelta == 0 {
			goldDelta = product.Price
		}
	default:
		if goldBefore < product.Price {
			return nil, false, domain.ErrInsufficientFunds
		}
		goldDelta = -product.Price
	}

	p := domain.Purchase{
		UserID:         userID,
		ProductID:      product.ProductID,
		IdempotencyKey: idempotencyKey,
		Category:       product.Category,
		Amount:         product.Price,
		GoldBefore:     goldBefore,
		GoldDelta:      goldDelta,
		GoldAfter:      goldBefore + goldDelta,
		Status:         domain.PurchaseStatusSuccess,
		ReceiptCode:    newReceiptCode(),
	}

	insert := `
		INSERT INTO purchases (user_id, product_id, idempotency_key, category, amount,
			gold_before, gold_delta, gold_after, status, receipt_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insert,
		p.UserID, p.ProductID, p.IdempotencyKey, p.Category, p.Amount,
		p.GoldBefore, p.GoldDelta, p.GoldAfter, p.Status, p.ReceiptCode, time.Now(),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race: the winner's row is the purchase result.
			_ = tx.Rollback(ctx)
			existing, readErr := r.GetPurchaseByKey(ctx, userID, product.ProductID, idempotencyKey)
			if readErr != nil {
				return nil, false, fmt.Errorf("reading winning purchase after conflict: %w", readErr)
			}
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("inserting purchase: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE users SET gold_balance = $1 WHERE id = $2`, p.GoldAfter, userID)
	if err != nil {
		return nil, false, fmt.Errorf("updating balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing purchase: %w", err)
	}
	return &p, false, nil
}

// ListPurchases retrieves a user's most recent ledger rows
func (r *Repository) ListPurchases(ctx context.Context, userID int64, limit int) ([]domain.Purchase, error) {
	query := `
		SELECT ` + purchaseColumns + `
		FROM purchases
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}
	defer rows.Close()

	var purchases []domain.Purchase
	for rows.Next() {
		var p domain.Purchase
		err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.ProductID,
			&p.IdempotencyKey,
			&p.Category,
			&p.Amount,
			&p.GoldBefore,
			&p.GoldDelta,
			&p.GoldAfter,
			&p.Status,
			&p.ReceiptCode,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
