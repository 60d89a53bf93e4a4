package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gameshop-ledger/internal/config"
	"github.com/gameshop-ledger/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// GetUser retrieves a user by id
func (r *Repository) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	query := `
		SELECT id, username, gold_balance, created_at
		FROM users
		WHERE id = $1
	`
	var user domain.User
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&user.ID,
		&user.Username,
		&user.GoldBalance,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &user, nil
}

// SeedUsers inserts users with a starting balance; existing ids are left alone.
func (r *Repository) SeedUsers(ctx context.Context, users []domain.User) error {
	if len(users) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO users (id, username, gold_balance, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	now := time.Now()
	for _, u := range users {
		batch.Queue(query, u.ID, u.Username, u.GoldBalance, now)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range users {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("seeding users: %w", err)
		}
	}
	return nil
}

// GetProduct retrieves an active, non-deleted catalog entry
func (r *Repository) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	query := `
		SELECT product_id, name, description, price, category, gold_out, is_active, created_at
		FROM shop_products
		WHERE product_id = $1 AND is_active AND deleted_at IS NULL
	`
	var p domain.Product
	err := r.pool.QueryRow(ctx, query, productID).Scan(
		&p.ProductID,
		&p.Name,
		&p.Description,
		&p.Price,
		&p.Category,
		&p.GoldOut,
		&p.IsActive,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}
		return nil, fmt.Errorf("getting product: %w", err)
	}
	return &p, nil
}

// ListProducts retrieves all active catalog entries
func (r *Repository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	query := `
		SELECT product_id, name, description, price, category, gold_out, is_active, created_at
		FROM shop_products
		WHERE is_active AND deleted_at IS NULL
		ORDER BY product_id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		err := rows.Scan(
			&p.ProductID,
			&p.Name,
			&p.Description,
			&p.Price,
			&p.Category,
			&p.GoldOut,
			&p.IsActive,
			&p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning product: %w", err)
		}
		products = append(products, p)
	}
	return products, nil
}

// SeedProducts upserts catalog entries; used at startup when the catalog is empty.
func (r *Repository) SeedProducts(ctx context.Context, products []domain.Product) error {
	if len(products) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO shop_products (product_id, name, description, price, category, gold_out, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (product_id) DO NOTHING
	`
	now := time.Now()
	for _, p := range products {
		batch.Queue(query, p.ProductID, p.Name, p.Description, p.Price, p.Category, p.GoldOut, p.IsActive, now)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range products {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("seeding products: %w", err)
		}
	}
	return nil
}
