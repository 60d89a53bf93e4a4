package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username VARCHAR(64) NOT NULL,
			gold_balance BIGINT NOT NULL DEFAULT 0 CHECK (gold_balance >= 0),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS shop_products (
			product_id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description VARCHAR(500) NOT NULL DEFAULT '',
			price BIGINT NOT NULL,
			category VARCHAR(20) NOT NULL DEFAULT 'item',
			gold_out BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			deleted_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id),
			product_id VARCHAR(64) NOT NULL,
			idempotency_key VARCHAR(80) NOT NULL,
			category VARCHAR(20) NOT NULL,
			amount BIGINT NOT NULL,
			gold_before BIGINT NOT NULL,
			gold_delta BIGINT NOT NULL,
			gold_after BIGINT NOT NULL,
			status VARCHAR(20) NOT NULL,
			receipt_code VARCHAR(32) NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT uq_purchases_user_product_idem UNIQUE (user_id, product_id, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS game_stats (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT,
			game_type VARCHAR(20) NOT NULL,
			wins BIGINT NOT NULL DEFAULT 0,
			losses BIGINT NOT NULL DEFAULT 0,
			max_win BIGINT NOT NULL DEFAULT 0,
			total BIGINT NOT NULL DEFAULT 0,
			CONSTRAINT uq_game_stats_user_game UNIQUE (user_id, game_type)
		)`,
		`CREATE TABLE IF NOT EXISTS game_stat_totals (
			user_id BIGINT PRIMARY KEY,
			total_games_played BIGINT NOT NULL DEFAULT 0,
			total_wins BIGINT NOT NULL DEFAULT 0,
			total_losses BIGINT NOT NULL DEFAULT 0,
			win_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			overall_max_win BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS follow_relations (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			target_user_id BIGINT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT uq_follow_user_target UNIQUE (user_id, target_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS event_mission_links (
			id BIGSERIAL PRIMARY KEY,
			event_id BIGINT NOT NULL,
			mission_template_id BIGINT NOT NULL,
			CONSTRAINT uq_event_mission UNIQUE (event_id, mission_template_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_receipt ON purchases(receipt_code)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// constraint consolidation targets: single-column uniques to retire per table
var legacySingleColumnUniques = map[string][]string{
	"purchases":           {"user_id", "product_id"},
	"follow_relations":    {"user_id", "target_user_id"},
	"event_mission_links": {"event_id", "mission_template_id"},
}

// composite uniques that must survive the consolidation
var requiredCompositeUniques = []struct {
	table   string
	name    string
	columns string
}{
	{"purchases", "uq_purchases_user_product_idem", "user_id, product_id, idempotency_key"},
	{"follow_relations", "uq_follow_user_target", "user_id, target_user_id"},
	{"event_mission_links", "uq_event_mission", "event_id, mission_template_id"},
}

// ConsolidateConstraints retires legacy single-column unique constraints in
// favor of the composite ones, then tightens game_stats.user_id to NOT NULL
// after an orphan-cleanup pass. Runs in one schema transaction: either the
// whole consolidation applies or none of it does. If violating rows remain
// after cleanup the migration aborts without altering the schema.
func (r *Repository) ConsolidateConstraints(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for table, columns := range legacySingleColumnUniques {
		if err := r.dropSingleColumnUniques(ctx, tx, table, columns); err != nil {
			return err
		}
	}

	for _, uc := range requiredCompositeUniques {
		exists, err := constraintExists(ctx, tx, uc.table, uc.name)
		if err != nil {
			return err
		}
		if !exists {
			ddl := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)", uc.table, uc.name, uc.columns)
			if _, err := tx.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("adding composite unique %s: %w", uc.name, err)
			}
			r.logger.Info("added composite unique constraint", "table", uc.table, "constraint", uc.name)
		}
	}

	if err := r.hardenGameStatsUserFK(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	r.logger.Info("constraint consolidation completed")
	return nil
}

// dropSingleColumnUniques drops any unique constraint on table that spans
// exactly one of the given columns.
func (r *Repository) dropSingleColumnUniques(ctx context.Context, tx pgx.Tx, table string, columns []string) error {
	query := `
		SELECT con.conname, att.attname
		FROM pg_constraint con
		JOIN pg_class rel ON rel.oid = con.conrelid
		JOIN pg_namespace nsp ON nsp.oid = rel.relnamespace
		JOIN pg_attribute att ON att.attrelid = rel.oid AND att.attnum = ANY (con.conkey)
		WHERE rel.relname = $1 AND nsp.nspname = current_schema()
		  AND con.contype = 'u' AND array_length(con.conkey, 1) = 1
	`
	rows, err := tx.Query(ctx, query, table)
	if err != nil {
		return fmt.Errorf("inspecting unique constraints on %s: %w", table, err)
	}

	type target struct{ name, column string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.name, &t.column); err != nil {
			rows.Close()
			return fmt.Errorf("scanning constraint: %w", err)
		}
		for _, c := range columns {
			if t.column == c {
				targets = append(targets, t)
			}
		}
	}
	rows.Close()

	for _, t := range targets {
		ddl := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", table, t.name)
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("dropping constraint %s on %s: %w", t.name, table, err)
		}
		r.logger.Info("dropped legacy single-column unique constraint",
			"table", table,
			"constraint", t.name,
			"column", t.column,
		)
	}
	return nil
}

// hardenGameStatsUserFK deletes orphaned stat rows, verifies no violations
// remain, and tightens game_stats.user_id to NOT NULL.
func (r *Repository) hardenGameStatsUserFK(ctx context.Context, tx pgx.Tx) error {
	nullable, err := columnNullable(ctx, tx, "game_stats", "user_id")
	if err != nil {
		return err
	}
	if !nullable {
		return nil
	}

	// Cleanup pass, logged for auditability
	tag, err := tx.Exec(ctx, `DELETE FROM game_stats WHERE user_id IS NULL`)
	if err != nil {
		return fmt.Errorf("deleting null-user stat rows: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Warn("deleted stat rows with null user_id", "count", tag.RowsAffected())
	}

	tag, err = tx.Exec(ctx, `
		DELETE FROM game_stats gs
		WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.id = gs.user_id)
	`)
	if err != nil {
		return fmt.Errorf("deleting orphaned stat rows: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Warn("deleted stat rows referencing missing users", "count", tag.RowsAffected())
	}

	// Never apply the constraint against violating data
	var remaining int64
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM game_stats WHERE user_id IS NULL`).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("verifying stat rows: %w", err)
	}
	if remaining > 0 {
		return fmt.Errorf("cannot tighten game_stats.user_id: %d violating rows remain after cleanup", remaining)
	}

	if _, err := tx.Exec(ctx, `ALTER TABLE game_stats ALTER COLUMN user_id SET NOT NULL`); err != nil {
		return fmt.Errorf("tightening game_stats.user_id: %w", err)
	}
	r.logger.Info("tightened game_stats.user_id to NOT NULL")
	return nil
}

// constraintExists checks pg_constraint for a named constraint on a table
func constraintExists(ctx context.Context, tx pgx.Tx, table, name string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM pg_constraint con
			JOIN pg_class rel ON rel.oid = con.conrelid
			JOIN pg_namespace nsp ON nsp.oid = rel.relnamespace
			WHERE rel.relname = $1 AND nsp.nspname = current_schema() AND con.conname = $2
		)
	`
	var exists bool
	if err := tx.QueryRow(ctx, query, table, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking constraint %s: %w", name, err)
	}
	return exists, nil
}

// columnNullable checks whether a column currently allows NULL
func columnNullable(ctx context.Context, tx pgx.Tx, table, column string) (bool, error) {
	query := `
		SELECT is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
	`
	var nullable bool
	if err := tx.QueryRow(ctx, query, table, column).Scan(&nullable); err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return nullable, nil
}
