package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gameshop-ledger/internal/domain"
	"github.com/jackc/pgx/v5"
)

// recomputeAggregateSQL rebuilds one user's aggregate projection from the
// detail rows in a single upsert. Detail rows are the source of truth, so
// running this concurrently is idempotent; readers observe either the pre-
// or post-recomputation row, never a partial one.
const recomputeAggregateSQL = `
	INSERT INTO game_stat_totals (user_id, total_games_played, total_wins, total_losses, win_rate, overall_max_win, last_updated)
	SELECT user_id,
		COALESCE(SUM(total), 0),
		COALESCE(SUM(wins), 0),
		COALESCE(SUM(losses), 0),
		ROUND(COALESCE(SUM(wins), 0)::numeric / GREATEST(1, COALESCE(SUM(total), 0))::numeric, 3),
		COALESCE(MAX(max_win), 0),
		$2
	FROM game_stats
	WHERE user_id = $1
	GROUP BY user_id
	ON CONFLICT (user_id) DO UPDATE SET
		total_games_played = EXCLUDED.total_games_played,
		total_wins = EXCLUDED.total_wins,
		total_losses = EXCLUDED.total_losses,
		win_rate = EXCLUDED.win_rate,
		overall_max_win = EXCLUDED.overall_max_win,
		last_updated = EXCLUDED.last_updated
`

// ApplyGameResult updates the detail row for the result's game type and
// refreshes the aggregate projection in the same transaction.
func (r *Repository) ApplyGameResult(ctx context.Context, res domain.GameResult) error {
	wins, losses, maxWin := int64(0), int64(1), int64(0)
	if res.Win {
		wins, losses = 1, 0
		maxWin = res.Payout
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning stats transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	detail := `
		INSERT INTO game_stats (user_id, game_type, wins, losses, max_win, total)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (user_id, game_type) DO UPDATE SET
			wins = game_stats.wins + $3,
			losses = game_stats.losses + $4,
			max_win = GREATEST(game_stats.max_win, $5),
			total = game_stats.total + 1
	`
	if _, err := tx.Exec(ctx, detail, res.UserID, res.GameType, wins, losses, maxWin); err != nil {
		return fmt.Errorf("upserting game stat detail: %w", err)
	}

	if _, err := tx.Exec(ctx, recomputeAggregateSQL, res.UserID, time.Now()); err != nil {
		return fmt.Errorf("refreshing aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing stats transaction: %w", err)
	}
	return nil
}

// GetDetails retrieves a user's per-game-type breakdown rows
func (r *Repository) GetDetails(ctx context.Context, userID int64) (map[domain.GameType]domain.GameStatDetail, error) {
	query := `
		SELECT game_type, wins, losses, max_win, total
		FROM game_stats
		WHERE user_id = $1
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("getting stat details: %w", err)
	}
	defer rows.Close()

	details := make(map[domain.GameType]domain.GameStatDetail)
	for rows.Next() {
		var gameType domain.GameType
		var d domain.GameStatDetail
		if err := rows.Scan(&gameType, &d.Wins, &d.Losses, &d.MaxWin, &d.Total); err != nil {
			return nil, fmt.Errorf("scanning stat detail: %w", err)
		}
		details[gameType] = d
	}
	return details, nil
}

// GetAggregate retrieves a user's aggregate projection. A missing row is not
// an error; callers synthesize a zero aggregate.
func (r *Repository) GetAggregate(ctx context.Context, userID int64) (*domain.GameStatAggregate, time.Time, error) {
	query := `
		SELECT total_games_played, total_wins, total_losses, win_rate, overall_max_win, last_updated
		FROM game_stat_totals
		WHERE user_id = $1
	`
	var agg domain.GameStatAggregate
	var lastUpdated time.Time
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&agg.TotalGamesPlayed,
		&agg.TotalWins,
		&agg.TotalLosses,
		&agg.WinRate,
		&agg.OverallMaxWin,
		&lastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("getting aggregate: %w", err)
	}
	return &agg, lastUpdated, nil
}

// RecomputeAggregate rebuilds a user's aggregate from the detail rows and
// returns the fresh projection.
func (r *Repository) RecomputeAggregate(ctx context.Context, userID int64) (*domain.GameStatAggregate, time.Time, error) {
	if _, err := r.pool.Exec(ctx, recomputeAggregateSQL, userID, time.Now()); err != nil {
		return nil, time.Time{}, fmt.Errorf("recomputing aggregate: %w", err)
	}
	return r.GetAggregate(ctx, userID)
}

// FindDriftedUsers returns users whose aggregate diverges from their detail
// rows on the checked invariants.
func (r *Repository) FindDriftedUsers(ctx context.Context, limit int) ([]int64, error) {
	query := `
		SELECT t.user_id
		FROM game_stat_totals t
		LEFT JOIN (
			SELECT user_id, SUM(wins) AS wins, SUM(total) AS total, MAX(max_win) AS max_win
			FROM game_stats
			GROUP BY user_id
		) d ON d.user_id = t.user_id
		WHERE t.total_wins <> COALESCE(d.wins, 0)
		   OR t.total_games_played <> COALESCE(d.total, 0)
		   OR t.overall_max_win <> COALESCE(d.max_win, 0)
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("finding drifted users: %w", err)
	}
	defer rows.Close()

	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning drifted user: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, nil
}
