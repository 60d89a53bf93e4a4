package domain

import (
	"math"
	"time"
)

// GameType identifies one of the platform's games
type GameType string

const (
	GameTypeSlot  GameType = "slot"
	GameTypeCrash GameType = "crash"
	GameTypeGacha GameType = "gacha"
	GameTypeRPS   GameType = "rps"
)

// KnownGameTypes lists every game type clients expect in a stats payload.
// Reads zero-fill missing entries so the schema stays stable.
var KnownGameTypes = []GameType{GameTypeSlot, GameTypeCrash, GameTypeGacha, GameTypeRPS}

// IsKnownGameType reports whether t is one of the platform game types.
func IsKnownGameType(t GameType) bool {
	for _, k := range KnownGameTypes {
		if k == t {
			return true
		}
	}
	return false
}

// GameStatDetail is the per-user, per-game-type breakdown row.
// Invariant: Total == Wins + Losses.
type GameStatDetail struct {
	Wins   int64 `json:"wins"`
	Losses int64 `json:"losses"`
	MaxWin int64 `json:"max_win"`
	Total  int64 `json:"total"`
}

// GameStatAggregate is the derived cross-game view. Detail rows are the
// source of truth; this projection is recomputable at any time.
type GameStatAggregate struct {
	TotalGamesPlayed int64   `json:"total_games_played"`
	TotalWins        int64   `json:"total_wins"`
	TotalLosses      int64   `json:"total_losses"`
	WinRate          float64 `json:"win_rate"`
	OverallMaxWin    int64   `json:"overall_max_win"`
}

// UserStats is the stats payload served to clients
type UserStats struct {
	Aggregate   GameStatAggregate           `json:"aggregate"`
	Details     map[GameType]GameStatDetail `json:"details"`
	LastUpdated time.Time                   `json:"last_updated"`
}

// GameResult is a single game-resolution event reported by game services
type GameResult struct {
	UserID   int64    `json:"user_id"`
	GameType GameType `json:"game_type"`
	Win      bool     `json:"win"`
	Payout   int64    `json:"payout,omitempty"`
}

// WinRate computes round(wins / max(1, played), 3)
func WinRate(wins, played int64) float64 {
	if played < 1 {
		played = 1
	}
	return math.Round(float64(wins)/float64(played)*1000) / 1000
}

// AggregateFromDetails recomputes the aggregate projection from detail rows.
func AggregateFromDetails(details map[GameType]GameStatDetail) GameStatAggregate {
	var agg GameStatAggregate
	for _, d := range details {
		agg.TotalGamesPlayed += d.Total
		agg.TotalWins += d.Wins
		agg.TotalLosses += d.Losses
		if d.MaxWin > agg.OverallMaxWin {
			agg.OverallMaxWin = d.MaxWin
		}
	}
	agg.WinRate = WinRate(agg.TotalWins, agg.TotalGamesPlayed)
	return agg
}

// ConsistentWith reports whether the aggregate matches the detail rows on the
// checked invariants (total wins and overall max win).
func (a GameStatAggregate) ConsistentWith(details map[GameType]GameStatDetail) bool {
	var sumWins, maxWin int64
	for _, d := range details {
		sumWins += d.Wins
		if d.MaxWin > maxWin {
			maxWin = d.MaxWin
		}
	}
	return a.TotalWins == sumWins && a.OverallMaxWin == maxWin
}

// ZeroFillDetails returns a copy of details with zero-valued rows for every
// known game type that is missing.
func ZeroFillDetails(details map[GameType]GameStatDetail) map[GameType]GameStatDetail {
	filled := make(map[GameType]GameStatDetail, len(KnownGameTypes))
	for _, t := range KnownGameTypes {
		filled[t] = details[t]
	}
	for t, d := range details {
		filled[t] = d
	}
	return filled
}
