package domain

import "testing"

func TestWinRate(t *testing.T) {
	tests := []struct {
		name   string
		wins   int64
		played int64
		want   float64
	}{
		{"no games played", 0, 0, 0},
		{"all wins", 10, 10, 1},
		{"half wins", 5, 10, 0.5},
		{"one third rounds to three places", 1, 3, 0.333},
		{"two thirds rounds to three places", 2, 3, 0.667},
		{"wins with zero played clamps denominator", 3, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WinRate(tt.wins, tt.played)
			if got != tt.want {
				t.Errorf("WinRate(%d, %d) = %v, want %v", tt.wins, tt.played, got, tt.want)
			}
		})
	}
}

func TestAggregateFromDetails(t *testing.T) {
	details := map[GameType]GameStatDetail{
		GameTypeSlot:  {Wins: 3, Losses: 7, MaxWin: 500, Total: 10},
		GameTypeCrash: {Wins: 2, Losses: 2, MaxWin: 1200, Total: 4},
	}

	agg := AggregateFromDetails(details)

	if agg.TotalGamesPlayed != 14 {
		t.Errorf("TotalGamesPlayed = %d, want 14", agg.TotalGamesPlayed)
	}
	if agg.TotalWins != 5 {
		t.Errorf("TotalWins = %d, want 5", agg.TotalWins)
	}
	if agg.TotalLosses != 9 {
		t.Errorf("TotalLosses = %d, want 9", agg.TotalLosses)
	}
	if agg.OverallMaxWin != 1200 {
		t.Errorf("OverallMaxWin = %d, want 1200", agg.OverallMaxWin)
	}
	if agg.WinRate != 0.357 {
		t.Errorf("WinRate = %v, want 0.357", agg.WinRate)
	}
}

func TestAggregateFromDetailsEmpty(t *testing.T) {
	agg := AggregateFromDetails(nil)

	if agg.TotalGamesPlayed != 0 || agg.TotalWins != 0 || agg.TotalLosses != 0 {
		t.Errorf("empty aggregate has non-zero counters: %+v", agg)
	}
	if agg.WinRate != 0 {
		t.Errorf("WinRate = %v, want 0", agg.WinRate)
	}
}

func TestConsistentWith(t *testing.T) {
	details := map[GameType]GameStatDetail{
		GameTypeSlot:  {Wins: 3, Losses: 7, MaxWin: 500, Total: 10},
		GameTypeGacha: {Wins: 1, Losses: 4, MaxWin: 100, Total: 5},
	}

	tests := []struct {
		name string
		agg  GameStatAggregate
		want bool
	}{
		{"matching aggregate", GameStatAggregate{TotalWins: 4, OverallMaxWin: 500}, true},
		{"drifted wins", GameStatAggregate{TotalWins: 9, OverallMaxWin: 500}, false},
		{"drifted max win", GameStatAggregate{TotalWins: 4, OverallMaxWin: 9999}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.agg.ConsistentWith(details); got != tt.want {
				t.Errorf("ConsistentWith() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestZeroFillDetails(t *testing.T) {
	details := map[GameType]GameStatDetail{
		GameTypeSlot: {Wins: 3, Losses: 2, MaxWin: 400, Total: 5},
	}

	filled := ZeroFillDetails(details)

	if len(filled) != len(KnownGameTypes) {
		t.Fatalf("len(filled) = %d, want %d", len(filled), len(KnownGameTypes))
	}
	if filled[GameTypeSlot].Wins != 3 {
		t.Errorf("slot wins = %d, want 3", filled[GameTypeSlot].Wins)
	}
	for _, gt := range []GameType{GameTypeCrash, GameTypeGacha, GameTypeRPS} {
		if d := filled[gt]; d != (GameStatDetail{}) {
			t.Errorf("%s = %+v, want zero row", gt, d)
		}
	}
}

func TestIsKnownGameType(t *testing.T) {
	for _, gt := range KnownGameTypes {
		if !IsKnownGameType(gt) {
			t.Errorf("IsKnownGameType(%q) = false, want true", gt)
		}
	}
	if IsKnownGameType("poker") {
		t.Error("IsKnownGameType(\"poker\") = true, want false")
	}
}
