package indicators

import (
	"testing"

	"github.com/shopspring/decimal"
)

func decSlice(vals ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

func TestSMA(t *testing.T) {
	closes := decSlice(1, 2, 3, 4, 5)
	got, err := SMA(closes, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := decimal.NewFromFloat(4) // (3+4+5)/3
	if !got.Equal(want) {
		t.Fatalf("SMA = %s, want %s", got, want)
	}
}

func TestSMAWarmupNotMet(t *testing.T) {
	closes := decSlice(1, 2)
	if _, err := SMA(closes, 5); err != ErrWarmupNotMet {
		t.Fatalf("expected ErrWarmupNotMet, got %v", err)
	}
}

func TestEMASeededBySMA(t *testing.T) {
	closes := decSlice(1, 2, 3, 4, 5)
	got, err := EMA(closes, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// seed = SMA(1,2,3) = 2; mult = 2/4 = 0.5
	// step1: (4-2)*0.5+2 = 3
	// step2: (5-3)*0.5+3 = 4
	want := decimal.NewFromFloat(4)
	if !got.Equal(want) {
		t.Fatalf("EMA = %s, want %s", got, want)
	}
}

func TestRSIAllGainsIsHundred(t *testing.T) {
	closes := decSlice(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15)
	got, err := RSI(closes, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("RSI = %s, want 100", got)
	}
}

func TestRollingZScoreWarmup(t *testing.T) {
	closes := decSlice(1, 2, 3)
	if _, err := RollingZScore(closes, 10); err != ErrWarmupNotMet {
		t.Fatalf("expected ErrWarmupNotMet, got %v", err)
	}
}

func TestKalmanTrendClip(t *testing.T) {
	closes := decSlice(100, 110, 120, 130, 140, 150, 160, 170)
	got, err := KalmanTrend(closes, decimal.NewFromFloat(1e-5), decimal.NewFromFloat(1e-2), decimal.NewFromFloat(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.GreaterThan(decimal.NewFromInt(1)) || got.LessThan(decimal.NewFromInt(-1)) {
		t.Fatalf("T_norm %s not clipped to [-1,1]", got)
	}
	if !got.IsPositive() {
		t.Fatalf("expected positive T_norm for a rising series, got %s", got)
	}
}

func TestKalmanTrendDividesByTMax(t *testing.T) {
	closes := decSlice(100, 110, 120, 130, 140, 150, 160, 170)
	unit, err := KalmanTrend(closes, decimal.NewFromFloat(1e-5), decimal.NewFromFloat(1e-2), decimal.NewFromFloat(100000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wide, err := KalmanTrend(closes, decimal.NewFromFloat(1e-5), decimal.NewFromFloat(1e-2), decimal.NewFromFloat(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The velocity here is about 10, so neither T_max clips it. With a
	// T_max 1000x larger, the normalized trend should be roughly 1000x
	// smaller, not identical — T_norm must divide by T_max before
	// clipping, not just clip the raw velocity.
	ratio := wide.Div(unit)
	if ratio.LessThan(decimal.NewFromInt(500)) {
		t.Fatalf("expected T_norm to scale down with a larger T_max, got unit=%s wide=%s", unit, wide)
	}
}

func TestBollingerBandsOrdering(t *testing.T) {
	closes := decSlice(10, 12, 11, 13, 12, 14, 13, 15, 14, 16)
	bb, err := BollingerBands(closes, 10, decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bb.Upper.GreaterThan(bb.Middle) || !bb.Middle.GreaterThan(bb.Lower) {
		t.Fatalf("bands out of order: %+v", bb)
	}
}
