package indicators

import (
	"github.com/shopspring/decimal"
)

// KalmanTrend runs a 2-state (price, velocity) Kalman filter over the full
// closes slice and returns T_norm, the filtered velocity divided by tMax
// and clipped to [-1, 1] — a dimensionless trend strength independent of
// the instrument's raw price scale, per spec.md §4.2. The filter is
// re-run from scratch on every call since indicators here are pure
// functions of a finite prefix; callers needing per-bar incremental state
// (the regime classifier) call this once per bar with a growing slice,
// which is O(n) per bar but keeps the indicator library stateless at its
// public boundary, per spec.md §4.2.
//
// State transition assumes unit time steps: price' = price + velocity,
// velocity' = velocity. Process noise Q and observation noise R are
// supplied by IndicatorConfig; their ratio controls how responsive the
// velocity estimate is to new closes.
func KalmanTrend(closes []decimal.Decimal, processNoise, obsNoise, tMax decimal.Decimal) (decimal.Decimal, error) {
	if len(closes) < 2 {
		return decimal.Zero, ErrWarmupNotMet
	}
	q, _ := processNoise.Float64()
	r, _ := obsNoise.Float64()
	if q <= 0 {
		q = 1e-5
	}
	if r <= 0 {
		r = 1e-2
	}

	// State vector [price, velocity]; covariance P as a 2x2 matrix.
	price, _ := closes[0].Float64()
	velocity := 0.0
	p00, p01, p10, p11 := 1.0, 0.0, 0.0, 1.0

	for i := 1; i < len(closes); i++ {
		// Predict.
		predPrice := price + velocity
		predVelocity := velocity
		// P = F P F^T + Q, F = [[1,1],[0,1]]
		np00 := p00 + p01 + p10 + p11 + q
		np01 := p01 + p11
		np10 := p10 + p11
		np11 := p11 + q

		obs, _ := closes[i].Float64()
		innovation := obs - predPrice
		s := np00 + r
		if s == 0 {
			s = r + 1e-9
		}
		k0 := np00 / s
		k1 := np10 / s

		price = predPrice + k0*innovation
		velocity = predVelocity + k1*innovation

		p00 = (1 - k0) * np00
		p01 = (1 - k0) * np01
		p10 = np10 - k1*np00
		p11 = np11 - k1*np01
	}

	tMaxF, _ := tMax.Float64()
	if tMaxF <= 0 {
		tMaxF = 1.0
	}
	tNorm := velocity / tMaxF
	if tNorm > 1.0 {
		tNorm = 1.0
	}
	if tNorm < -1.0 {
		tNorm = -1.0
	}
	return decimal.NewFromFloat(tNorm), nil
}
