// Package allocation implements the regime-to-weights allocation engine:
// it maps a classified regime cell to a target portfolio weight vector
// over the fixed symbol universe (equity, leveraged equity, long-duration
// defensive, inverse-duration defensive, cash), substitutes the dynamic
// safe-haven instrument in cells 5 and 6, renormalizes for the configured
// leverage scalar, and gates rebalancing on an L1-distance threshold plus
// a cell-change trigger.
package allocation

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/indicators"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// baseBucket is the pre-leverage, pre-safe-haven-substitution weight
// bucket for a cell: how much goes to leveraged equity, plain equity,
// and the defensive bucket (resolved to a concrete bond symbol, or cash,
// by TargetWeights).
type baseBucket struct {
	leveragedEquity decimal.Decimal
	equity          decimal.Decimal
	defensive       decimal.Decimal
}

// defaultCellBuckets is the base table from spec.md §4.4.
func defaultCellBuckets() map[types.Cell]baseBucket {
	return map[types.Cell]baseBucket{
		types.Cell1: {leveragedEquity: decimal.NewFromFloat(0.6), equity: decimal.NewFromFloat(0.4)},
		types.Cell2: {equity: decimal.NewFromFloat(1.0)},
		types.Cell3: {leveragedEquity: decimal.NewFromFloat(0.2), equity: decimal.NewFromFloat(0.8)},
		types.Cell4: {}, // 100% cash, strict — no entry needed.
		types.Cell5: {equity: decimal.NewFromFloat(0.5), defensive: decimal.NewFromFloat(0.5)},
		types.Cell6: {defensive: decimal.NewFromFloat(1.0)},
	}
}

// Engine computes target portfolio weights from a regime cell.
type Engine struct {
	logger *zap.Logger
	cfg    types.AllocationConfig

	buckets map[types.Cell]baseBucket

	bondCloses map[string][]decimal.Decimal // accumulated closes for the treasury trend proxy
}

// New builds an allocation Engine.
func New(logger *zap.Logger, cfg types.AllocationConfig) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:     logger,
		cfg:        cfg,
		buckets:    defaultCellBuckets(),
		bondCloses: make(map[string][]decimal.Decimal),
	}
}

// ObserveBondClose feeds the defensive instruments' closes so the dynamic
// safe-haven selector can compute its SMA trend proxy. The proxy is the
// series fed under BondLongSymbol; closes fed under other names are stored
// but not read by the selector.
func (e *Engine) ObserveBondClose(symbol string, close decimal.Decimal) {
	e.bondCloses[symbol] = append(e.bondCloses[symbol], close)
}

// TargetWeights resolves the base bucket for the given cell into a
// concrete per-symbol weight map: leveraged-equity and equity buckets map
// directly to their configured symbols; the defensive bucket resolves to
// a dynamically selected bond symbol (capped at MaxBondWeight, remainder
// to cash) in cells 5/6, or stays cash entirely if treasury isn't
// allowed or no bond trend data is available yet. The leverage scalar is
// then applied to the leveraged-equity weight only, and the vector is
// renormalized so the symbol weights plus the cash left over from the
// defensive bucket sum to 1.
func (e *Engine) TargetWeights(cell types.Cell) map[string]decimal.Decimal {
	bucket, ok := e.buckets[cell]
	if !ok {
		return map[string]decimal.Decimal{}
	}
	out := make(map[string]decimal.Decimal)

	if bucket.leveragedEquity.IsPositive() && e.cfg.LeveragedEquitySymbol != "" {
		out[e.cfg.LeveragedEquitySymbol] = bucket.leveragedEquity
	}
	if bucket.equity.IsPositive() && e.cfg.EquitySymbol != "" {
		out[e.cfg.EquitySymbol] = out[e.cfg.EquitySymbol].Add(bucket.equity)
	}
	cashWeight := decimal.Zero
	if bucket.defensive.IsPositive() {
		cashWeight = bucket.defensive.Sub(e.allocateDefensive(out, bucket.defensive))
	}

	if lev, ok := out[e.cfg.LeveragedEquitySymbol]; ok && e.cfg.LeveragedEquitySymbol != "" {
		out[e.cfg.LeveragedEquitySymbol] = lev.Mul(e.cfg.LeverageScalar)
	}
	renormalize(out, cashWeight)
	return out
}

// allocateDefensive implements the dynamic safe-haven selection from
// spec.md §4.4: choose the long-duration bond instrument if its trend
// proxy is in a bull SMA structure, else the inverse-duration instrument;
// cap the instrument's weight at MaxBondWeight, with the remainder of the
// defensive bucket left as cash (i.e. simply not allocated to any
// symbol). It returns the weight given to the bond instrument.
func (e *Engine) allocateDefensive(out map[string]decimal.Decimal, defensiveWeight decimal.Decimal) decimal.Decimal {
	if !e.cfg.AllowTreasury || e.cfg.BondLongSymbol == "" {
		return decimal.Zero // falls back to cash: no entry added.
	}
	bond := e.selectSafeHaven()
	if bond == "" {
		return decimal.Zero
	}
	capWeight := e.cfg.MaxBondWeight
	if capWeight.IsZero() {
		capWeight = defensiveWeight
	}
	weight := defensiveWeight
	if weight.GreaterThan(capWeight) {
		weight = capWeight
	}
	out[bond] = out[bond].Add(weight)
	return weight
}

// selectSafeHaven picks the long-duration bond when its SMA structure is
// bullish, otherwise the inverse-duration bond. Returns "" if there isn't
// yet enough bond price history to classify the trend.
func (e *Engine) selectSafeHaven() string {
	proxy := e.bondCloses[e.cfg.BondLongSymbol]
	fast, err := indicators.SMA(proxy, e.cfg.BondSMAFastPeriod)
	if err != nil {
		return ""
	}
	slow, err := indicators.SMA(proxy, e.cfg.BondSMASlowPeriod)
	if err != nil {
		return ""
	}
	if fast.GreaterThan(slow) {
		return e.cfg.BondLongSymbol
	}
	return e.cfg.BondInverseSymbol
}

// renormalize scales every weight so the vector, together with cashWeight
// (cash, which has no entry in the map), sums to 1, unless the sum is
// zero (the strict-cash cell 4 case), in which case it's left as all-cash.
func renormalize(weights map[string]decimal.Decimal, cashWeight decimal.Decimal) {
	sum := cashWeight
	for _, w := range weights {
		sum = sum.Add(w)
	}
	if sum.IsZero() || sum.Equal(decimal.NewFromInt(1)) {
		return
	}
	for sym, w := range weights {
		weights[sym] = w.Div(sum)
	}
}

// ShouldRebalance reports whether the L1 distance between current and
// target weights exceeds the configured rebalance threshold, or the cell
// changed from the previous bar — either condition alone triggers a
// rebalance, per spec.md §4.4. Callers pass the cell observed on the
// prior bar explicitly (e.g. from persisted StrategyState) rather than
// the engine tracking it internally, keeping the engine itself stateless
// across bars.
func (e *Engine) ShouldRebalance(previousCell, cell types.Cell, current, target map[string]decimal.Decimal) bool {
	if cell != previousCell {
		return true
	}
	return L1Distance(current, target).GreaterThan(e.cfg.RebalanceThreshold)
}

// L1Distance computes sum(|current[s] - target[s]|) over the union of
// symbols appearing in either map.
func L1Distance(current, target map[string]decimal.Decimal) decimal.Decimal {
	seen := make(map[string]struct{}, len(current)+len(target))
	for s := range current {
		seen[s] = struct{}{}
	}
	for s := range target {
		seen[s] = struct{}{}
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	dist := decimal.Zero
	for _, s := range symbols {
		dist = dist.Add(current[s].Sub(target[s]).Abs())
	}
	return dist
}
