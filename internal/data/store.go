// Package data provides market data storage and loading for the
// backtesting core's Data Handler.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is a directory-backed, in-memory cache of historical OHLCV
// series, keyed by symbol and timeframe.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	series  map[string]map[types.Timeframe][]types.OHLCV
}

// NewStore opens (or creates) a data store rooted at dataDir, loading any
// previously persisted series. If dataDir holds no data at all, the store
// seeds itself with sample data for a handful of symbols so a fresh
// checkout has something to backtest against immediately.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &Store{
		logger:  logger,
		dataDir: dataDir,
		series:  make(map[string]map[types.Timeframe][]types.OHLCV),
	}
	if err := s.load(); err != nil {
		logger.Warn("failed to load persisted market data", zap.Error(err))
	}
	if len(s.series) == 0 {
		s.GenerateSampleData()
	}
	return s, nil
}

// GetSymbols returns every symbol the store currently holds data for.
func (s *Store) GetSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.series))
	for symbol := range s.series {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// StoreOHLCV merges bars into the symbol/timeframe series, stamping each
// bar's Symbol and Timeframe fields and keeping the series sorted and
// deduplicated by timestamp (later writes win on a timestamp collision).
func (s *Store) StoreOHLCV(symbol string, timeframe types.Timeframe, bars []types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTimestamp := make(map[int64]types.OHLCV)
	for _, b := range s.series[symbol][timeframe] {
		byTimestamp[b.Timestamp.UnixNano()] = b
	}
	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%s %s bar at %s: %w", symbol, timeframe, b.Timestamp, err)
		}
		b.Symbol = symbol
		b.Timeframe = timeframe
		byTimestamp[b.Timestamp.UnixNano()] = b
	}

	merged := make([]types.OHLCV, 0, len(byTimestamp))
	for _, b := range byTimestamp {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	if s.series[symbol] == nil {
		s.series[symbol] = make(map[types.Timeframe][]types.OHLCV)
	}
	s.series[symbol][timeframe] = merged
	return nil
}

// GetOHLCV returns the bars for symbol/timeframe within [start, end]. A
// symbol or timeframe the store has never seen yields an empty slice and
// a nil error; a missing series is the caller's (LoadBars') concern, not
// this method's.
func (s *Store) GetOHLCV(symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[symbol][timeframe]
	out := make([]types.OHLCV, 0, len(bars))
	for _, b := range bars {
		if (b.Timestamp.Equal(start) || b.Timestamp.After(start)) &&
			(b.Timestamp.Equal(end) || b.Timestamp.Before(end)) {
			out = append(out, b)
		}
	}
	return out, nil
}

// History returns up to maxCount bars for symbol/timeframe with a
// timestamp less than or equal to cutoff, in ascending order, per
// spec.md §6's bounded-lookback contract: this is the only permitted
// way for a caller to look backward from a point in time, and it must
// never hand back a bar strictly later than cutoff. maxCount <= 0
// means unbounded.
func (s *Store) History(symbol string, timeframe types.Timeframe, cutoff time.Time, maxCount int) ([]types.OHLCV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bars := s.series[symbol][timeframe]
	eligible := make([]types.OHLCV, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.After(cutoff) {
			continue
		}
		eligible = append(eligible, b)
	}
	if maxCount > 0 && len(eligible) > maxCount {
		eligible = eligible[len(eligible)-maxCount:]
	}
	return eligible, nil
}

// LoadBars implements internal/backtester's BarSource: it resolves
// cfg.Symbols and cfg.BondSymbols against the store, fatally rejects a
// missing or corrupt series, and merges every symbol's bars into one
// ascending-timestamp stream with ties broken by each symbol's position
// in cfg.Symbols followed by cfg.BondSymbols, per spec.md §4.1.
func (s *Store) LoadBars(ctx context.Context, cfg types.BacktestConfig) ([]types.OHLCV, error) {
	order := make(map[string]int)
	symbols := make([]string, 0, len(cfg.Symbols)+len(cfg.BondSymbols))
	for _, symbol := range append(append([]string{}, cfg.Symbols...), cfg.BondSymbols...) {
		if _, seen := order[symbol]; seen {
			continue
		}
		order[symbol] = len(symbols)
		symbols = append(symbols, symbol)
	}

	validator := NewDataQualityValidator(s.logger)
	merged := make([]types.OHLCV, 0)
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, err := s.GetOHLCV(symbol, cfg.Timeframe, cfg.StartDate, cfg.EndDate)
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			return nil, fmt.Errorf("%s %s: %w", symbol, cfg.Timeframe, types.ErrDataMissing)
		}
		if err := validator.Validate(bars, symbol).FatalError(); err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		merged = append(merged, bars...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].Timestamp.Before(merged[j].Timestamp)
		}
		return order[merged[i].Symbol] < order[merged[j].Symbol]
	})
	return merged, nil
}

// Save persists every series to dataDir, one JSON file per symbol and
// timeframe.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for symbol, byTimeframe := range s.series {
		for timeframe, bars := range byTimeframe {
			payload, err := json.Marshal(bars)
			if err != nil {
				return fmt.Errorf("failed to marshal %s %s: %w", symbol, timeframe, err)
			}
			path := filepath.Join(s.dataDir, seriesFileName(symbol, timeframe))
			if err := os.WriteFile(path, payload, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
		}
	}
	return nil
}

// load reads every persisted series file in dataDir back into memory.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		symbol, timeframe, ok := parseSeriesFileName(entry.Name())
		if !ok {
			continue
		}
		payload, err := os.ReadFile(filepath.Join(s.dataDir, entry.Name()))
		if err != nil {
			return err
		}
		var bars []types.OHLCV
		if err := json.Unmarshal(payload, &bars); err != nil {
			return err
		}
		if s.series[symbol] == nil {
			s.series[symbol] = make(map[types.Timeframe][]types.OHLCV)
		}
		s.series[symbol][timeframe] = bars
	}
	return nil
}

func seriesFileName(symbol string, timeframe types.Timeframe) string {
	return url.QueryEscape(symbol) + "_" + string(timeframe) + ".json"
}

func parseSeriesFileName(name string) (symbol string, timeframe types.Timeframe, ok bool) {
	base := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return "", "", false
	}
	decoded, err := url.QueryUnescape(base[:idx])
	if err != nil {
		return "", "", false
	}
	return decoded, types.Timeframe(base[idx+1:]), true
}

// sampleSeeds fixes the random seed per symbol, so every GenerateSampleData
// call produces the same price path from the same start price.
var sampleSeeds = map[string]int64{
	"SOL/USDT": 1,
	"ETH/USDT": 2,
	"BTC/USDT": 3,
}

var sampleStartPrice = map[string]float64{
	"SOL/USDT": 100.0,
	"ETH/USDT": 2000.0,
	"BTC/USDT": 40000.0,
}

// GenerateSampleData seeds the store with ninety days of hourly bars for
// a handful of well-known symbols, via a seeded random walk so results
// are reproducible across runs.
func (s *Store) GenerateSampleData() {
	end := time.Now().Truncate(time.Hour)
	start := end.AddDate(0, 0, -90)
	for symbol, seed := range sampleSeeds {
		bars := generateRandomWalk(symbol, sampleStartPrice[symbol], seed, start, end, time.Hour)
		if err := s.StoreOHLCV(symbol, types.Timeframe1h, bars); err != nil {
			s.logger.Warn("failed to generate sample data", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func generateRandomWalk(symbol string, startPrice float64, seed int64, start, end time.Time, interval time.Duration) []types.OHLCV {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]types.OHLCV, 0)
	price := startPrice

	for ts := start; ts.Before(end) || ts.Equal(end); ts = ts.Add(interval) {
		open := price
		change := (rng.Float64() - 0.5) * 0.02 * price
		price += change
		close := price
		high := maxFloat(open, close) * (1 + rng.Float64()*0.005)
		low := minFloat(open, close) * (1 - rng.Float64()*0.005)
		volume := rng.Float64() * 1_000_000

		bars = append(bars, types.OHLCV{
			Symbol:    symbol,
			Timeframe: types.Timeframe1h,
			Timestamp: ts,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(close),
			Volume:    decimal.NewFromFloat(volume),
		})
	}
	return bars
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
