package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/api"
	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}

	cfg := types.ServerConfig{WebSocketPath: "/ws"}
	server := api.NewServer(logger, cfg, dataStore, telemetry.NewRecorder())
	ts := httptest.NewServer(server.Router())
	return server, ts
}

// testBacktestConfig uses the same three symbols data.Store's
// GenerateSampleData seeds (BTC/USDT, ETH/USDT, SOL/USDT) so a fresh
// in-memory store always has bars for it; a config referencing any other
// symbol would fail LoadBars with ErrDataMissing.
func testBacktestConfig(id string) types.BacktestConfig {
	return types.BacktestConfig{
		ID:             id,
		Symbols:        []string{"BTC/USDT", "ETH/USDT"},
		BondSymbols:    []string{"SOL/USDT"},
		StartDate:      time.Now().AddDate(0, -1, 0),
		EndDate:        time.Now(),
		Timeframe:      types.Timeframe1h,
		InitialCapital: decimal.NewFromInt(10000),
		Indicators: types.IndicatorConfig{
			SMAFastPeriod:      5,
			SMASlowPeriod:      20,
			VolatilityWindow:   10,
			ZScoreWindow:       10,
			KalmanProcessNoise: decimal.NewFromFloat(1e-5),
			KalmanObsNoise:     decimal.NewFromFloat(1e-2),
			TNormClip:          decimal.NewFromInt(1),
		},
		Regime: types.RegimeConfig{
			TNormBullThreshold:   decimal.NewFromFloat(0.2),
			TNormBearThreshold:   decimal.NewFromFloat(-0.2),
			VolHighThreshold:     decimal.NewFromFloat(1.0),
			VolLowThreshold:      decimal.NewFromFloat(-0.5),
			VolCrushLookback:     5,
			VolCrushDropFraction: decimal.NewFromFloat(0.5),
		},
		Allocation: types.AllocationConfig{
			EquitySymbol:          "BTC/USDT",
			LeveragedEquitySymbol: "ETH/USDT",
			BondLongSymbol:        "SOL/USDT",
			BondInverseSymbol:     "SOL/USDT",
			AllowTreasury:         true,
			BondSMAFastPeriod:     3,
			BondSMASlowPeriod:     5,
			MaxBondWeight:         decimal.NewFromFloat(0.4),
			LeverageScalar:        decimal.NewFromInt(1),
			RebalanceThreshold:    decimal.NewFromFloat(0.025),
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "healthy" {
		t.Fatalf("expected status 'healthy', got %v", result["status"])
	}
}

func TestSymbolsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/data/symbols")
	if err != nil {
		t.Fatalf("symbols request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var result struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result.Symbols) == 0 {
		t.Fatalf("expected the auto-generated sample data to seed at least one symbol")
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestBacktestRunAndGetEndpoints(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	cfg := testBacktestConfig("test-http-backtest")
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}

	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("backtest run request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var runResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&runResp); err != nil {
		t.Fatalf("failed to decode run response: %v", err)
	}
	if runResp["id"] != cfg.ID {
		t.Fatalf("expected id %q, got %v", cfg.ID, runResp["id"])
	}

	var statusResp map[string]interface{}
	for i := 0; i < 50; i++ {
		resp, err = http.Get(ts.URL + "/api/v1/backtest/" + cfg.ID)
		if err != nil {
			t.Fatalf("backtest status request failed: %v", err)
		}
		if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
			resp.Body.Close()
			t.Fatalf("failed to decode status response: %v", err)
		}
		resp.Body.Close()
		if statusResp["status"] == "completed" || statusResp["status"] == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if statusResp["status"] != "completed" {
		t.Fatalf("expected backtest to complete, got status %v", statusResp["status"])
	}
}

func TestHistoryEndpointBoundedLookback(t *testing.T) {
	logger := zap.NewNop()
	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}

	symbol := "TESTSYM"
	timeframe := types.Timeframe1h
	base := time.Now().Truncate(time.Hour).AddDate(0, 0, -10)
	bars := make([]types.OHLCV, 0, 20)
	for i := 0; i < 20; i++ {
		bars = append(bars, types.OHLCV{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromInt(100),
			High:      decimal.NewFromInt(101),
			Low:       decimal.NewFromInt(99),
			Close:     decimal.NewFromInt(100),
			Volume:    decimal.NewFromInt(10),
		})
	}
	if err := dataStore.StoreOHLCV(symbol, timeframe, bars); err != nil {
		t.Fatalf("failed to seed bars: %v", err)
	}

	cfg := types.ServerConfig{WebSocketPath: "/ws"}
	server := api.NewServer(logger, cfg, dataStore, telemetry.NewRecorder())
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	cutoff := base.Add(9 * time.Hour)
	url := ts.URL + "/api/v1/data/history/" + symbol + "?cutoff=" + cutoff.Format(time.RFC3339) + "&max_count=5&timeframe=1h"
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("history request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var result struct {
		Bars  []types.OHLCV `json:"bars"`
		Count int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.Count != 5 {
		t.Fatalf("expected max_count to cap the result at 5 bars, got %d", result.Count)
	}
	for _, b := range result.Bars {
		if b.Timestamp.After(cutoff) {
			t.Fatalf("history endpoint returned bar at %s, strictly after cutoff %s", b.Timestamp, cutoff)
		}
	}
}

func TestBacktestNotFound(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/backtest/does-not-exist")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.StatusCode)
	}
}

func TestWebSocketSubscribeAndProgress(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket connection failed: %v", err)
	}
	defer conn.Close()

	subMsg := api.WSMessage{Type: api.MsgTypeSubscribe, Channel: "progress"}
	if err := conn.WriteJSON(subMsg); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	cfg := testBacktestConfig("test-ws-backtest")
	body, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	resp, err := http.Post(ts.URL+"/api/v1/backtest/run", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("backtest run request failed: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	sawCompletion := false
	for i := 0; i < 10; i++ {
		var msg api.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != api.MsgTypeProgress {
			continue
		}
		var progress types.BacktestProgress
		if err := json.Unmarshal(msg.Data, &progress); err != nil {
			t.Fatalf("failed to decode progress payload: %v", err)
		}
		if progress.ID == cfg.ID && progress.Status == "completed" {
			sawCompletion = true
			break
		}
	}
	if !sawCompletion {
		t.Fatalf("expected to observe a completed progress event for %s over the websocket", cfg.ID)
	}
}

func TestServerStartAndGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()
	dataStore, err := data.NewStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create data store: %v", err)
	}
	cfg := types.ServerConfig{WebSocketPath: "/ws"}
	server := api.NewServer(logger, cfg, dataStore, nil)

	go server.Start("127.0.0.1:0")
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
