// Package api provides the minimal ops HTTP/WebSocket surface: submit a
// backtest run, query its progress and result, fetch the underlying
// market data, and scrape Prometheus metrics. It is not a trading
// dashboard — no auth, no order routing, no live control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-core/internal/backtester"
	"github.com/atlas-desktop/backtest-core/internal/data"
	"github.com/atlas-desktop/backtest-core/internal/strategy"
	"github.com/atlas-desktop/backtest-core/internal/telemetry"
	"github.com/atlas-desktop/backtest-core/pkg/types"
)

// Server is the ops HTTP/WebSocket API server.
type Server struct {
	mu     sync.RWMutex
	logger *zap.Logger
	config types.ServerConfig
	router *mux.Router
	http   *http.Server
	hub    *Hub

	dataStore *data.Store
	rec       *telemetry.Recorder
	runs      map[string]*run
}

// run tracks one backtest's lifecycle from submission to completion.
type run struct {
	ID      string
	Config  types.BacktestConfig
	Status  string // "running", "completed", "failed", "cancelled"
	Started time.Time
	Result  *types.BacktestResult
	Err     error
	Cancel  context.CancelFunc
}

// NewServer builds the ops server around an existing data store. rec
// may be nil, in which case /metrics serves an empty registry.
func NewServer(logger *zap.Logger, config types.ServerConfig, dataStore *data.Store, rec *telemetry.Recorder) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := NewHub(logger)
	go hub.Run()

	s := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		hub:       hub,
		dataStore: dataStore,
		rec:       rec,
		runs:      make(map[string]*run),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/data/history/{symbol}", s.handleGetHistory).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods(http.MethodPost)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.rec.Registry(), promhttp.HandlerOpts{}))
	s.router.HandleFunc(s.config.WebSocketPath, s.hub.ServeWS)
}

// Router exposes the underlying mux.Router so tests can drive handlers
// directly through httptest without a live listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start begins serving on addr, wrapped in the same permissive CORS
// policy this package has always applied.
func (s *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting ops API server", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown cancels every still-running backtest and gracefully stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, rn := range s.runs {
		if rn.Status == "running" && rn.Cancel != nil {
			rn.Cancel()
		}
	}
	s.mu.Unlock()

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"symbols": s.dataStore.GetSymbols()})
}

// handleGetHistory serves two shapes of the same Data Handler query. A
// plain start/end range uses GetOHLCV. A request carrying a "cutoff"
// query parameter switches to the bounded-lookback contract of
// spec.md §6: up to "max_count" bars with timestamp <= cutoff, the
// only way this API lets a caller look backward from a point in time.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = string(types.Timeframe1h)
	}

	if v := r.URL.Query().Get("cutoff"); v != "" {
		cutoff, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid cutoff: %v", err), http.StatusBadRequest)
			return
		}
		maxCount := 0
		if mc := r.URL.Query().Get("max_count"); mc != "" {
			n, err := strconv.Atoi(mc)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid max_count: %v", err), http.StatusBadRequest)
				return
			}
			maxCount = n
		}
		bars, err := s.dataStore.History(symbol, types.Timeframe(timeframe), cutoff, maxCount)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"symbol":    symbol,
			"timeframe": timeframe,
			"cutoff":    cutoff,
			"bars":      bars,
			"count":     len(bars),
		})
		return
	}

	start := time.Now().AddDate(0, -1, 0)
	end := time.Now()
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	bars, err := s.dataStore.GetOHLCV(symbol, types.Timeframe(timeframe), start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
		"count":     len(bars),
	})
}

// handleRunBacktest submits a backtest config and starts it running in
// the background, identified by its (possibly generated) ID.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var cfg types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{ID: cfg.ID, Config: cfg, Status: "running", Started: time.Now(), Cancel: cancel}

	s.mu.Lock()
	s.runs[cfg.ID] = rn
	s.mu.Unlock()

	s.hub.BroadcastProgress(cfg.ID, types.BacktestProgress{ID: cfg.ID, Status: "running", CurrentDate: rn.Started})
	go s.runBacktest(ctx, rn)

	writeJSON(w, map[string]interface{}{"id": cfg.ID, "status": "running", "started": rn.Started.Unix()})
}

// runBacktest drives one run to completion and broadcasts its terminal
// progress over the hub.
func (s *Server) runBacktest(ctx context.Context, rn *run) {
	strat := strategy.NewRegimeStrategy(s.logger, rn.ID, rn.Config)
	result, err := backtester.RunBacktest(ctx, s.logger, rn.Config, s.dataStore, strat, s.rec)

	s.mu.Lock()
	rn.Result = result
	switch {
	case errors.Is(err, types.ErrCancelled):
		rn.Status = "cancelled"
	case err != nil:
		rn.Status = "failed"
		rn.Err = err
		s.logger.Error("backtest run failed", zap.String("id", rn.ID), zap.Error(err))
	default:
		rn.Status = "completed"
	}
	status := rn.Status
	s.mu.Unlock()

	progress := types.BacktestProgress{ID: rn.ID, Status: status, Progress: 100, CurrentDate: time.Now()}
	if result != nil {
		progress.EventsProcessed = uint64(result.EventsProcessed)
		progress.TotalEvents = uint64(result.EventsProcessed)
		progress.TradesExecuted = len(result.TradeLedger)
		if n := len(result.EquitySeries); n > 0 {
			progress.CurrentEquity = result.EquitySeries[n-1].Equity
		} else {
			progress.CurrentEquity = result.FinalCash
		}
	}
	if err != nil && !errors.Is(err, types.ErrCancelled) {
		progress.Error = err.Error()
	}
	s.hub.BroadcastProgress(rn.ID, progress)
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	rn, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"id":      rn.ID,
		"status":  rn.Status,
		"started": rn.Started.Unix(),
	}
	if rn.Result != nil {
		response["result"] = rn.Result
	}
	if rn.Err != nil {
		response["error"] = rn.Err.Error()
	}
	writeJSON(w, response)
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	rn, ok := s.runs[id]
	if ok && rn.Status == "running" && rn.Cancel != nil {
		rn.Cancel()
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"id": id, "status": "cancelling"})
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}
