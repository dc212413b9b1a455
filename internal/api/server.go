// Package api provides the HTTP and WebSocket server.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/internal/sweep"
	"github.com/atlas-desktop/backtest-lab/internal/telemetry"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the persistence the server reads bars from and records runs in.
type Store interface {
	LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.PriceBar, error)
	ListSymbols(ctx context.Context) ([]string, error)
	SaveRun(ctx context.Context, run *types.RunRecord) (int64, error)
	GetRun(ctx context.Context, id int64) (*types.RunRecord, error)
}

// Deps are the components the server routes requests to.
type Deps struct {
	Store       Store
	Engine      sweep.Runner
	Registry    *strategy.Registry
	Sweeper     *sweep.Sweeper
	Hub         *Hub
	Metrics     *telemetry.Metrics // nil disables /metrics
	DefaultCash decimal.Decimal
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	if deps.DefaultCash.IsZero() {
		deps.DefaultCash = decimal.NewFromInt(10000)
	}
	server := &Server{
		logger: logger,
		config: config,
		router: mux.NewRouter(),
		deps:   deps,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	if s.deps.Metrics != nil {
		s.router.Use(s.metricsMiddleware)
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/strategies", s.handleListStrategies).Methods("GET")

	// Data endpoints
	api.HandleFunc("/data/symbols", s.handleGetSymbols).Methods("GET")
	api.HandleFunc("/data/{symbol}/bars", s.handleGetBars).Methods("GET")

	// Single-strategy backtests
	api.HandleFunc("/backtests/run", s.handleRunBacktest).Methods("POST")
	api.HandleFunc("/backtests/{id:[0-9]+}", s.handleGetBacktest).Methods("GET")

	// EMA sweeps
	api.HandleFunc("/ema-backtests/run", s.handleRunSweep).Methods("POST")
	api.HandleFunc("/ema-backtests/best", s.handleGetBest).Methods("GET")
	api.HandleFunc("/ema-backtests/summary", s.handleGetSummary).Methods("GET")

	if s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.deps.Hub.ServeWS)
	}
}

// Router returns the HTTP handler without CORS, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade pass through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.ObserveRequest(route, rec.code)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeFailure maps validation errors to 400 and anything else to 500.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var verr *sweep.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, strategy.ErrUnknownStrategy):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, data.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.deps.Hub != nil {
		clients = s.deps.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now().Unix(),
		"wsClients": clients,
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.deps.Registry.List(),
	})
}

// handleGetSymbols returns symbols with stored bars
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols, err := s.deps.Store.ListSymbols(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
	})
}

// handleGetBars returns daily bars for a symbol. start and end are
// YYYY-MM-DD and default to the last year.
func (s *Server) handleGetBars(w http.ResponseWriter, r *http.Request) {
	symbol := utils.FormatSymbol(mux.Vars(r)["symbol"])

	end := utils.TruncateToDate(time.Now())
	start := end.AddDate(-1, 0, 0)
	var err error
	if v := r.URL.Query().Get("start"); v != "" {
		if start, err = utils.ParseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start date")
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if end, err = utils.ParseDate(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end date")
			return
		}
	}

	bars, err := s.deps.Store.LoadBars(r.Context(), symbol, start, end)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"bars":   bars,
		"count":  len(bars),
	})
}

// RunBacktestRequest is the body of POST /api/v1/backtests/run.
type RunBacktestRequest struct {
	Name        string              `json:"name"`
	Strategy    string              `json:"strategy"`
	Params      strategy.Params     `json:"params"`
	Symbol      string              `json:"symbol"`
	StartDate   string              `json:"startDate"`
	EndDate     string              `json:"endDate"`
	InitialCash decimal.NullDecimal `json:"initialCash"`
}

// handleRunBacktest runs one registry strategy synchronously and records it.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req RunBacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Strategy == "" {
		req.Strategy = strategy.NameBuyAndHold
	}
	key, err := s.parseKey(req.Symbol, req.StartDate, req.EndDate, s.cashOrDefault(req.InitialCash))
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	strat, err := s.deps.Registry.Create(req.Strategy, req.Params)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	result, err := s.deps.Engine.Run(r.Context(), strat, backtester.RunRequest{
		Symbol:      key.Symbol,
		StartDate:   key.StartDate,
		EndDate:     key.EndDate,
		InitialCash: key.InitialCash,
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	if result.HasData() {
		name := req.Name
		if name == "" {
			name = fmt.Sprintf("%s %s %s", result.Strategy, key.Symbol, key.DateRange())
		}
		id, err := s.deps.Store.SaveRun(r.Context(), &types.RunRecord{
			Name:           name,
			Strategy:       result.Strategy,
			Symbol:         key.Symbol,
			StartDate:      key.StartDate,
			EndDate:        key.EndDate,
			InitialCapital: result.InitialCash,
			FinalCapital:   result.FinalCash,
		})
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		result.BacktestID = id
	}

	if s.deps.Hub != nil {
		s.deps.Hub.Broadcast(MsgTypeRunComplete, map[string]interface{}{
			"id":       result.ID,
			"strategy": result.Strategy,
			"symbol":   result.Symbol,
			"status":   result.Status,
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// RunSweepRequest is the body of POST /api/v1/ema-backtests/run. Omitted
// period lists select the configured defaults.
type RunSweepRequest struct {
	Symbol       string              `json:"symbol"`
	StartDate    string              `json:"startDate"`
	EndDate      string              `json:"endDate"`
	InitialCash  decimal.NullDecimal `json:"initialCash"`
	ShortPeriods []int               `json:"shortPeriods"`
	LongPeriods  []int               `json:"longPeriods"`
}

// handleRunSweep runs an EMA sweep synchronously. Progress streams to
// WebSocket subscribers of the "sweeps" channels while the request is open.
func (s *Server) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	var req RunSweepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	key, err := s.parseKey(req.Symbol, req.StartDate, req.EndDate, s.cashOrDefault(req.InitialCash))
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	report, err := s.deps.Sweeper.RunCombinations(r.Context(), key, req.ShortPeriods, req.LongPeriods)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	if s.deps.Hub != nil {
		s.deps.Hub.SweepComplete(report)
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetBest(w http.ResponseWriter, r *http.Request) {
	key, err := s.queryKey(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	best, err := s.deps.Sweeper.GetBestCombination(r.Context(), key, r.URL.Query().Get("metric"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if best == nil {
		writeError(w, http.StatusNotFound, "No backtest results found")
		return
	}
	writeJSON(w, http.StatusOK, best)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	key, err := s.queryKey(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	summary, err := s.deps.Sweeper.GetCombinationSummary(r.Context(), key)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// cashOrDefault applies the default only when the body omits initialCash, so
// an explicit zero still fails validation.
func (s *Server) cashOrDefault(cash decimal.NullDecimal) decimal.Decimal {
	if !cash.Valid {
		return s.deps.DefaultCash
	}
	return cash.Decimal
}

// queryKey reads symbol, start, end and initialCash query parameters.
func (s *Server) queryKey(r *http.Request) (types.SweepKey, error) {
	q := r.URL.Query()
	cash := s.deps.DefaultCash
	if v := q.Get("initialCash"); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return types.SweepKey{}, &sweep.ValidationError{Field: "initial_cash", Message: "initial cash must be a number"}
		}
		cash = parsed
	}
	return s.parseKey(q.Get("symbol"), q.Get("start"), q.Get("end"), cash)
}

func (s *Server) parseKey(symbol, start, end string, cash decimal.Decimal) (types.SweepKey, error) {
	startDate, err := utils.ParseDate(start)
	if err != nil {
		return types.SweepKey{}, &sweep.ValidationError{Field: "start_date", Message: "expected YYYY-MM-DD"}
	}
	endDate, err := utils.ParseDate(end)
	if err != nil {
		return types.SweepKey{}, &sweep.ValidationError{Field: "end_date", Message: "expected YYYY-MM-DD"}
	}
	return sweep.NewSweepKey(symbol, startDate, endDate, cash)
}
