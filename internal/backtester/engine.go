// Package backtester provides the core bar-by-bar backtesting engine.
package backtester

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource loads daily bars for a symbol within [start, end], ascending by
// date. An empty slice is a valid answer.
type PriceSource interface {
	LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.PriceBar, error)
}

// RunRecorder observes completed runs (metrics, tracing).
type RunRecorder interface {
	ObserveRun(strategy string, status types.RunStatus, elapsed time.Duration)
}

// RunRequest describes one simulation
type RunRequest struct {
	Symbol      string
	StartDate   time.Time
	EndDate     time.Time
	InitialCash decimal.Decimal
}

// Engine walks a price series once per run, asking a strategy what to do at
// every bar. The engine itself holds no per-run state and may be shared by
// concurrent callers.
type Engine struct {
	logger   *zap.Logger
	source   PriceSource
	recorder RunRecorder
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithRecorder attaches a RunRecorder
func WithRecorder(r RunRecorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates a new backtesting engine
func NewEngine(logger *zap.Logger, source PriceSource, opts ...EngineOption) *Engine {
	e := &Engine{
		logger: logger,
		source: source,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes a backtest of strat over the requested bars.
//
// A missing series is not an error: the result comes back with
// RunStatusNoData. Errors are reserved for price source failures and context
// cancellation.
func (e *Engine) Run(ctx context.Context, strat strategy.Strategy, req RunRequest) (*types.BacktestResult, error) {
	startTime := time.Now()
	symbol := utils.FormatSymbol(req.Symbol)

	result := &types.BacktestResult{
		ID:          uuid.New().String(),
		Strategy:    strat.Name(),
		Symbol:      symbol,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		InitialCash: req.InitialCash,
		FinalCash:   req.InitialCash,
		Trades:      []types.Trade{},
		Status:      types.RunStatusOK,
	}

	bars, err := e.source.LoadBars(ctx, symbol, req.StartDate, req.EndDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}

	if len(bars) == 0 {
		result.Status = types.RunStatusNoData
		result.Error = ErrNoData.Error()
		e.observe(result, startTime)
		return result, nil
	}

	byDate := func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) }
	if !sort.SliceIsSorted(bars, byDate) {
		// Sources may hand out shared slices; sort a private copy.
		bars = append([]types.PriceBar(nil), bars...)
		sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	}

	ledger := NewLedger(req.InitialCash)

	for i := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bar := bars[i]
		history := bars[:i+1]

		// Buy is decided on pre-trade state; sell sees the post-buy ledger.
		if strat.ShouldBuy(history, ledger.Position(), ledger.Cash()) && ledger.Cash().IsPositive() {
			if trade, ok := ledger.Buy(bar.Date, bar.Open); ok {
				e.logTrade(symbol, trade)
			}
		}

		if strat.ShouldSell(history, ledger.Position(), ledger.Cash()) && ledger.Position() > 0 {
			if trade, ok := ledger.Sell(bar.Date, bar.Close); ok {
				e.logTrade(symbol, trade)
			}
		}
	}

	// Liquidate whatever is still open at the final close.
	if ledger.Position() > 0 {
		last := bars[len(bars)-1]
		if trade, ok := ledger.Sell(last.Date, last.Close); ok {
			e.logTrade(symbol, trade)
		}
	}

	result.FinalCash = ledger.Cash()
	result.TotalReturn, result.TotalReturnPercent = CalculateTotalReturn(req.InitialCash, result.FinalCash)
	result.Trades = ledger.Trades()
	result.NumTrades = len(result.Trades)

	e.logger.Debug("Backtest completed",
		zap.String("id", result.ID),
		zap.String("strategy", result.Strategy),
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
		zap.Int("trades", result.NumTrades),
		zap.String("finalCash", result.FinalCash.String()),
		zap.String("totalReturn", result.TotalReturn.String()),
	)

	e.observe(result, startTime)
	return result, nil
}

func (e *Engine) logTrade(symbol string, trade types.Trade) {
	e.logger.Debug("Trade executed",
		zap.String("symbol", symbol),
		zap.String("date", trade.Date.Format(types.DateLayout)),
		zap.String("action", string(trade.Action)),
		zap.Int64("shares", trade.Shares),
		zap.String("price", trade.Price.String()),
		zap.String("cashAfter", trade.CashAfter.String()),
	)
}

func (e *Engine) observe(result *types.BacktestResult, startTime time.Time) {
	if e.recorder != nil {
		e.recorder.ObserveRun(result.Strategy, result.Status, time.Since(startTime))
	}
}
