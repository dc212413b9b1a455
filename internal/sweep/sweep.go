// Package sweep runs the EMA crossover strategy across a grid of short/long
// period pairs and answers best-of and summary queries over the stored
// results.
package sweep

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/internal/workers"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Runner executes one backtest. *backtester.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, strat strategy.Strategy, req backtester.RunRequest) (*types.BacktestResult, error)
}

// ResultStore persists sweep records and queries them by key.
type ResultStore interface {
	SaveSweepRecord(ctx context.Context, rec *types.SweepRecord) (int64, error)
	QueryBest(ctx context.Context, key types.SweepKey, metric types.Metric) (*types.SweepRecord, error)
	QueryAll(ctx context.Context, key types.SweepKey) ([]types.SweepRecord, error)
}

// Recorder observes per-combination outcomes (metrics).
type Recorder interface {
	ObserveCombination(outcome string)
}

// ProgressFunc receives an update after every combination. In parallel
// sweeps calls are serialised but arrive in completion order.
type ProgressFunc func(types.SweepProgress)

// Outcome labels reported to Recorder and ProgressFunc.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Config holds grid defaults and limits.
type Config struct {
	DefaultShortPeriods []int
	DefaultLongPeriods  []int
	MaxShortPeriod      int
	MaxLongPeriod       int
	Workers             int // 1 runs combinations sequentially
}

// DefaultConfig returns short periods 3..20, long periods 10..60 and a
// sequential sweep.
func DefaultConfig() Config {
	return Config{
		DefaultShortPeriods: periodRange(3, 20),
		DefaultLongPeriods:  periodRange(10, 60),
		MaxShortPeriod:      20,
		MaxLongPeriod:       60,
		Workers:             1,
	}
}

// ConfigFrom builds a Config from application settings, keeping defaults
// for anything unset.
func ConfigFrom(c types.SweepConfig) Config {
	cfg := DefaultConfig()
	if len(c.DefaultShortPeriods) > 0 {
		cfg.DefaultShortPeriods = c.DefaultShortPeriods
	}
	if len(c.DefaultLongPeriods) > 0 {
		cfg.DefaultLongPeriods = c.DefaultLongPeriods
	}
	if c.MaxShortPeriod > 0 {
		cfg.MaxShortPeriod = c.MaxShortPeriod
	}
	if c.MaxLongPeriod > 0 {
		cfg.MaxLongPeriod = c.MaxLongPeriod
	}
	if c.Workers > 0 {
		cfg.Workers = c.Workers
	}
	return cfg
}

func periodRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for p := from; p <= to; p++ {
		out = append(out, p)
	}
	return out
}

// Combination is one (short, long) EMA period pair.
type Combination struct {
	Short int `json:"shortPeriod"`
	Long  int `json:"longPeriod"`
}

func (c Combination) String() string {
	return fmt.Sprintf("EMA %d/%d", c.Short, c.Long)
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Sweeper) { s.progress = fn }
}

// WithRecorder attaches a Recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Sweeper) { s.recorder = r }
}

// Sweeper drives EMA parameter sweeps. It holds no per-sweep state; every
// call is a function of its inputs and the result store.
type Sweeper struct {
	logger   *zap.Logger
	engine   Runner
	store    ResultStore
	cfg      Config
	progress ProgressFunc
	recorder Recorder

	emitMu sync.Mutex
}

// NewSweeper creates a sweep driver.
func NewSweeper(logger *zap.Logger, engine Runner, store ResultStore, cfg Config, opts ...Option) *Sweeper {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &Sweeper{
		logger: logger,
		engine: engine,
		store:  store,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSweepKey validates and normalises the key that groups sweep results.
func NewSweepKey(symbol string, start, end time.Time, initialCash decimal.Decimal) (types.SweepKey, error) {
	key := types.SweepKey{
		Symbol:      utils.FormatSymbol(symbol),
		StartDate:   utils.TruncateToDate(start),
		EndDate:     utils.TruncateToDate(end),
		InitialCash: initialCash,
	}
	return key, ValidateKey(key)
}

// ValidateKey checks the sweep key invariants.
func ValidateKey(key types.SweepKey) error {
	if strings.TrimSpace(key.Symbol) == "" {
		return invalid("symbol", "symbol is required")
	}
	if !key.InitialCash.IsPositive() {
		return invalid("initial_cash", "initial cash must be positive")
	}
	if !key.StartDate.Before(key.EndDate) {
		return invalid("date_range", "start date must be before end date")
	}
	return nil
}

// ValidatePeriods drops non-positive periods and periods above max, logging
// each rejected entry. The survivors are returned de-duplicated and sorted.
// kind ("short" or "long") names the list in messages.
func (s *Sweeper) ValidatePeriods(periods []int, max int, kind string) (valid []int, rejected []string, err error) {
	seen := make(map[int]bool, len(periods))
	for _, p := range periods {
		switch {
		case p <= 0:
			rejected = append(rejected, fmt.Sprintf("%d (must be positive integer)", p))
		case p > max:
			rejected = append(rejected, fmt.Sprintf("%d (exceeds max %d)", p, max))
		case !seen[p]:
			seen[p] = true
			valid = append(valid, p)
		}
	}

	if len(rejected) > 0 {
		s.logger.Warn("Skipping invalid periods",
			zap.String("kind", kind),
			zap.Strings("invalid", rejected),
		)
	}

	if len(valid) == 0 {
		return nil, rejected, invalid(kind+"_periods",
			"no valid %s periods provided; valid periods are positive integers <= %d", kind, max)
	}

	sort.Ints(valid)
	return valid, rejected, nil
}

// GenerateCombinations returns every (short, long) pair with short < long,
// ordered by short then long. A nil list selects the configured defaults.
func (s *Sweeper) GenerateCombinations(shortPeriods, longPeriods []int) ([]Combination, error) {
	if shortPeriods == nil {
		shortPeriods = s.cfg.DefaultShortPeriods
	}
	if longPeriods == nil {
		longPeriods = s.cfg.DefaultLongPeriods
	}

	shorts, _, err := s.ValidatePeriods(shortPeriods, s.cfg.MaxShortPeriod, "short")
	if err != nil {
		return nil, err
	}
	longs, _, err := s.ValidatePeriods(longPeriods, s.cfg.MaxLongPeriod, "long")
	if err != nil {
		return nil, err
	}

	combos := make([]Combination, 0, len(shorts)*len(longs))
	for _, short := range shorts {
		for _, long := range longs {
			if short < long {
				combos = append(combos, Combination{Short: short, Long: long})
			}
		}
	}
	return combos, nil
}

// RunSingleCombination backtests one EMA pair and persists the result with
// its trade log. A series with no bars yields an error wrapping
// backtester.ErrNoData; nothing is stored in that case.
func (s *Sweeper) RunSingleCombination(ctx context.Context, key types.SweepKey, shortPeriod, longPeriod int) (*types.SweepRecord, error) {
	key.Symbol = utils.FormatSymbol(key.Symbol)
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if shortPeriod <= 0 || longPeriod <= 0 || shortPeriod >= longPeriod {
		return nil, invalid("periods", "need 0 < short < long, got %d/%d", shortPeriod, longPeriod)
	}

	combo := Combination{Short: shortPeriod, Long: longPeriod}
	result, err := s.engine.Run(ctx, strategy.NewEMACrossover(shortPeriod, longPeriod), backtester.RunRequest{
		Symbol:      key.Symbol,
		StartDate:   key.StartDate,
		EndDate:     key.EndDate,
		InitialCash: key.InitialCash,
	})
	if err != nil {
		return nil, fmt.Errorf("%s on %s failed: %w", combo, key.Symbol, err)
	}
	if !result.HasData() {
		return nil, fmt.Errorf("%s on %s: %w", combo, key.Symbol, backtester.ErrNoData)
	}

	rec := &types.SweepRecord{
		SweepKey:           key,
		ShortPeriod:        shortPeriod,
		LongPeriod:         longPeriod,
		FinalCash:          result.FinalCash,
		TotalReturn:        result.TotalReturn,
		TotalReturnPercent: result.TotalReturnPercent,
		NumTrades:          result.NumTrades,
		CAGR:               backtester.CalculateCAGR(key.InitialCash, result.FinalCash, key.Days()),
		Trades:             result.Trades,
	}

	id, err := s.store.SaveSweepRecord(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s on %s: %w", combo, key.Symbol, err)
	}
	rec.ID = id

	return rec, nil
}

type outcome struct {
	rec *types.SweepRecord
	err error
}

// RunCombinations sweeps every generated pair for key. Validation happens
// before any backtest runs. A failing combination is logged, listed in
// the report and skipped; it never aborts the sweep. Results and failures
// keep generation order even when Workers > 1.
func (s *Sweeper) RunCombinations(ctx context.Context, key types.SweepKey, shortPeriods, longPeriods []int) (*types.SweepReport, error) {
	key.Symbol = utils.FormatSymbol(key.Symbol)
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	combos, err := s.GenerateCombinations(shortPeriods, longPeriods)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	sweepID := uuid.New().String()

	s.logger.Info("Running EMA combinations",
		zap.String("sweep_id", sweepID),
		zap.String("symbol", key.Symbol),
		zap.String("range", key.DateRange()),
		zap.Int("combinations", len(combos)),
		zap.Int("workers", s.cfg.Workers),
	)

	outcomes := make([]outcome, len(combos))
	run := func(i int) {
		c := combos[i]
		rec, err := s.runIsolated(ctx, key, c)
		outcomes[i] = outcome{rec: rec, err: err}
		s.report(sweepID, key.Symbol, i, len(combos), c, err)
	}

	if s.cfg.Workers <= 1 || len(combos) <= 1 {
		for i := range combos {
			if ctx.Err() != nil {
				break
			}
			run(i)
		}
	} else {
		pool := workers.NewPool(s.logger, &workers.PoolConfig{
			Name:            "sweep-" + sweepID,
			NumWorkers:      s.cfg.Workers,
			QueueSize:       len(combos),
			ShutdownTimeout: 10 * time.Second,
			PanicRecovery:   true,
		})
		pool.Start()
		for i := range combos {
			i := i
			if err := pool.SubmitFunc(func() error { run(i); return outcomes[i].err }); err != nil {
				outcomes[i] = outcome{err: err}
			}
		}

		drained := make(chan struct{})
		go func() {
			pool.Drain()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			// Queued combinations are dropped; running ones are abandoned.
			if err := pool.Stop(); err != nil {
				s.logger.Warn("Sweep pool did not stop cleanly", zap.String("sweep_id", sweepID), zap.Error(err))
			}
			<-drained
		}

		stats := pool.Stats()
		s.logger.Debug("Sweep pool finished",
			zap.String("sweep_id", sweepID),
			zap.Int64("completed", stats.TasksCompleted),
			zap.Int64("failed", stats.TasksFailed),
			zap.Duration("p99_latency", stats.P99Latency),
		)
	}

	if err := ctx.Err(); err != nil {
		s.logger.Warn("Sweep cancelled", zap.String("sweep_id", sweepID), zap.Error(err))
		return nil, err
	}

	report := &types.SweepReport{
		SweepID:   sweepID,
		Key:       key,
		Attempted: len(combos),
		Results:   make([]types.SweepRecord, 0, len(combos)),
		Failed:    make([]types.SweepFailure, 0),
	}
	for i, o := range outcomes {
		if o.err != nil || o.rec == nil {
			msg := "no result"
			if o.err != nil {
				msg = o.err.Error()
			}
			report.Failed = append(report.Failed, types.SweepFailure{
				ShortPeriod: combos[i].Short,
				LongPeriod:  combos[i].Long,
				Error:       msg,
			})
			continue
		}
		report.Results = append(report.Results, *o.rec)
	}
	report.Succeeded = len(report.Results)
	report.Duration = time.Since(startTime)

	s.logger.Info("Sweep completed",
		zap.String("sweep_id", sweepID),
		zap.String("symbol", key.Symbol),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("attempted", report.Attempted),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// runIsolated converts a panic inside one combination into an error.
func (s *Sweeper) runIsolated(ctx context.Context, key types.SweepKey, c Combination) (rec *types.SweepRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s on %s panicked: %v", c, key.Symbol, r)
		}
	}()
	return s.RunSingleCombination(ctx, key, c.Short, c.Long)
}

func (s *Sweeper) report(sweepID, symbol string, i, total int, c Combination, err error) {
	status := OutcomeOK
	if err != nil {
		status = OutcomeFailed
		s.logger.Warn("Combination failed",
			zap.String("sweep_id", sweepID),
			zap.Int("short", c.Short),
			zap.Int("long", c.Long),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("Combination completed",
			zap.String("sweep_id", sweepID),
			zap.Int("index", i+1),
			zap.Int("total", total),
			zap.Int("short", c.Short),
			zap.Int("long", c.Long),
		)
	}

	if s.recorder != nil {
		s.recorder.ObserveCombination(status)
	}
	if s.progress == nil {
		return
	}

	p := types.SweepProgress{
		SweepID:     sweepID,
		Symbol:      symbol,
		Index:       i + 1,
		Total:       total,
		ShortPeriod: c.Short,
		LongPeriod:  c.Long,
		Status:      status,
	}
	if err != nil {
		p.Error = err.Error()
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.progress(p)
}

// GetBestCombination returns the stored record for key with the highest
// value of metric (empty selects total_return_percent), or nil when the key
// has no records.
func (s *Sweeper) GetBestCombination(ctx context.Context, key types.SweepKey, metric string) (*types.SweepRecord, error) {
	m, err := types.ParseMetric(metric)
	if err != nil {
		return nil, &ValidationError{Field: "metric", Message: err.Error()}
	}

	key.Symbol = utils.FormatSymbol(key.Symbol)
	best, err := s.store.QueryBest(ctx, key, m)
	if err != nil {
		return nil, fmt.Errorf("failed to query best combination: %w", err)
	}
	return best, nil
}

// GetCombinationSummary aggregates every stored record for key. An empty
// key yields a summary with Message set rather than an error.
func (s *Sweeper) GetCombinationSummary(ctx context.Context, key types.SweepKey) (*types.SweepSummary, error) {
	key.Symbol = utils.FormatSymbol(key.Symbol)
	records, err := s.store.QueryAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query combinations: %w", err)
	}

	summary := &types.SweepSummary{
		Symbol:    key.Symbol,
		DateRange: key.DateRange(),
	}
	if len(records) == 0 {
		summary.Message = "No backtest results found"
		return summary, nil
	}

	returns := make([]decimal.Decimal, len(records))
	for i, r := range records {
		returns[i] = r.TotalReturnPercent
		if r.TotalReturnPercent.IsPositive() {
			summary.ProfitableCount++
		}
	}

	summary.Count = len(records)
	summary.BestReturnPercent = decimal.Max(returns[0], returns[1:]...)
	summary.WorstReturnPercent = decimal.Min(returns[0], returns[1:]...)
	summary.AverageReturnPercent = utils.CalculateMean(returns)
	return summary, nil
}
