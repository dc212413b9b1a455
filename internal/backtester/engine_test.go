// Package backtester_test provides tests for the backtesting engine.
package backtester_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type staticSource struct {
	bars map[string][]types.PriceBar
	err  error
}

func (s *staticSource) LoadBars(_ context.Context, symbol string, start, end time.Time) ([]types.PriceBar, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []types.PriceBar
	for _, b := range s.bars[symbol] {
		if !b.Date.Before(start) && !b.Date.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

type recorder struct {
	runs []types.RunStatus
}

func (r *recorder) ObserveRun(_ string, status types.RunStatus, _ time.Duration) {
	r.runs = append(r.runs, status)
}

// alwaysTrade wants to buy and sell on every bar.
type alwaysTrade struct{}

func (alwaysTrade) Name() string                                              { return "always" }
func (alwaysTrade) ShouldBuy([]types.PriceBar, int64, decimal.Decimal) bool  { return true }
func (alwaysTrade) ShouldSell([]types.PriceBar, int64, decimal.Decimal) bool { return true }

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bar(i int, open, close string) types.PriceBar {
	return types.PriceBar{
		Date:   day0.AddDate(0, 0, i),
		Open:   d(open),
		High:   decimal.Max(d(open), d(close)),
		Low:    decimal.Min(d(open), d(close)),
		Close:  d(close),
		Volume: 1000,
	}
}

// barsFromCloses opens every bar at the previous bar's close.
func barsFromCloses(closes ...string) []types.PriceBar {
	bars := make([]types.PriceBar, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		bars[i] = bar(i, open, c)
	}
	return bars
}

func request(cash string, days int) backtester.RunRequest {
	return backtester.RunRequest{
		Symbol:      "qqq",
		StartDate:   day0,
		EndDate:     day0.AddDate(0, 0, days),
		InitialCash: d(cash),
	}
}

func newEngine(bars []types.PriceBar) *backtester.Engine {
	return backtester.NewEngine(zap.NewNop(), &staticSource{bars: map[string][]types.PriceBar{"QQQ": bars}})
}

func TestBuyAndHoldScenario(t *testing.T) {
	engine := newEngine([]types.PriceBar{bar(0, "10", "11"), bar(1, "11", "12")})

	result, err := engine.Run(context.Background(), strategy.NewBuyAndHold(), request("100", 1))
	if err != nil {
		t.Fatalf("Backtest failed: %v", err)
	}

	if result.Symbol != "QQQ" {
		t.Errorf("Symbol not normalised: %s", result.Symbol)
	}
	if result.NumTrades != 2 || len(result.Trades) != 2 {
		t.Fatalf("Expected 2 trades, got %d", result.NumTrades)
	}

	buy := result.Trades[0]
	if buy.Action != types.TradeActionBuy || buy.Shares != 10 || !buy.Price.Equal(d("10")) {
		t.Errorf("Unexpected buy: %+v", buy)
	}
	if !buy.CashAfter.IsZero() || buy.PositionAfter != 10 || !buy.Date.Equal(day0) {
		t.Errorf("Unexpected ledger after buy: %+v", buy)
	}

	sell := result.Trades[1]
	if sell.Action != types.TradeActionSell || sell.Shares != 10 || !sell.Price.Equal(d("12")) {
		t.Errorf("Unexpected liquidation: %+v", sell)
	}
	if !sell.Date.Equal(day0.AddDate(0, 0, 1)) || sell.PositionAfter != 0 {
		t.Errorf("Liquidation not at last bar: %+v", sell)
	}

	if !result.FinalCash.Equal(d("120")) {
		t.Errorf("Final cash incorrect: %s", result.FinalCash)
	}
	if !result.TotalReturn.Equal(d("0.2")) {
		t.Errorf("Total return incorrect: %s", result.TotalReturn)
	}
	if !result.TotalReturnPercent.Equal(d("20")) {
		t.Errorf("Total return percent incorrect: %s", result.TotalReturnPercent)
	}
}

func TestEMACrossoverScenario(t *testing.T) {
	bars := barsFromCloses("10", "10", "10", "10", "10", "10", "11", "12", "13", "12", "10.5", "9")
	engine := newEngine(bars)

	result, err := engine.Run(context.Background(), strategy.NewEMACrossover(3, 5), request("1000", 11))
	if err != nil {
		t.Fatalf("Backtest failed: %v", err)
	}

	if result.NumTrades != 2 {
		t.Fatalf("Expected exactly one buy and one sell, got %+v", result.Trades)
	}

	buy, sell := result.Trades[0], result.Trades[1]
	if buy.Action != types.TradeActionBuy || !buy.Date.Equal(bars[6].Date) || !buy.Price.Equal(bars[6].Open) {
		t.Errorf("Buy should happen at bar 6 open: %+v", buy)
	}
	if buy.Shares != 100 {
		t.Errorf("Expected 100 shares, got %d", buy.Shares)
	}
	if sell.Action != types.TradeActionSell || !sell.Date.Equal(bars[10].Date) || !sell.Price.Equal(bars[10].Close) {
		t.Errorf("Sell should happen at bar 10 close: %+v", sell)
	}

	if !result.FinalCash.Equal(d("1050")) {
		t.Errorf("Final cash incorrect: %s", result.FinalCash)
	}
	if !result.TotalReturnPercent.Equal(d("5")) {
		t.Errorf("Total return percent incorrect: %s", result.TotalReturnPercent)
	}
}

func TestNoDataResult(t *testing.T) {
	rec := &recorder{}
	engine := backtester.NewEngine(zap.NewNop(), &staticSource{}, backtester.WithRecorder(rec))

	result, err := engine.Run(context.Background(), strategy.NewBuyAndHold(), request("100", 30))
	if err != nil {
		t.Fatalf("No data must not be an error: %v", err)
	}
	if result.Status != types.RunStatusNoData || result.HasData() {
		t.Errorf("Expected no_data status, got %s", result.Status)
	}
	if result.Error != backtester.ErrNoData.Error() {
		t.Errorf("Unexpected error message: %q", result.Error)
	}
	if result.NumTrades != 0 {
		t.Errorf("Expected no trades, got %d", result.NumTrades)
	}
	if len(rec.runs) != 1 || rec.runs[0] != types.RunStatusNoData {
		t.Errorf("Recorder not notified: %v", rec.runs)
	}
}

func TestSourceErrorPropagates(t *testing.T) {
	boom := errors.New("database is locked")
	engine := backtester.NewEngine(zap.NewNop(), &staticSource{err: boom})

	_, err := engine.Run(context.Background(), strategy.NewBuyAndHold(), request("100", 30))
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped source error, got %v", err)
	}
}

func TestLedgerConservation(t *testing.T) {
	closes := []string{
		"20", "21", "22", "21", "19", "18", "19", "22", "25", "27",
		"26", "23", "20", "18", "17", "19", "23", "26", "28", "27",
		"24", "21", "19", "20", "24", "27", "29", "30", "28", "25",
	}
	engine := newEngine(barsFromCloses(closes...))

	for _, s := range []strategy.Strategy{
		strategy.NewBuyAndHold(),
		strategy.NewEMACrossover(2, 4),
		strategy.NewEMACrossover(3, 7),
		alwaysTrade{},
	} {
		result, err := engine.Run(context.Background(), s, request("777.77", 29))
		if err != nil {
			t.Fatalf("%s: backtest failed: %v", s.Name(), err)
		}
		if result.NumTrades == 0 {
			t.Errorf("%s: expected trades on a trending series", s.Name())
			continue
		}

		for i, trade := range result.Trades {
			if trade.CashAfter.IsNegative() || trade.PositionAfter < 0 || trade.Shares <= 0 {
				t.Errorf("%s trade %d breaks the ledger: %+v", s.Name(), i, trade)
			}
		}
		last := result.Trades[len(result.Trades)-1]
		if last.Action != types.TradeActionSell || last.PositionAfter != 0 {
			t.Errorf("%s: run must end flat, last trade %+v", s.Name(), last)
		}
		if !last.CashAfter.Equal(result.FinalCash) {
			t.Errorf("%s: final cash %s differs from last trade %s", s.Name(), result.FinalCash, last.CashAfter)
		}
	}
}

func TestSameBarBuyThenSell(t *testing.T) {
	engine := newEngine([]types.PriceBar{bar(0, "10", "12"), bar(1, "12", "9")})

	result, err := engine.Run(context.Background(), alwaysTrade{}, request("100", 1))
	if err != nil {
		t.Fatalf("Backtest failed: %v", err)
	}

	// bar 0: buy 10 @10, sell 10 @12 -> 120; bar 1: buy 10 @12, sell 10 @9 -> 90
	want := []struct {
		action types.TradeAction
		shares int64
		price  string
		cash   string
	}{
		{types.TradeActionBuy, 10, "10", "0"},
		{types.TradeActionSell, 10, "12", "120"},
		{types.TradeActionBuy, 10, "12", "0"},
		{types.TradeActionSell, 10, "9", "90"},
	}
	if len(result.Trades) != len(want) {
		t.Fatalf("Expected %d trades, got %d", len(want), len(result.Trades))
	}
	for i, w := range want {
		got := result.Trades[i]
		if got.Action != w.action || got.Shares != w.shares || !got.Price.Equal(d(w.price)) || !got.CashAfter.Equal(d(w.cash)) {
			t.Errorf("Trade %d: expected %+v, got %+v", i, w, got)
		}
	}
	if !result.TotalReturn.Equal(d("-0.1")) {
		t.Errorf("Total return incorrect: %s", result.TotalReturn)
	}
}

func TestDeterministicRuns(t *testing.T) {
	engine := newEngine(barsFromCloses("10", "10", "10", "10", "10", "10", "11", "12", "13", "12", "10.5", "9", "10", "12", "14"))
	s := strategy.NewEMACrossover(3, 5)

	first, err := engine.Run(context.Background(), s, request("1000", 14))
	if err != nil {
		t.Fatalf("Backtest failed: %v", err)
	}
	second, err := engine.Run(context.Background(), s, request("1000", 14))
	if err != nil {
		t.Fatalf("Backtest failed: %v", err)
	}

	if first.ID == second.ID {
		t.Error("Each run should get its own id")
	}
	if len(first.Trades) != len(second.Trades) {
		t.Fatalf("Trade counts differ: %d vs %d", len(first.Trades), len(second.Trades))
	}
	for i := range first.Trades {
		a, b := first.Trades[i], second.Trades[i]
		if a.Action != b.Action || a.Shares != b.Shares || !a.Price.Equal(b.Price) || !a.Date.Equal(b.Date) {
			t.Errorf("Trade %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestUnsortedBarsAreOrdered(t *testing.T) {
	bars := []types.PriceBar{bar(1, "11", "12"), bar(0, "10", "11")}
	engine := newEngine(bars)

	result, err := engine.Run(context.Background(), strategy.NewBuyAndHold(), request("100", 1))
	if err != nil {
		t.Fatalf("Backtest failed: %v", err)
	}
	if !result.FinalCash.Equal(d("120")) {
		t.Errorf("Expected buy on the earliest bar, final cash %s", result.FinalCash)
	}
	if !bars[0].Date.Equal(day0.AddDate(0, 0, 1)) {
		t.Error("Engine must not reorder the source's slice")
	}
}

func TestNonPositiveInitialCash(t *testing.T) {
	engine := newEngine([]types.PriceBar{bar(0, "10", "11"), bar(1, "11", "12")})

	for _, cash := range []string{"0", "-50"} {
		result, err := engine.Run(context.Background(), strategy.NewBuyAndHold(), request(cash, 1))
		if err != nil {
			t.Fatalf("Backtest failed: %v", err)
		}
		if result.NumTrades != 0 {
			t.Errorf("Cash %s: expected no trades, got %d", cash, result.NumTrades)
		}
		if !result.TotalReturn.IsZero() || !result.TotalReturnPercent.IsZero() {
			t.Errorf("Cash %s: expected zero return, got %s", cash, result.TotalReturn)
		}
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	engine := newEngine(barsFromCloses("10", "11", "12"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Run(ctx, strategy.NewBuyAndHold(), request("100", 2)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestLedger(t *testing.T) {
	ledger := backtester.NewLedger(d("1000"))

	if _, ok := ledger.Sell(day0, d("10")); ok {
		t.Error("Sell while flat should be refused")
	}

	trade, ok := ledger.Buy(day0, d("333"))
	if !ok {
		t.Fatal("Buy should succeed")
	}
	if trade.Shares != 3 || !ledger.Cash().Equal(d("1")) || ledger.Position() != 3 {
		t.Errorf("Unexpected ledger after buy: cash=%s position=%d", ledger.Cash(), ledger.Position())
	}

	if _, ok := ledger.Buy(day0, d("333")); ok {
		t.Error("Buy with insufficient cash should be refused")
	}
	if _, ok := ledger.Buy(day0, decimal.Zero); ok {
		t.Error("Buy at a zero price should be refused")
	}

	trade, ok = ledger.Sell(day0.AddDate(0, 0, 1), d("350"))
	if !ok {
		t.Fatal("Sell should succeed")
	}
	if trade.Shares != 3 || !ledger.Cash().Equal(d("1051")) || ledger.Position() != 0 {
		t.Errorf("Unexpected ledger after sell: cash=%s position=%d", ledger.Cash(), ledger.Position())
	}
	if len(ledger.Trades()) != 2 {
		t.Errorf("Expected 2 logged trades, got %d", len(ledger.Trades()))
	}
}

func TestLedgerBuyNeverOverspends(t *testing.T) {
	// 100 / 0.3 = 333.33..., whose rounded quotient must not buy 334 shares.
	ledger := backtester.NewLedger(d("100.0000000000000000001"))
	trade, ok := ledger.Buy(day0, d("0.3"))
	if !ok {
		t.Fatal("Buy should succeed")
	}
	if trade.Shares != 333 || ledger.Cash().IsNegative() {
		t.Errorf("Overspent: shares=%d cash=%s", trade.Shares, ledger.Cash())
	}
}

func TestCalculateTotalReturn(t *testing.T) {
	ret, pct := backtester.CalculateTotalReturn(d("10000"), d("12500"))
	if !ret.Equal(d("0.25")) || !pct.Equal(d("25")) {
		t.Errorf("Unexpected return %s / %s", ret, pct)
	}

	ret, pct = backtester.CalculateTotalReturn(decimal.Zero, d("12500"))
	if !ret.IsZero() || !pct.IsZero() {
		t.Errorf("Zero initial cash must give zero return, got %s", ret)
	}
}

func TestCalculateCAGR(t *testing.T) {
	// 1461 days is exactly four 365.25-day years; 1.1^4 = 1.4641.
	cagr := backtester.CalculateCAGR(d("10000"), d("14641"), 1461)
	if !cagr.Valid {
		t.Fatal("CAGR should be defined")
	}
	if got := cagr.Decimal.InexactFloat64(); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("CAGR incorrect: %v", got)
	}

	tests := []struct {
		name    string
		initial string
		final   string
		days    int
	}{
		{"zero span", "10000", "14641", 0},
		{"negative span", "10000", "14641", -5},
		{"zero initial", "0", "14641", 365},
		{"wiped out", "10000", "0", 365},
	}
	for _, tt := range tests {
		if backtester.CalculateCAGR(d(tt.initial), d(tt.final), tt.days).Valid {
			t.Errorf("%s: CAGR should be undefined", tt.name)
		}
	}
}
