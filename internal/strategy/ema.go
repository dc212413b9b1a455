package strategy

import (
	"fmt"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// Default EMA windows used when the registry is asked for an ema_crossover
// without explicit periods.
const (
	DefaultShortPeriod = 5
	DefaultLongPeriod  = 10
)

// CalculateEMA returns the exponential moving average series of values.
//
// The first point is the simple average of the first period values; every
// later point is value*k + prev*(1-k) with k = 2/(period+1). The result has
// len(values)-period+1 points and is nil when fewer than period values exist.
func CalculateEMA(values []decimal.Decimal, period int) []decimal.Decimal {
	if period <= 0 || len(values) < period {
		return nil
	}

	k := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period + 1)))
	oneMinusK := decimal.NewFromInt(1).Sub(k)

	sum := decimal.Zero
	for _, v := range values[:period] {
		sum = sum.Add(v)
	}

	ema := make([]decimal.Decimal, 0, len(values)-period+1)
	ema = append(ema, sum.Div(decimal.NewFromInt(int64(period))))

	for _, v := range values[period:] {
		prev := ema[len(ema)-1]
		ema = append(ema, v.Mul(k).Add(prev.Mul(oneMinusK)))
	}

	return ema
}

// adjustedCloses extracts the adjusted close of every bar.
func adjustedCloses(history []types.PriceBar) []decimal.Decimal {
	closes := make([]decimal.Decimal, len(history))
	for i, bar := range history {
		closes[i] = bar.AdjustedClose()
	}
	return closes
}

// EMACrossover trades crossovers of a short and a long EMA of adjusted closes.
// Both series are recomputed from the full history on every call.
type EMACrossover struct {
	shortPeriod int
	longPeriod  int
}

// NewEMACrossover creates an EMA crossover strategy. The caller is
// responsible for short < long.
func NewEMACrossover(shortPeriod, longPeriod int) *EMACrossover {
	return &EMACrossover{
		shortPeriod: shortPeriod,
		longPeriod:  longPeriod,
	}
}

func (s *EMACrossover) Name() string { return NameEMACrossover }

func (s *EMACrossover) String() string {
	return fmt.Sprintf("EMA %d/%d", s.shortPeriod, s.longPeriod)
}

// ShortPeriod returns the fast EMA window.
func (s *EMACrossover) ShortPeriod() int { return s.shortPeriod }

// LongPeriod returns the slow EMA window.
func (s *EMACrossover) LongPeriod() int { return s.longPeriod }

// ShouldBuy fires on an upward crossover while flat.
func (s *EMACrossover) ShouldBuy(history []types.PriceBar, position int64, _ decimal.Decimal) bool {
	if position > 0 {
		return false
	}
	short, long, ok := s.series(history)
	if !ok {
		return false
	}
	n, m := len(short), len(long)
	return short[n-2].LessThanOrEqual(long[m-2]) && short[n-1].GreaterThan(long[m-1])
}

// ShouldSell fires on a downward crossover while long.
func (s *EMACrossover) ShouldSell(history []types.PriceBar, position int64, _ decimal.Decimal) bool {
	if position == 0 {
		return false
	}
	short, long, ok := s.series(history)
	if !ok {
		return false
	}
	n, m := len(short), len(long)
	return short[n-2].GreaterThanOrEqual(long[m-2]) && short[n-1].LessThan(long[m-1])
}

// series computes both EMA series; ok is false while history is too short
// to compare two consecutive points of each.
func (s *EMACrossover) series(history []types.PriceBar) (short, long []decimal.Decimal, ok bool) {
	if len(history) < s.longPeriod+1 {
		return nil, nil, false
	}

	closes := adjustedCloses(history)
	short = CalculateEMA(closes, s.shortPeriod)
	long = CalculateEMA(closes, s.longPeriod)
	if len(short) < 2 || len(long) < 2 {
		return nil, nil, false
	}
	return short, long, true
}
