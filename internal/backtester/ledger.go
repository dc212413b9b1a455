package backtester

import (
	"time"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// Ledger is the cash/position state of a single run. It is owned by exactly
// one Run call and is never shared, so it carries no lock.
//
// Invariants: cash >= 0, position >= 0, trades is append-only.
type Ledger struct {
	cash     decimal.Decimal
	position int64
	trades   []types.Trade
}

// NewLedger creates a flat ledger holding initialCash.
func NewLedger(initialCash decimal.Decimal) *Ledger {
	return &Ledger{
		cash:   initialCash,
		trades: make([]types.Trade, 0),
	}
}

// Cash returns available cash
func (l *Ledger) Cash() decimal.Decimal { return l.cash }

// Position returns the number of shares held
func (l *Ledger) Position() int64 { return l.position }

// Trades returns the trade log
func (l *Ledger) Trades() []types.Trade { return l.trades }

// Buy spends as much cash as possible on whole shares at price. It reports
// false, leaving the ledger untouched, when not even one share is affordable.
func (l *Ledger) Buy(date time.Time, price decimal.Decimal) (types.Trade, bool) {
	if !l.cash.IsPositive() || !price.IsPositive() {
		return types.Trade{}, false
	}

	// Integer quotient, truncated: never rounds up into an unaffordable share.
	quotient, _ := l.cash.QuoRem(price, 0)
	shares := quotient.IntPart()
	if shares <= 0 {
		return types.Trade{}, false
	}

	l.cash = l.cash.Sub(decimal.NewFromInt(shares).Mul(price))
	l.position += shares

	return l.record(date, types.TradeActionBuy, shares, price), true
}

// Sell closes the whole position at price. It reports false when flat.
func (l *Ledger) Sell(date time.Time, price decimal.Decimal) (types.Trade, bool) {
	if l.position <= 0 {
		return types.Trade{}, false
	}

	shares := l.position
	l.cash = l.cash.Add(decimal.NewFromInt(shares).Mul(price))
	l.position = 0

	return l.record(date, types.TradeActionSell, shares, price), true
}

func (l *Ledger) record(date time.Time, action types.TradeAction, shares int64, price decimal.Decimal) types.Trade {
	trade := types.Trade{
		Date:          date,
		Action:        action,
		Shares:        shares,
		Price:         price,
		CashAfter:     l.cash,
		PositionAfter: l.position,
	}
	l.trades = append(l.trades, trade)
	return trade
}
