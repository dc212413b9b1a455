// Package types provides shared type definitions for the backtest backend.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format used at every boundary (API, CLI, storage).
const DateLayout = "2006-01-02"

// TradeAction represents buy or sell
type TradeAction string

const (
	TradeActionBuy  TradeAction = "buy"
	TradeActionSell TradeAction = "sell"
)

// RunStatus represents the outcome of a single engine run
type RunStatus string

const (
	RunStatusOK     RunStatus = "ok"
	RunStatusNoData RunStatus = "no_data"
)

// PriceBar represents one trading day for an instrument
type PriceBar struct {
	Date     time.Time       `json:"date"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	AdjClose decimal.Decimal `json:"adjClose"`
	Volume   int64           `json:"volume"`
}

// AdjustedClose returns the split/dividend adjusted close, falling back to
// the raw close when the bar carries no adjustment.
func (b PriceBar) AdjustedClose() decimal.Decimal {
	if b.AdjClose.IsZero() {
		return b.Close
	}
	return b.AdjClose
}

// Trade represents one entry of the engine's trade log
type Trade struct {
	Date          time.Time       `json:"date"`
	Action        TradeAction     `json:"action"`
	Shares        int64           `json:"shares"`
	Price         decimal.Decimal `json:"price"`
	CashAfter     decimal.Decimal `json:"cashAfter"`
	PositionAfter int64           `json:"positionAfter"`
}

// BacktestResult is the value produced by one engine run
type BacktestResult struct {
	ID                 string          `json:"id"`
	Strategy           string          `json:"strategy"`
	Symbol             string          `json:"symbol"`
	StartDate          time.Time       `json:"startDate"`
	EndDate            time.Time       `json:"endDate"`
	InitialCash        decimal.Decimal `json:"initialCash"`
	FinalCash          decimal.Decimal `json:"finalCash"`
	TotalReturn        decimal.Decimal `json:"totalReturn"`
	TotalReturnPercent decimal.Decimal `json:"totalReturnPercent"`
	Trades             []Trade         `json:"trades"`
	NumTrades          int             `json:"numTrades"`
	Status             RunStatus       `json:"status"`
	Error              string          `json:"error,omitempty"`
	BacktestID         int64           `json:"backtestId,omitempty"`
}

// HasData reports whether the run found any bars to simulate.
func (r *BacktestResult) HasData() bool {
	return r.Status != RunStatusNoData
}

// SweepKey identifies the family of sweep results that are compared together
type SweepKey struct {
	Symbol      string          `json:"symbol"`
	StartDate   time.Time       `json:"startDate"`
	EndDate     time.Time       `json:"endDate"`
	InitialCash decimal.Decimal `json:"initialCash"`
}

// DateRange renders the key's range the way reports print it.
func (k SweepKey) DateRange() string {
	return fmt.Sprintf("%s to %s", k.StartDate.Format(DateLayout), k.EndDate.Format(DateLayout))
}

// Days returns the calendar-day span of the key's range.
func (k SweepKey) Days() int {
	return int(k.EndDate.Sub(k.StartDate).Hours() / 24)
}

// SweepRecord is one persisted EMA combination result
type SweepRecord struct {
	ID                 int64               `json:"backtestId"`
	SweepKey                               // symbol, range, initial cash
	ShortPeriod        int                 `json:"shortPeriod"`
	LongPeriod         int                 `json:"longPeriod"`
	FinalCash          decimal.Decimal     `json:"finalCash"`
	TotalReturn        decimal.Decimal     `json:"totalReturn"`
	TotalReturnPercent decimal.Decimal     `json:"totalReturnPercent"`
	NumTrades          int                 `json:"numTrades"`
	CAGR               decimal.NullDecimal `json:"cagr"`
	Trades             []Trade             `json:"trades,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
}

// SweepFailure records a combination that did not produce a result
type SweepFailure struct {
	ShortPeriod int    `json:"shortPeriod"`
	LongPeriod  int    `json:"longPeriod"`
	Error       string `json:"error"`
}

// SweepReport summarises one RunCombinations call
type SweepReport struct {
	SweepID   string         `json:"sweepId"`
	Key       SweepKey       `json:"key"`
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Results   []SweepRecord  `json:"results"`
	Failed    []SweepFailure `json:"failed,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// SweepProgress is emitted after each combination of a sweep completes
type SweepProgress struct {
	SweepID     string `json:"sweepId"`
	Symbol      string `json:"symbol"`
	Index       int    `json:"index"` // 1-based generation position
	Total       int    `json:"total"`
	ShortPeriod int    `json:"shortPeriod"`
	LongPeriod  int    `json:"longPeriod"`
	Status      string `json:"status"` // "ok", "failed"
	Error       string `json:"error,omitempty"`
}

// SweepSummary aggregates all persisted results for a key
type SweepSummary struct {
	Symbol               string          `json:"symbol"`
	Count                int             `json:"totalCombinations"`
	BestReturnPercent    decimal.Decimal `json:"bestReturnPercent"`
	WorstReturnPercent   decimal.Decimal `json:"worstReturnPercent"`
	AverageReturnPercent decimal.Decimal `json:"averageReturnPercent"`
	ProfitableCount      int             `json:"profitableCombinations"`
	DateRange            string          `json:"dateRange"`
	Message              string          `json:"message,omitempty"`
}

// RunRecord is a persisted single-strategy backtest
type RunRecord struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	FinalCapital   decimal.Decimal `json:"finalCapital"`
	CreatedAt      time.Time       `json:"createdAt"`
}
