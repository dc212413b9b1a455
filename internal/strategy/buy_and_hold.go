package strategy

import (
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// BuyAndHold buys on the first bar and never sells; the engine's end-of-run
// liquidation closes the position.
type BuyAndHold struct{}

// NewBuyAndHold creates a buy-and-hold strategy.
func NewBuyAndHold() *BuyAndHold {
	return &BuyAndHold{}
}

func (s *BuyAndHold) Name() string { return NameBuyAndHold }

// ShouldBuy is true only on the first bar ever observed, when flat.
func (s *BuyAndHold) ShouldBuy(history []types.PriceBar, position int64, _ decimal.Decimal) bool {
	return len(history) == 1 && position == 0
}

func (s *BuyAndHold) ShouldSell([]types.PriceBar, int64, decimal.Decimal) bool {
	return false
}
