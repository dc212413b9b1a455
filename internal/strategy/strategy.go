// Package strategy provides trading strategy implementations.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Strategy is the interface all strategies must implement.
//
// history is the inclusive prefix of the series up to the bar being
// evaluated. Implementations must treat it as read-only and may depend only
// on history, position and cash.
type Strategy interface {
	Name() string
	ShouldBuy(history []types.PriceBar, position int64, cash decimal.Decimal) bool
	ShouldSell(history []types.PriceBar, position int64, cash decimal.Decimal) bool
}

// Strategy names known to the registry.
const (
	NameBuyAndHold   = "buy_and_hold"
	NameEMACrossover = "ema_crossover"
)

// Parameter names understood by Create.
const (
	ParamShortPeriod = "short_period"
	ParamLongPeriod  = "long_period"
)

// ErrUnknownStrategy is returned by Create for names that were never registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Params holds integer strategy parameters keyed by name.
type Params map[string]int

// Factory builds a strategy from parameters.
type Factory func(params Params) (Strategy, error)

// Registry manages available strategies.
type Registry struct {
	logger     *zap.Logger
	strategies map[string]Factory
	mu         sync.RWMutex
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:     logger,
		strategies: make(map[string]Factory),
	}

	r.Register(NameBuyAndHold, func(Params) (Strategy, error) {
		return NewBuyAndHold(), nil
	})
	r.Register(NameEMACrossover, func(p Params) (Strategy, error) {
		short := p.get(ParamShortPeriod, DefaultShortPeriod)
		long := p.get(ParamLongPeriod, DefaultLongPeriod)
		if short <= 0 || long <= 0 {
			return nil, fmt.Errorf("ema periods must be positive, got %d/%d", short, long)
		}
		return NewEMACrossover(short, long), nil
	})

	return r
}

// Register registers a new strategy factory, replacing any previous one.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// Create creates a new strategy instance by name.
func (r *Registry) Create(name string, params Params) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.strategies[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}

	s, err := factory(params)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Created strategy", zap.String("name", name), zap.Any("params", params))
	return s, nil
}

// List returns all available strategy names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p Params) get(name string, def int) int {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}
