// Package data provides price bar storage and result persistence.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

var _ backtester.PriceSource = (*FileStore)(nil)

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// barRecord is the on-disk JSON shape of a daily bar.
type barRecord struct {
	Date     string          `json:"date"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	AdjClose decimal.Decimal `json:"adjClose,omitempty"`
	Volume   int64           `json:"volume"`
}

// FileStore keeps one JSON file of daily bars per symbol, with an in-memory
// cache and a metadata index.
type FileStore struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.PriceBar
	metadata map[string]*SymbolMetadata
}

// NewFileStore creates a file store rooted at dataDir.
func NewFileStore(logger *zap.Logger, dataDir string) (*FileStore, error) {
	store := &FileStore{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.PriceBar),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadBars loads the bars for symbol within [start, end]. A symbol with no
// file yields an empty slice.
func (s *FileStore) LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.PriceBar, error) {
	symbol = utils.FormatSymbol(symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	bars, ok := s.cache[symbol]
	if !ok {
		f, err := os.Open(s.path(symbol))
		if err != nil {
			if os.IsNotExist(err) {
				return []types.PriceBar{}, nil
			}
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		defer f.Close()

		if bars, err = ReadBarsJSON(f); err != nil {
			return nil, fmt.Errorf("failed to parse data for %s: %w", symbol, err)
		}
		s.cache[symbol] = bars
	}

	return filterByDate(bars, start, end), nil
}

// SaveBars writes bars to disk, replacing any existing file for symbol.
func (s *FileStore) SaveBars(symbol string, bars []types.PriceBar) error {
	symbol = utils.FormatSymbol(symbol)

	sorted := append([]types.PriceBar(nil), bars...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Create(s.path(symbol))
	if err != nil {
		return fmt.Errorf("failed to create data file: %w", err)
	}
	if err := WriteBarsJSON(f, sorted); err != nil {
		f.Close()
		return fmt.Errorf("failed to write data file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[symbol] = sorted

	if len(sorted) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: sorted[0].Date,
			EndDate:   sorted[len(sorted)-1].Date,
			BarCount:  len(sorted),
		}
	} else {
		delete(s.metadata, symbol)
	}

	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("Failed to save metadata", zap.Error(err))
	}
	return nil
}

// GetAvailableSymbols returns all symbols with saved bars, sorted.
func (s *FileStore) GetAvailableSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// GetDataRange returns the available data range for a symbol
func (s *FileStore) GetDataRange(symbol string) (SymbolMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[utils.FormatSymbol(symbol)]; ok {
		return *meta, nil
	}
	return SymbolMetadata{}, fmt.Errorf("no data available for symbol %s: %w", symbol, ErrNotFound)
}

// ClearCache clears the in-memory cache
func (s *FileStore) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]types.PriceBar)
}

// GetCacheSize returns the number of cached symbols
func (s *FileStore) GetCacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.cache)
}

func (s *FileStore) path(symbol string) string {
	return filepath.Join(s.dataDir, strings.ToUpper(symbol)+".json")
}

func (s *FileStore) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

func (s *FileStore) saveMetadata() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), data, 0644)
}

// ReadBarsJSON decodes a JSON array of daily bars with "YYYY-MM-DD" dates
// and returns them sorted by date.
func ReadBarsJSON(r io.Reader) ([]types.PriceBar, error) {
	var records []barRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, err
	}

	bars := make([]types.PriceBar, 0, len(records))
	for i, rec := range records {
		date, err := utils.ParseDate(rec.Date)
		if err != nil {
			return nil, fmt.Errorf("bar %d: %w", i, err)
		}
		bars = append(bars, types.PriceBar{
			Date:     date,
			Open:     rec.Open,
			High:     rec.High,
			Low:      rec.Low,
			Close:    rec.Close,
			AdjClose: rec.AdjClose,
			Volume:   rec.Volume,
		})
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// WriteBarsJSON encodes bars in the format ReadBarsJSON accepts.
func WriteBarsJSON(w io.Writer, bars []types.PriceBar) error {
	records := make([]barRecord, len(bars))
	for i, b := range bars {
		records[i] = barRecord{
			Date:     b.Date.Format(types.DateLayout),
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			AdjClose: b.AdjClose,
			Volume:   b.Volume,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// filterByDate returns the bars with start <= date <= end.
func filterByDate(bars []types.PriceBar, start, end time.Time) []types.PriceBar {
	filtered := make([]types.PriceBar, 0)
	for _, bar := range bars {
		if !bar.Date.Before(start) && !bar.Date.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}
