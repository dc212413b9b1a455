package data

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
)

var _ backtester.PriceSource = (*ParquetStore)(nil)

// ParquetStore keeps daily bars in Parquet files, one per symbol and year:
//
//	<DataDir>/daily/<SYMBOL>/<YYYY>.parquet
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// BarRecord is the Parquet schema for daily bar data. Prices are kept as
// decimal strings.
type BarRecord struct {
	Symbol    string `parquet:"symbol"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms, UTC midnight
	Open      string `parquet:"open"`
	High      string `parquet:"high"`
	Low       string `parquet:"low"`
	Close     string `parquet:"close"`
	AdjClose  string `parquet:"adj_close,optional"`
	Volume    int64  `parquet:"volume"`
}

// WriteBars merges bars into the symbol's yearly files. Incoming bars
// replace stored bars with the same date.
func (s *ParquetStore) WriteBars(_ context.Context, symbol string, bars []types.PriceBar) error {
	symbol = utils.FormatSymbol(symbol)

	groups := make(map[int][]BarRecord)
	for _, b := range bars {
		year := b.Date.Year()
		groups[year] = append(groups[year], toBarRecord(symbol, b))
	}

	for year, records := range groups {
		path := s.barPath(symbol, year)

		existing, _ := readParquetFile[BarRecord](path)
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w", symbol, year, err)
		}
	}
	return nil
}

// LoadBars reads the bars for symbol within [start, end], ascending.
func (s *ParquetStore) LoadBars(_ context.Context, symbol string, start, end time.Time) ([]types.PriceBar, error) {
	symbol = utils.FormatSymbol(symbol)

	bars := make([]types.PriceBar, 0)
	for year := start.Year(); year <= end.Year(); year++ {
		path := s.barPath(symbol, year)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		for _, r := range records {
			bar, err := fromBarRecord(r)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
			if !bar.Date.Before(start) && !bar.Date.After(end) {
				bars = append(bars, bar)
			}
		}
	}
	return bars, nil
}

// ListSymbols lists all symbols that have bar data.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, "daily"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ReadParquetBars reads every bar in a standalone Parquet file written with
// the BarRecord schema, sorted by date.
func ReadParquetBars(path string) ([]types.PriceBar, error) {
	records, err := readParquetFile[BarRecord](path)
	if err != nil {
		return nil, err
	}

	bars := make([]types.PriceBar, 0, len(records))
	for _, r := range records {
		bar, err := fromBarRecord(r)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

// WriteParquetBars writes bars to a standalone Parquet file.
func WriteParquetBars(path, symbol string, bars []types.PriceBar) error {
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = toBarRecord(utils.FormatSymbol(symbol), b)
	}
	return writeParquetFile(path, records)
}

func (s *ParquetStore) barPath(symbol string, year int) string {
	return filepath.Join(s.DataDir, "daily", strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

func toBarRecord(symbol string, b types.PriceBar) BarRecord {
	rec := BarRecord{
		Symbol:    symbol,
		Timestamp: utils.TruncateToDate(b.Date).UnixMilli(),
		Open:      b.Open.String(),
		High:      b.High.String(),
		Low:       b.Low.String(),
		Close:     b.Close.String(),
		Volume:    b.Volume,
	}
	if !b.AdjClose.IsZero() {
		rec.AdjClose = b.AdjClose.String()
	}
	return rec
}

func fromBarRecord(r BarRecord) (types.PriceBar, error) {
	bar := types.PriceBar{
		Date:   time.UnixMilli(r.Timestamp).UTC(),
		Volume: r.Volume,
	}

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&bar.Open, r.Open},
		{&bar.High, r.High},
		{&bar.Low, r.Low},
		{&bar.Close, r.Close},
		{&bar.AdjClose, r.AdjClose},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return bar, fmt.Errorf("bar %s: %w", bar.Date.Format(types.DateLayout), err)
		}
		*f.dst = v
	}
	return bar, nil
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates records by timestamp, preferring incoming
// records over existing ones.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	seen := make(map[int64]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
