// Package data_test provides tests for the data stores.
package data_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var day0 = time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)

// testBars returns n consecutive daily bars with rising prices.
func testBars(n int) []types.PriceBar {
	bars := make([]types.PriceBar, n)
	for i := 0; i < n; i++ {
		base := decimal.NewFromInt(int64(100 + i))
		bars[i] = types.PriceBar{
			Date:     day0.AddDate(0, 0, i),
			Open:     base,
			High:     base.Add(decimal.NewFromInt(5)),
			Low:      base.Sub(decimal.NewFromInt(5)),
			Close:    base.Add(decimal.RequireFromString("2.25")),
			AdjClose: base.Add(decimal.RequireFromString("2.2")),
			Volume:   int64(1000 * (i + 1)),
		}
	}
	return bars
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	bars := testBars(10)
	if err := store.SaveBars("qqq", bars); err != nil {
		t.Fatalf("Failed to save bars: %v", err)
	}

	symbols := store.GetAvailableSymbols()
	if len(symbols) != 1 || symbols[0] != "QQQ" {
		t.Errorf("Unexpected symbols: %v", symbols)
	}

	retrieved, err := store.LoadBars(context.Background(), "QQQ", day0, day0.AddDate(0, 0, 9))
	if err != nil {
		t.Fatalf("Failed to load bars: %v", err)
	}
	if len(retrieved) != len(bars) {
		t.Fatalf("Retrieved %d bars, expected %d", len(retrieved), len(bars))
	}
	for i, bar := range retrieved {
		if !bar.Close.Equal(bars[i].Close) || !bar.AdjClose.Equal(bars[i].AdjClose) || !bar.Date.Equal(bars[i].Date) {
			t.Errorf("Bar %d mismatch: expected %+v, got %+v", i, bars[i], bar)
		}
	}
}

func TestFileStoreRangeFiltering(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.SaveBars("SPY", testBars(10)); err != nil {
		t.Fatalf("Failed to save bars: %v", err)
	}

	retrieved, err := store.LoadBars(context.Background(), "SPY", day0.AddDate(0, 0, 3), day0.AddDate(0, 0, 6))
	if err != nil {
		t.Fatalf("Failed to load bars: %v", err)
	}
	if len(retrieved) != 4 {
		t.Fatalf("Expected 4 bars in range, got %d", len(retrieved))
	}
	if !retrieved[0].Date.Equal(day0.AddDate(0, 0, 3)) {
		t.Errorf("First bar date mismatch: %v", retrieved[0].Date)
	}
}

func TestFileStoreUnknownSymbol(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	retrieved, err := store.LoadBars(context.Background(), "NONE", day0, day0.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("Expected empty result, got error: %v", err)
	}
	if len(retrieved) != 0 {
		t.Errorf("Expected empty result, got %d bars", len(retrieved))
	}

	if _, err := store.GetDataRange("NONE"); !errors.Is(err, data.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFileStorePersistence(t *testing.T) {
	dir := t.TempDir()

	store1, err := data.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store 1: %v", err)
	}
	if err := store1.SaveBars("IWM", testBars(3)); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	store2, err := data.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store 2: %v", err)
	}

	meta, err := store2.GetDataRange("iwm")
	if err != nil {
		t.Fatalf("Metadata not persisted: %v", err)
	}
	if meta.BarCount != 3 || !meta.StartDate.Equal(day0) || !meta.EndDate.Equal(day0.AddDate(0, 0, 2)) {
		t.Errorf("Unexpected metadata: %+v", meta)
	}

	retrieved, err := store2.LoadBars(context.Background(), "IWM", day0, day0.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(retrieved) != 3 {
		t.Errorf("Expected 3 persisted bars, got %d", len(retrieved))
	}
	if store2.GetCacheSize() != 1 {
		t.Errorf("Expected 1 cached symbol, got %d", store2.GetCacheSize())
	}
	store2.ClearCache()
	if store2.GetCacheSize() != 0 {
		t.Error("Cache not cleared")
	}
}

func TestFileStoreConcurrentAccess(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.SaveBars("DIA", testBars(5)); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := store.LoadBars(context.Background(), "DIA", day0, day0.AddDate(0, 0, 30)); err != nil {
					t.Errorf("Concurrent load failed: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := store.SaveBars("DIA", testBars(n+j+1)); err != nil {
					t.Errorf("Concurrent save failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestReadBarsJSON(t *testing.T) {
	input := `[
		{"date": "2024-01-03", "open": "11", "high": "12", "low": "10.5", "close": 11.5, "volume": 200},
		{"date": "2024-01-02", "open": 10, "high": "11", "low": "9.5", "close": "10.75", "adjClose": "10.70", "volume": 100}
	]`

	bars, err := data.ReadBarsJSON(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Failed to parse bars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("Expected 2 bars, got %d", len(bars))
	}
	if bars[0].Date.Format(types.DateLayout) != "2024-01-02" {
		t.Errorf("Bars not sorted: first is %v", bars[0].Date)
	}
	if !bars[0].AdjustedClose().Equal(decimal.RequireFromString("10.7")) {
		t.Errorf("Adjusted close mismatch: %s", bars[0].AdjustedClose())
	}
	if !bars[1].AdjustedClose().Equal(decimal.RequireFromString("11.5")) {
		t.Errorf("Missing adjusted close should fall back to close, got %s", bars[1].AdjustedClose())
	}

	var buf bytes.Buffer
	if err := data.WriteBarsJSON(&buf, bars); err != nil {
		t.Fatalf("Failed to write bars: %v", err)
	}
	again, err := data.ReadBarsJSON(&buf)
	if err != nil {
		t.Fatalf("Failed to re-read bars: %v", err)
	}
	if len(again) != 2 || !again[1].Close.Equal(bars[1].Close) {
		t.Errorf("Written bars do not read back: %+v", again)
	}

	if _, err := data.ReadBarsJSON(strings.NewReader(`[{"date": "03/01/2024"}]`)); err == nil {
		t.Error("Expected error for malformed date")
	}
}
