package data_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newSQLiteStore(t *testing.T) *data.SQLiteStore {
	t.Helper()
	store, err := data.NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "backtest.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sweepKey() types.SweepKey {
	return types.SweepKey{
		Symbol:      "QQQ",
		StartDate:   day0,
		EndDate:     day0.AddDate(1, 0, 0),
		InitialCash: decimal.NewFromInt(10000),
	}
}

func sweepRecord(short, long int, pct string) *types.SweepRecord {
	p := decimal.RequireFromString(pct)
	return &types.SweepRecord{
		SweepKey:           sweepKey(),
		ShortPeriod:        short,
		LongPeriod:         long,
		FinalCash:          decimal.NewFromInt(10000).Add(p.Mul(decimal.NewFromInt(100))),
		TotalReturn:        p.Div(decimal.NewFromInt(100)),
		TotalReturnPercent: p,
		NumTrades:          2,
		CAGR:               decimal.NewNullDecimal(p.Div(decimal.NewFromInt(100))),
		Trades: []types.Trade{
			{Date: day0.AddDate(0, 0, 10), Action: types.TradeActionBuy, Shares: 100, Price: decimal.NewFromInt(100), CashAfter: decimal.Zero, PositionAfter: 100},
			{Date: day0.AddDate(0, 0, 20), Action: types.TradeActionSell, Shares: 100, Price: decimal.NewFromInt(110), CashAfter: decimal.NewFromInt(11000), PositionAfter: 0},
		},
	}
}

func TestSQLiteBars(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	bars := testBars(10)
	n, err := store.UpsertBars(ctx, "qqq", bars)
	if err != nil {
		t.Fatalf("Failed to upsert bars: %v", err)
	}
	if n != 10 {
		t.Errorf("Expected 10 rows written, got %d", n)
	}

	retrieved, err := store.LoadBars(ctx, "QQQ", day0.AddDate(0, 0, 2), day0.AddDate(0, 0, 5))
	if err != nil {
		t.Fatalf("Failed to load bars: %v", err)
	}
	if len(retrieved) != 4 {
		t.Fatalf("Expected 4 bars, got %d", len(retrieved))
	}
	want := bars[2]
	got := retrieved[0]
	if !got.Date.Equal(want.Date) || !got.Close.Equal(want.Close) || !got.AdjClose.Equal(want.AdjClose) || got.Volume != want.Volume {
		t.Errorf("Bar mismatch: expected %+v, got %+v", want, got)
	}

	// Upsert replaces an existing date.
	replaced := bars[2]
	replaced.Close = decimal.RequireFromString("999.99")
	if _, err := store.UpsertBars(ctx, "QQQ", []types.PriceBar{replaced}); err != nil {
		t.Fatalf("Failed to upsert replacement: %v", err)
	}
	retrieved, _ = store.LoadBars(ctx, "QQQ", replaced.Date, replaced.Date)
	if len(retrieved) != 1 || !retrieved[0].Close.Equal(replaced.Close) {
		t.Errorf("Upsert did not replace bar: %+v", retrieved)
	}

	meta, ok, err := store.GetDataRange(ctx, "qqq")
	if err != nil || !ok {
		t.Fatalf("Expected data range, got ok=%v err=%v", ok, err)
	}
	if meta.BarCount != 10 || !meta.EndDate.Equal(day0.AddDate(0, 0, 9)) {
		t.Errorf("Unexpected data range: %+v", meta)
	}

	symbols, err := store.ListSymbols(ctx)
	if err != nil || len(symbols) != 1 || symbols[0] != "QQQ" {
		t.Errorf("Unexpected symbols %v (err %v)", symbols, err)
	}
}

func TestSQLiteEmptyRange(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	bars, err := store.LoadBars(ctx, "NONE", day0, day0.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("Expected empty result, got error: %v", err)
	}
	if len(bars) != 0 {
		t.Errorf("Expected no bars, got %d", len(bars))
	}

	if _, ok, err := store.GetDataRange(ctx, "NONE"); ok || err != nil {
		t.Errorf("Expected no range, got ok=%v err=%v", ok, err)
	}
}

func TestSQLiteSweepRecords(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	for _, rec := range []*types.SweepRecord{
		sweepRecord(3, 10, "5.5"),
		sweepRecord(5, 20, "12.25"),
		sweepRecord(8, 30, "-3"),
	} {
		id, err := store.SaveSweepRecord(ctx, rec)
		if err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}
		if id == 0 || rec.ID != id {
			t.Errorf("Record not tagged with id: %d / %d", id, rec.ID)
		}
	}

	all, err := store.QueryAll(ctx, sweepKey())
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(all))
	}
	if all[0].ShortPeriod != 3 || all[2].LongPeriod != 30 {
		t.Errorf("Records not in insertion order: %+v", all)
	}
	if !all[1].CAGR.Valid || !all[1].CAGR.Decimal.Equal(decimal.RequireFromString("0.1225")) {
		t.Errorf("CAGR not round-tripped: %+v", all[1].CAGR)
	}
	if all[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	best, err := store.QueryBest(ctx, sweepKey(), types.MetricTotalReturnPercent)
	if err != nil {
		t.Fatalf("Failed to query best: %v", err)
	}
	if best == nil || best.ShortPeriod != 5 || best.LongPeriod != 20 {
		t.Fatalf("Unexpected best: %+v", best)
	}
	if len(best.Trades) != 2 || best.Trades[1].Action != types.TradeActionSell || !best.Trades[1].CashAfter.Equal(decimal.NewFromInt(11000)) {
		t.Errorf("Trade log not loaded: %+v", best.Trades)
	}
}

func TestSQLiteKeyIsolation(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	rec := sweepRecord(3, 10, "1")
	if _, err := store.SaveSweepRecord(ctx, rec); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	// Same cash written with trailing zeros still matches.
	key := sweepKey()
	key.InitialCash = decimal.RequireFromString("10000.00")
	if all, _ := store.QueryAll(ctx, key); len(all) != 1 {
		t.Errorf("Expected equal cash to match, got %d records", len(all))
	}

	for name, mutate := range map[string]func(*types.SweepKey){
		"symbol": func(k *types.SweepKey) { k.Symbol = "SPY" },
		"start":  func(k *types.SweepKey) { k.StartDate = k.StartDate.AddDate(0, 0, 1) },
		"end":    func(k *types.SweepKey) { k.EndDate = k.EndDate.AddDate(0, 0, 1) },
		"cash":   func(k *types.SweepKey) { k.InitialCash = decimal.NewFromInt(5000) },
	} {
		k := sweepKey()
		mutate(&k)
		all, err := store.QueryAll(ctx, k)
		if err != nil {
			t.Fatalf("%s: query failed: %v", name, err)
		}
		if len(all) != 0 {
			t.Errorf("%s: expected no records for a different key, got %d", name, len(all))
		}
		best, err := store.QueryBest(ctx, k, types.MetricFinalCash)
		if err != nil || best != nil {
			t.Errorf("%s: expected nil best, got %+v (err %v)", name, best, err)
		}
	}
}

func TestSQLiteSaveRollsBackOnCancel(t *testing.T) {
	store := newSQLiteStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.SaveSweepRecord(ctx, sweepRecord(3, 10, "1")); err == nil {
		t.Fatal("Expected save with a cancelled context to fail")
	}

	all, err := store.QueryAll(context.Background(), sweepKey())
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("Expected nothing persisted, got %d records", len(all))
	}
}

func TestSQLiteRuns(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	run := &types.RunRecord{
		Name:           "buy_and_hold QQQ",
		Strategy:       "buy_and_hold",
		Symbol:         "qqq",
		StartDate:      day0,
		EndDate:        day0.AddDate(0, 6, 0),
		InitialCapital: decimal.NewFromInt(10000),
		FinalCapital:   decimal.RequireFromString("11234.56"),
	}
	id, err := store.SaveRun(ctx, run)
	if err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	loaded, err := store.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("Failed to load run: %v", err)
	}
	if loaded.Symbol != "QQQ" || !loaded.FinalCapital.Equal(run.FinalCapital) || !loaded.EndDate.Equal(run.EndDate) {
		t.Errorf("Run mismatch: %+v", loaded)
	}
	if time.Since(loaded.CreatedAt) > time.Minute {
		t.Errorf("Unexpected created time: %v", loaded.CreatedAt)
	}

	if _, err := store.GetRun(ctx, id+100); !errors.Is(err, data.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
