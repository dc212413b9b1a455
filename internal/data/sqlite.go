package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ backtester.PriceSource = (*SQLiteStore)(nil)

// upsertBatchSize bounds the rows written per transaction by UpsertBars.
const upsertBatchSize = 500

var schema = []string{
	`CREATE TABLE IF NOT EXISTS prices (
		symbol    TEXT NOT NULL,
		date      TEXT NOT NULL,
		open      TEXT NOT NULL,
		high      TEXT NOT NULL,
		low       TEXT NOT NULL,
		close     TEXT NOT NULL,
		adj_close TEXT NOT NULL DEFAULT '0',
		volume    INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (symbol, date)
	)`,
	`CREATE TABLE IF NOT EXISTS ema_backtests (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol               TEXT NOT NULL,
		short_period         INTEGER NOT NULL,
		long_period          INTEGER NOT NULL,
		start_date           TEXT NOT NULL,
		end_date             TEXT NOT NULL,
		initial_cash         TEXT NOT NULL,
		final_cash           TEXT NOT NULL,
		total_return         TEXT NOT NULL,
		total_return_percent TEXT NOT NULL,
		num_trades           INTEGER NOT NULL,
		cagr                 TEXT,
		created_at           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ema_backtests_key
		ON ema_backtests (symbol, start_date, end_date, initial_cash)`,
	`CREATE TABLE IF NOT EXISTS backtest_trades (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		ema_backtest_id INTEGER NOT NULL REFERENCES ema_backtests(id) ON DELETE CASCADE,
		seq             INTEGER NOT NULL,
		date            TEXT NOT NULL,
		action          TEXT NOT NULL,
		shares          INTEGER NOT NULL,
		price           TEXT NOT NULL,
		cash_after      TEXT NOT NULL,
		position_after  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_trades_parent
		ON backtest_trades (ema_backtest_id, seq)`,
	`CREATE TABLE IF NOT EXISTS backtests (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL,
		strategy        TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		start_date      TEXT NOT NULL,
		end_date        TEXT NOT NULL,
		initial_capital TEXT NOT NULL,
		final_capital   TEXT NOT NULL,
		created_at      TEXT NOT NULL
	)`,
}

// SQLiteStore keeps price bars and backtest results in one SQLite database.
//
// Decimals are stored as TEXT so no precision is lost; ranking happens in Go.
// The pool is limited to a single connection, which serialises writers.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and applies
// the schema.
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	logger.Info("SQLite store opened", zap.String("path", dbPath))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Prices
// ---------------------------------------------------------------------------

// LoadBars returns the bars for symbol with start <= date <= end, ascending.
func (s *SQLiteStore) LoadBars(ctx context.Context, symbol string, start, end time.Time) ([]types.PriceBar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, adj_close, volume
		FROM prices
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		utils.FormatSymbol(symbol), start.Format(types.DateLayout), end.Format(types.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	bars := make([]types.PriceBar, 0)
	for rows.Next() {
		var (
			bar  types.PriceBar
			date string
		)
		if err := rows.Scan(&date, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.AdjClose, &bar.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		if bar.Date, err = time.Parse(types.DateLayout, date); err != nil {
			return nil, fmt.Errorf("invalid stored date %q: %w", date, err)
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// UpsertBars inserts or replaces bars for symbol keyed by date. Rows are
// written in batches, one transaction per batch.
func (s *SQLiteStore) UpsertBars(ctx context.Context, symbol string, bars []types.PriceBar) (int, error) {
	symbol = utils.FormatSymbol(symbol)
	written := 0

	err := utils.BatchProcess(bars, upsertBatchSize, func(batch []types.PriceBar) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO prices (symbol, date, open, high, low, close, adj_close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, date) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, adj_close = excluded.adj_close, volume = excluded.volume`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, b := range batch {
			if _, err := stmt.ExecContext(ctx, symbol, b.Date.Format(types.DateLayout),
				b.Open, b.High, b.Low, b.Close, b.AdjClose, b.Volume); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		written += len(batch)
		return nil
	})
	if err != nil {
		return written, fmt.Errorf("failed to upsert bars for %s: %w", symbol, err)
	}

	s.logger.Debug("Bars upserted", zap.String("symbol", symbol), zap.Int("count", written))
	return written, nil
}

// ListSymbols returns every symbol with stored prices, sorted.
func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM prices ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	symbols := make([]string, 0)
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// GetDataRange returns the stored coverage for symbol. ok is false when the
// symbol has no bars.
func (s *SQLiteStore) GetDataRange(ctx context.Context, symbol string) (meta SymbolMetadata, ok bool, err error) {
	symbol = utils.FormatSymbol(symbol)
	var first, last sql.NullString
	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(date), MAX(date), COUNT(*) FROM prices WHERE symbol = ?`, symbol).
		Scan(&first, &last, &count)
	if err != nil {
		return meta, false, fmt.Errorf("failed to read data range: %w", err)
	}
	if count == 0 {
		return meta, false, nil
	}

	meta = SymbolMetadata{Symbol: symbol, BarCount: count}
	if meta.StartDate, err = time.Parse(types.DateLayout, first.String); err != nil {
		return meta, false, err
	}
	if meta.EndDate, err = time.Parse(types.DateLayout, last.String); err != nil {
		return meta, false, err
	}
	return meta, true, nil
}

// ---------------------------------------------------------------------------
// EMA sweep results
// ---------------------------------------------------------------------------

// SaveSweepRecord inserts the record and its trade log in one transaction
// and returns the new id. Nothing is written if any statement fails.
func (s *SQLiteStore) SaveSweepRecord(ctx context.Context, rec *types.SweepRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ema_backtests (
			symbol, short_period, long_period, start_date, end_date, initial_cash,
			final_cash, total_return, total_return_percent, num_trades, cagr, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		utils.FormatSymbol(rec.Symbol), rec.ShortPeriod, rec.LongPeriod,
		rec.StartDate.Format(types.DateLayout), rec.EndDate.Format(types.DateLayout),
		rec.InitialCash.String(), rec.FinalCash, rec.TotalReturn, rec.TotalReturnPercent,
		rec.NumTrades, rec.CAGR, rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to insert sweep record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep record id: %w", err)
	}

	if len(rec.Trades) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_trades (
				ema_backtest_id, seq, date, action, shares, price, cash_after, position_after
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare trade insert: %w", err)
		}
		defer stmt.Close()

		for i, t := range rec.Trades {
			if _, err := stmt.ExecContext(ctx, id, i, t.Date.Format(types.DateLayout), string(t.Action),
				t.Shares, t.Price, t.CashAfter, t.PositionAfter); err != nil {
				return 0, fmt.Errorf("failed to insert trade %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep record: %w", err)
	}

	rec.ID = id
	return id, nil
}

// QueryAll returns every record stored under key in insertion order. Trade
// logs are not loaded.
func (s *SQLiteStore) QueryAll(ctx context.Context, key types.SweepKey) ([]types.SweepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, short_period, long_period, start_date, end_date, initial_cash,
		       final_cash, total_return, total_return_percent, num_trades, cagr, created_at
		FROM ema_backtests
		WHERE symbol = ? AND start_date = ? AND end_date = ? AND initial_cash = ?
		ORDER BY id ASC`,
		utils.FormatSymbol(key.Symbol), key.StartDate.Format(types.DateLayout),
		key.EndDate.Format(types.DateLayout), key.InitialCash.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep records: %w", err)
	}
	defer rows.Close()

	records := make([]types.SweepRecord, 0)
	for rows.Next() {
		rec, err := scanSweepRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// QueryBest returns the record under key with the highest metric value,
// including its trade log, or nil when the key has no records.
func (s *SQLiteStore) QueryBest(ctx context.Context, key types.SweepKey, metric types.Metric) (*types.SweepRecord, error) {
	records, err := s.QueryAll(ctx, key)
	if err != nil {
		return nil, err
	}

	best := metric.Best(records)
	if best == nil {
		return nil, nil
	}

	if best.Trades, err = s.loadTrades(ctx, best.ID); err != nil {
		return nil, err
	}
	return best, nil
}

func (s *SQLiteStore) loadTrades(ctx context.Context, backtestID int64) ([]types.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, action, shares, price, cash_after, position_after
		FROM backtest_trades
		WHERE ema_backtest_id = ?
		ORDER BY seq ASC`, backtestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]types.Trade, 0)
	for rows.Next() {
		var (
			t            types.Trade
			date, action string
		)
		if err := rows.Scan(&date, &action, &t.Shares, &t.Price, &t.CashAfter, &t.PositionAfter); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if t.Date, err = time.Parse(types.DateLayout, date); err != nil {
			return nil, err
		}
		t.Action = types.TradeAction(action)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSweepRecord(row rowScanner) (types.SweepRecord, error) {
	var (
		rec                   types.SweepRecord
		start, end, createdAt string
		initialCash           string
	)
	if err := row.Scan(&rec.ID, &rec.Symbol, &rec.ShortPeriod, &rec.LongPeriod, &start, &end, &initialCash,
		&rec.FinalCash, &rec.TotalReturn, &rec.TotalReturnPercent, &rec.NumTrades, &rec.CAGR, &createdAt); err != nil {
		return rec, fmt.Errorf("failed to scan sweep record: %w", err)
	}

	var err error
	if rec.StartDate, err = time.Parse(types.DateLayout, start); err != nil {
		return rec, err
	}
	if rec.EndDate, err = time.Parse(types.DateLayout, end); err != nil {
		return rec, err
	}
	if rec.InitialCash, err = decimal.NewFromString(initialCash); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// Single-strategy runs
// ---------------------------------------------------------------------------

// SaveRun persists a single-strategy backtest and returns its id.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *types.RunRecord) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backtests (name, strategy, symbol, start_date, end_date, initial_capital, final_capital, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Name, run.Strategy, utils.FormatSymbol(run.Symbol),
		run.StartDate.Format(types.DateLayout), run.EndDate.Format(types.DateLayout),
		run.InitialCapital, run.FinalCapital, run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to insert backtest: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	run.ID = id
	return id, nil
}

// GetRun loads a persisted single-strategy backtest. It returns ErrNotFound
// for an unknown id.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*types.RunRecord, error) {
	var (
		run                   types.RunRecord
		start, end, createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, strategy, symbol, start_date, end_date, initial_capital, final_capital, created_at
		FROM backtests WHERE id = ?`, id).
		Scan(&run.ID, &run.Name, &run.Strategy, &run.Symbol, &start, &end,
			&run.InitialCapital, &run.FinalCapital, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("backtest %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backtest: %w", err)
	}

	if run.StartDate, err = time.Parse(types.DateLayout, start); err != nil {
		return nil, err
	}
	if run.EndDate, err = time.Parse(types.DateLayout, end); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	return &run, nil
}
