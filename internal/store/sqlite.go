package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	_ "github.com/mattn/go-sqlite3"

	"mstock-trader/internal/errors"
	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

// SQLiteStore implements TradeStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the trade database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Readers run concurrently; the engine is the only writer.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return store, nil
}

// initSchema creates the base tables. Columns added after the first release
// are left to migrate so old and new databases follow the same path.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT 'NSE',
		action TEXT NOT NULL CHECK(action IN ('BUY', 'SELL')),
		quantity INTEGER NOT NULL,
		price REAL NOT NULL,
		gross_amount REAL NOT NULL,
		brokerage_fee REAL DEFAULT 0,
		stt_fee REAL DEFAULT 0,
		exchange_fee REAL DEFAULT 0,
		gst_fee REAL DEFAULT 0,
		sebi_fee REAL DEFAULT 0,
		stamp_duty_fee REAL DEFAULT 0,
		total_fees REAL DEFAULT 0,
		net_amount REAL NOT NULL,
		reason TEXT,
		pnl_gross REAL,
		pnl_net REAL,
		pnl_pct_net REAL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, timestamp);
	CREATE INDEX IF NOT EXISTS idx_trades_action_ts ON trades(action, timestamp);

	CREATE TABLE IF NOT EXISTS system_control (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

var migrations = []struct {
	column string
	ddl    string
}{
	{"broker", "ALTER TABLE trades ADD COLUMN broker TEXT DEFAULT ''"},
	{"source", "ALTER TABLE trades ADD COLUMN source TEXT DEFAULT 'BOT'"},
	{"rsi", "ALTER TABLE trades ADD COLUMN rsi REAL"},
	{"strategy", "ALTER TABLE trades ADD COLUMN strategy TEXT"},
}

// migrate adds missing columns. Running it twice is a no-op.
func (s *SQLiteStore) migrate() error {
	rows, err := s.db.Query("PRAGMA table_info(trades)")
	if err != nil {
		return err
	}
	existing := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if existing[m.column] {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Trades Methods
// ============================================================================

const tradeColumns = `id, timestamp, symbol, exchange, action, quantity, price, gross_amount,
	brokerage_fee, stt_fee, exchange_fee, gst_fee, sebi_fee, stamp_duty_fee, total_fees, net_amount,
	reason, pnl_gross, pnl_net, pnl_pct_net, broker, source, rsi, strategy`

// paperClause selects simulated or live rows. Legacy rows have no broker.
func paperClause(paper bool) string {
	if paper {
		return "COALESCE(broker, '') = 'PAPER'"
	}
	return "COALESCE(broker, '') != 'PAPER'"
}

// Insert appends a trade. SELLs of bot-tracked instruments are checked
// against the recorded holding inside the same transaction.
func (s *SQLiteStore) Insert(ctx context.Context, t *models.TradeRecord) (int64, error) {
	if t.Quantity <= 0 {
		return 0, errors.NewValidationError("quantity", t.Quantity, "must be positive")
	}
	if t.Action != models.OrderSideBuy && t.Action != models.OrderSideSell {
		return 0, errors.NewValidationError("action", t.Action, "must be BUY or SELL")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	if t.Source == "" {
		t.Source = models.TradeSourceBot
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if t.Action == models.OrderSideSell && t.Source != models.TradeSourceManual {
		var net int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(CASE WHEN action = 'BUY' THEN quantity ELSE -quantity END), 0)
			FROM trades
			WHERE symbol = ? AND exchange = ? AND COALESCE(source, 'BOT') != 'MANUAL' AND `+paperClause(t.IsPaper()),
			t.Symbol, string(t.Exchange)).Scan(&net)
		if err != nil {
			return 0, fmt.Errorf("failed to check holding: %w", err)
		}
		if t.Quantity > net {
			return 0, errors.Wrapf(errors.ErrNegativeHolding, "%s:%s sell %d, held %d", t.Exchange, t.Symbol, t.Quantity, net)
		}
	}

	var pnlGross, pnlNet, pnlPct interface{}
	if t.Action == models.OrderSideSell {
		pnlGross, pnlNet, pnlPct = t.PnLGross, t.PnLNet, t.PnLPctNet
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO trades (timestamp, symbol, exchange, action, quantity, price, gross_amount,
			brokerage_fee, stt_fee, exchange_fee, gst_fee, sebi_fee, stamp_duty_fee, total_fees, net_amount,
			reason, pnl_gross, pnl_net, pnl_pct_net, broker, source, rsi, strategy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Timestamp.UTC(), t.Symbol, string(t.Exchange), string(t.Action), t.Quantity, t.Price, t.Gross,
		t.Fees.Brokerage, t.Fees.STT, t.Fees.Exchange, t.Fees.GST, t.Fees.SEBI, t.Fees.Stamp, t.Fees.Total, t.Net,
		t.Reason, pnlGross, pnlNet, pnlPct, t.Broker, string(t.Source), t.RSI, t.Strategy)
	if err != nil {
		return 0, fmt.Errorf("failed to log trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read trade id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit trade: %w", err)
	}

	t.ID = id
	return id, nil
}

// GetTrades retrieves trades from the database.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, strings.ToUpper(filter.Symbol))
	}
	if filter.Exchange != "" {
		query += " AND exchange = ?"
		args = append(args, string(filter.Exchange))
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, string(filter.Action))
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, filter.Until.UTC())
	}
	if filter.Paper != nil {
		query += " AND " + paperClause(*filter.Paper)
	}

	if filter.Ascending {
		query += " ORDER BY timestamp ASC, id ASC"
	} else {
		query += " ORDER BY timestamp DESC, id DESC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanTrade(rows *sql.Rows) (models.TradeRecord, error) {
	var (
		t                       models.TradeRecord
		exchange, action        string
		reason, broker, source  sql.NullString
		strategy                sql.NullString
		pnlGross, pnlNet, pnlPc sql.NullFloat64
		rsi                     sql.NullFloat64
	)
	err := rows.Scan(&t.ID, &t.Timestamp, &t.Symbol, &exchange, &action, &t.Quantity, &t.Price, &t.Gross,
		&t.Fees.Brokerage, &t.Fees.STT, &t.Fees.Exchange, &t.Fees.GST, &t.Fees.SEBI, &t.Fees.Stamp, &t.Fees.Total, &t.Net,
		&reason, &pnlGross, &pnlNet, &pnlPc, &broker, &source, &rsi, &strategy)
	if err != nil {
		return t, fmt.Errorf("failed to scan trade: %w", err)
	}
	t.Exchange = models.Exchange(exchange)
	t.Action = models.OrderSide(action)
	t.Reason = reason.String
	t.Broker = broker.String
	t.Source = models.TradeSource(source.String)
	if t.Source == "" {
		t.Source = models.TradeSourceBot
	}
	t.Strategy = strategy.String
	t.RSI = rsi.Float64
	t.PnLGross = pnlGross.Float64
	t.PnLNet = pnlNet.Float64
	t.PnLPctNet = pnlPc.Float64
	return t, nil
}

// TodayTrades returns fills since IST midnight of now, oldest first.
func (s *SQLiteStore) TodayTrades(ctx context.Context, paper bool, now time.Time) ([]models.TradeRecord, error) {
	return s.GetTrades(ctx, TradeFilter{Since: utils.StartOfDay(now), Paper: &paper, Ascending: true})
}

// Recent returns the latest fills, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int, paper *bool) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.GetTrades(ctx, TradeFilter{Limit: limit, Paper: paper})
}

// History returns fills from the last days, optionally for one symbol.
func (s *SQLiteStore) History(ctx context.Context, days int, symbol string) ([]models.TradeRecord, error) {
	filter := TradeFilter{Symbol: symbol}
	if days > 0 {
		filter.Since = time.Now().AddDate(0, 0, -days)
	}
	return s.GetTrades(ctx, filter)
}

// ============================================================================
// Positions
// ============================================================================

// OpenPositions returns instruments whose net quantity is positive.
func (s *SQLiteStore) OpenPositions(ctx context.Context, paper bool) ([]models.OpenPosition, error) {
	return s.openPositions(ctx, paper, time.Time{})
}

// OpenPositionsBefore returns positions built from fills before t.
func (s *SQLiteStore) OpenPositionsBefore(ctx context.Context, paper bool, t time.Time) ([]models.OpenPosition, error) {
	return s.openPositions(ctx, paper, t)
}

func (s *SQLiteStore) openPositions(ctx context.Context, paper bool, before time.Time) ([]models.OpenPosition, error) {
	query := `SELECT symbol, exchange, action, quantity, price FROM trades
		WHERE COALESCE(source, 'BOT') != 'MANUAL' AND ` + paperClause(paper)
	args := []interface{}{}
	if !before.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, before.UTC())
	}
	query += " ORDER BY timestamp ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	book := newLotBook()
	for rows.Next() {
		var (
			symbol, exchange, action string
			qty                      int
			price                    float64
		)
		if err := rows.Scan(&symbol, &exchange, &action, &qty, &price); err != nil {
			return nil, fmt.Errorf("failed to scan position row: %w", err)
		}
		book.apply(models.NewKey(symbol, models.Exchange(exchange)), models.OrderSide(action), qty, price)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return book.open(), nil
}

// LastBuyPrice returns the price of the most recent BUY of key.
func (s *SQLiteStore) LastBuyPrice(ctx context.Context, key models.Key, paper bool) (float64, bool, error) {
	var price float64
	err := s.db.QueryRowContext(ctx, `
		SELECT price FROM trades
		WHERE symbol = ? AND exchange = ? AND action = 'BUY' AND `+paperClause(paper)+`
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`, key.Symbol, string(key.Exchange)).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query last buy: %w", err)
	}
	return price, true, nil
}

// ============================================================================
// Performance
// ============================================================================

// PerformanceSummary aggregates SELL rows from the last days (all time when
// days is not positive).
func (s *SQLiteStore) PerformanceSummary(ctx context.Context, days int) (*models.PerformanceSummary, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN pnl_net > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pnl_net < 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pnl_gross), 0),
			COALESCE(SUM(total_fees), 0),
			COALESCE(SUM(pnl_net), 0)
		FROM trades WHERE action = 'SELL'`
	args := []interface{}{}
	if days > 0 {
		query += " AND timestamp >= ?"
		args = append(args, time.Now().AddDate(0, 0, -days).UTC())
	}

	ps := &models.PerformanceSummary{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&ps.TotalTrades, &ps.WinningTrades, &ps.LosingTrades, &ps.GrossProfit, &ps.TotalFees, &ps.NetProfit)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise performance: %w", err)
	}

	if ps.TotalTrades > 0 {
		ps.WinRate = utils.Round2(float64(ps.WinningTrades) / float64(ps.TotalTrades) * 100)
		ps.AvgProfitPerTrade = utils.Round2(ps.NetProfit / float64(ps.TotalTrades))
	}
	ps.GrossProfit = utils.Round2(ps.GrossProfit)
	ps.TotalFees = utils.Round2(ps.TotalFees)
	ps.NetProfit = utils.Round2(ps.NetProfit)
	return ps, nil
}

// RealizedPnLSince sums net P&L of SELLs at or after since.
func (s *SQLiteStore) RealizedPnLSince(ctx context.Context, since time.Time, paper bool) (float64, error) {
	var pnl float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pnl_net), 0) FROM trades
		WHERE action = 'SELL' AND timestamp >= ? AND `+paperClause(paper),
		since.UTC()).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realised pnl: %w", err)
	}
	return pnl, nil
}

// ============================================================================
// System Control
// ============================================================================

// SetControl upserts a system_control value.
func (s *SQLiteStore) SetControl(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_control (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set control %s: %w", key, err)
	}
	return nil
}

// GetControl reads a system_control value.
func (s *SQLiteStore) GetControl(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_control WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get control %s: %w", key, err)
	}
	return value.String, true, nil
}

// ============================================================================
// Export
// ============================================================================

type csvTrade struct {
	ID        int64   `csv:"id"`
	Timestamp string  `csv:"timestamp"`
	Symbol    string  `csv:"symbol"`
	Exchange  string  `csv:"exchange"`
	Action    string  `csv:"action"`
	Quantity  int     `csv:"quantity"`
	Price     float64 `csv:"price"`
	Gross     float64 `csv:"gross_amount"`
	TotalFees float64 `csv:"total_fees"`
	Net       float64 `csv:"net_amount"`
	PnLNet    float64 `csv:"pnl_net"`
	Strategy  string  `csv:"strategy"`
	Reason    string  `csv:"reason"`
	Broker    string  `csv:"broker"`
	Source    string  `csv:"source"`
	RSI       float64 `csv:"rsi"`
}

// ExportCSV writes every trade, oldest first, as CSV.
func (s *SQLiteStore) ExportCSV(ctx context.Context, w io.Writer) error {
	trades, err := s.GetTrades(ctx, TradeFilter{Ascending: true})
	if err != nil {
		return err
	}
	rows := make([]csvTrade, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, csvTrade{
			ID:        t.ID,
			Timestamp: utils.IST(t.Timestamp).Format(time.DateTime),
			Symbol:    t.Symbol,
			Exchange:  string(t.Exchange),
			Action:    string(t.Action),
			Quantity:  t.Quantity,
			Price:     t.Price,
			Gross:     t.Gross,
			TotalFees: t.Fees.Total,
			Net:       t.Net,
			PnLNet:    t.PnLNet,
			Strategy:  t.Strategy,
			Reason:    t.Reason,
			Broker:    t.Broker,
			Source:    string(t.Source),
			RSI:       t.RSI,
		})
	}
	return gocsv.Marshal(rows, w)
}

var _ TradeStore = (*SQLiteStore)(nil)
