package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ohlcv/gridengine/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// AuditStore is a supplementary, append-only record of every fill the
// engine has applied, independent of the JSON state store. It exists to
// answer "what actually happened" after the fact (a reconciliation or
// incident review) even if the JSON snapshot was since overwritten; it
// is never read back into a running strategy.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (or creates) the SQLite database at dbPath in WAL
// mode, per the teacher's store_sqlite.go pattern.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fills (
		order_id       TEXT PRIMARY KEY,
		uid            TEXT NOT NULL,
		pair           TEXT NOT NULL,
		exchange       TEXT NOT NULL,
		level_index    INTEGER NOT NULL,
		trade_side     TEXT NOT NULL,
		price          TEXT NOT NULL,
		amount         TEXT NOT NULL,
		fee            TEXT NOT NULL,
		reported_pnl   TEXT NOT NULL,
		filled_time    INTEGER NOT NULL,
		recorded_time  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fills_uid ON fills(uid);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}

	return &AuditStore{db: db}, nil
}

// Close releases the underlying database handle.
func (a *AuditStore) Close() error { return a.db.Close() }

// RecordFill appends one fill to the audit trail. A duplicate order id
// (the connector redelivering the same fill notification) is silently
// ignored rather than erroring, since the trail is additive-only.
func (a *AuditStore) RecordFill(ctx context.Context, uid, pair, exchange string, level int, side core.TradeSide, price, amount, fee, reportedPnL decimal.Decimal, filledTime time.Time, orderID string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills
			(order_id, uid, pair, exchange, level_index, trade_side, price, amount, fee, reported_pnl, filled_time, recorded_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, orderID, uid, pair, exchange, level, string(side), price.String(), amount.String(), fee.String(), reportedPnL.String(), filledTime.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return &core.PersistenceError{Op: "audit_record_fill", Err: err}
	}
	return nil
}

// FillRecord is one row of the audit trail, decoded back into decimals
// for callers (a reconciliation report or CLI inspection tool).
type FillRecord struct {
	OrderID     string
	UID         string
	Pair        string
	Exchange    string
	Level       int
	TradeSide   core.TradeSide
	Price       decimal.Decimal
	Amount      decimal.Decimal
	Fee         decimal.Decimal
	ReportedPnL decimal.Decimal
	FilledTime  time.Time
}

// FillsForStrategy returns every recorded fill for uid, oldest first.
func (a *AuditStore) FillsForStrategy(ctx context.Context, uid string) ([]FillRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT order_id, uid, pair, exchange, level_index, trade_side, price, amount, fee, reported_pnl, filled_time
		FROM fills WHERE uid = ? ORDER BY filled_time ASC
	`, uid)
	if err != nil {
		return nil, &core.PersistenceError{Op: "audit_query_fills", Err: err}
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var r FillRecord
		var side, price, amount, fee, pnl string
		var filledMS int64
		if err := rows.Scan(&r.OrderID, &r.UID, &r.Pair, &r.Exchange, &r.Level, &side, &price, &amount, &fee, &pnl, &filledMS); err != nil {
			return nil, &core.PersistenceError{Op: "audit_scan_fill", Err: err}
		}
		r.TradeSide = core.TradeSide(side)
		r.Price = core.DecimalOrZero(&price)
		r.Amount = core.DecimalOrZero(&amount)
		r.Fee = core.DecimalOrZero(&fee)
		r.ReportedPnL = core.DecimalOrZero(&pnl)
		r.FilledTime = time.UnixMilli(filledMS)
		out = append(out, r)
	}
	return out, rows.Err()
}
