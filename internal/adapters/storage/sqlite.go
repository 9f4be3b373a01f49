package storage

// sqlite.go — persistencia del engine.
//
// Tablas:
//   positions              — ledger de posiciones por token (sobrevive reinicios)
//   legs                   — patas enviadas al venue (local + venue IDs)
//   orphans                — exposición sin cubrir, un registro por par
//   reconciliation_events  — discrepancias local vs venue (append-only)
//   kill_switch            — estado del kill switch (siempre 1 fila)
//   risk_daily             — pnl diario por fecha UTC

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    token_id      TEXT PRIMARY KEY,
    market_id     TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    size          REAL NOT NULL DEFAULT 0,
    avg_cost      REAL NOT NULL DEFAULT 0,
    realized_pnl  REAL NOT NULL DEFAULT 0,
    updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS positions_market ON positions(market_id);

CREATE TABLE IF NOT EXISTS legs (
    id              TEXT PRIMARY KEY,   -- UUID local
    pair_id         TEXT NOT NULL,
    market_id       TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    token_id        TEXT NOT NULL,
    venue_order_id  TEXT NOT NULL DEFAULT '',
    side            TEXT NOT NULL,
    price           REAL NOT NULL,
    size            REAL NOT NULL,
    filled_size     REAL NOT NULL DEFAULT 0,
    avg_fill_price  REAL NOT NULL DEFAULT 0,
    state           TEXT NOT NULL,
    placed_at       DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    reason          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS legs_state ON legs(state);
CREATE INDEX IF NOT EXISTS legs_pair ON legs(pair_id);

CREATE TABLE IF NOT EXISTS orphans (
    pair_id      TEXT PRIMARY KEY,
    market_id    TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    size         REAL NOT NULL,
    unresolved   INTEGER NOT NULL DEFAULT 0,
    opened_at    DATETIME NOT NULL,
    resolved_at  DATETIME,
    resolution   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS orphans_market ON orphans(market_id);

CREATE TABLE IF NOT EXISTS reconciliation_events (
    id         TEXT PRIMARY KEY,
    market_id  TEXT NOT NULL,
    token_id   TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    local      REAL NOT NULL,
    venue      REAL NOT NULL,
    diff       REAL NOT NULL,
    at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS recon_at ON reconciliation_events(at DESC);

CREATE TABLE IF NOT EXISTS kill_switch (
    id          INTEGER PRIMARY KEY DEFAULT 1,
    engaged     INTEGER NOT NULL DEFAULT 0,
    source      TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    engaged_at  DATETIME,
    cleared_at  DATETIME,
    cleared_by  TEXT NOT NULL DEFAULT ''
);

-- Siempre exactamente una fila
INSERT OR IGNORE INTO kill_switch (id) VALUES (1);

CREATE TABLE IF NOT EXISTS risk_daily (
    date            TEXT PRIMARY KEY,   -- YYYY-MM-DD UTC
    realized_pnl    REAL NOT NULL DEFAULT 0,
    unrealized_pnl  REAL NOT NULL DEFAULT 0,
    loss_count      INTEGER NOT NULL DEFAULT 0,
    fill_count      INTEGER NOT NULL DEFAULT 0,
    updated_at      DATETIME NOT NULL
);
`

// SQLiteStorage implementa ports.Store usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close cierra la conexión.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// timePtr convierte un NullTime leído en *time.Time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid || nt.Time.IsZero() {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
