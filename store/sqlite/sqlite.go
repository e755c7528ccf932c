/*
Package sqlite provides the SQLite-backed implementation of fuel.Store.

PURPOSE:
  Implements every persistence interface (readings, transactions, anomalies,
  registry, receipts, rules, audit) using SQLite. In production, the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on readings, transactions or audit_log
  - Corrections arrive as newer readings / void-status transactions
  - Anomalies are mutable only in their two lifecycle flags, and only via
    compare-and-set UPDATEs guarded on the current flag value

KEY TABLES:
  readings:      Immutable tank level measurements
  transactions:  Immutable dispensing events
  anomalies:     Rule violations with monotonic ack/resolve flags
  stations/pumps/tanks: Physical topology
  receipts:      Signed transaction receipts
  rules:         Operator-editable rule configuration
  audit_log:     Append-only signed trace

INDEXES:
  - idx_readings_tank_measured: t0/t1 lookups (reconcile hot path)
  - idx_transactions_tank_ts:   window sums (reconcile hot path)
  - idx_transactions_pump_created: rapid-fire counts
  - idx_anomalies_rule_tank:    cool-down dedup lookups

SNAPSHOT CONTRACT:
  View runs its callback inside a single SQL transaction so the t0/t1
  readings and the dispensed sum observe one consistent state.

CONCURRENCY:
  Uses sync.RWMutex on top of WAL mode. Multiple readers don't block;
  a single writer at a time; better crash recovery.

TIMESTAMPS:
  Stored as fixed-width UTC text with nanosecond precision so that
  lexicographic ORDER BY matches chronological order even for
  sub-second spacing.

USAGE:
  store, err := sqlite.New("./data/fuelguard.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - fuel/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/fuelguard/reconcile-engine/fuel"
)

// timeLayout is fixed-width so stored strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// queryer lets the same helpers run against *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements fuel.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to :memory: would get its own empty database,
	// so pin in-memory stores to a single connection.
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Stations
	CREATE TABLE IF NOT EXISTS stations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		created_at TEXT NOT NULL
	);

	-- Pumps (each bound to exactly one tank)
	CREATE TABLE IF NOT EXISTS pumps (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		pump_number INTEGER NOT NULL,
		fuel_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pumps_station ON pumps(station_id);

	-- Tanks (current_level / last_read_at denormalized from readings)
	CREATE TABLE IF NOT EXISTS tanks (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		fuel_type TEXT NOT NULL,
		capacity_l TEXT NOT NULL,
		current_level TEXT NOT NULL DEFAULT '0',
		last_read_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tanks_station ON tanks(station_id);

	-- Readings (append-only)
	CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		tank_id TEXT NOT NULL,
		level_l TEXT NOT NULL,
		measured_at TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'sensor',
		created_at TEXT NOT NULL
	);

	-- Reconcile hot path: latest-two and bracketing lookups
	CREATE INDEX IF NOT EXISTS idx_readings_tank_measured
		ON readings(tank_id, measured_at DESC);

	-- Transactions (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		pump_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		attendant_id TEXT,
		timestamp TEXT NOT NULL,
		volume_l TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'completed',
		external_ref TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_ref
		ON transactions(external_ref) WHERE external_ref IS NOT NULL AND external_ref != '';

	-- Reconcile hot path: window sums per tank
	CREATE INDEX IF NOT EXISTS idx_transactions_tank_ts
		ON transactions(tank_id, timestamp);

	-- Rapid-fire counts
	CREATE INDEX IF NOT EXISTS idx_transactions_pump_created
		ON transactions(pump_id, created_at DESC);

	CREATE INDEX IF NOT EXISTS idx_transactions_station_ts
		ON transactions(station_id, timestamp DESC);

	-- Anomalies (lifecycle flags mutable, everything else frozen)
	CREATE TABLE IF NOT EXISTS anomalies (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		pump_id TEXT,
		tank_id TEXT,
		transaction_id TEXT,
		rule TEXT NOT NULL,
		name TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'warning',
		score REAL,
		details_json TEXT,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT,
		acknowledged_at TEXT,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_by TEXT,
		resolved_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_anomalies_station
		ON anomalies(station_id, created_at DESC);

	-- Cool-down dedup lookups
	CREATE INDEX IF NOT EXISTS idx_anomalies_rule_tank
		ON anomalies(rule, tank_id, created_at DESC)
		WHERE resolved = 0;

	-- Receipts (one per transaction)
	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL UNIQUE,
		station_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		signature TEXT NOT NULL,
		token TEXT NOT NULL
	);

	-- Rule configuration
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		payload_json TEXT,
		signature TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_target
		ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READING STORE
// =============================================================================

// AppendReading persists a reading and refreshes the tank's denormalized
// current level when the reading is the newest seen for that tank.
func (s *Store) AppendReading(ctx context.Context, r fuel.TankReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendReading(ctx, s.db, r)
}

func appendReading(ctx context.Context, q queryer, r fuel.TankReading) error {
	var exists int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM tanks WHERE id = ?", string(r.TankID)).Scan(&exists)
	if err != nil {
		return wrapStorage("check tank", err)
	}
	if exists == 0 {
		return fuel.ErrTankNotFound
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO readings (id, tank_id, level_l, measured_at, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.TankID), r.LevelL.String(),
		fmtTime(r.MeasuredAt), string(r.Source), fmtTime(r.CreatedAt),
	)
	if err != nil {
		return wrapStorage("append reading", err)
	}

	// Refresh the denormalized view only when this reading is the newest.
	_, err = q.ExecContext(ctx, `
		UPDATE tanks SET current_level = ?, last_read_at = ?
		WHERE id = ? AND (last_read_at IS NULL OR last_read_at <= ?)`,
		r.LevelL.String(), fmtTime(r.MeasuredAt), string(r.TankID), fmtTime(r.MeasuredAt),
	)
	if err != nil {
		return wrapStorage("refresh tank level", err)
	}
	return nil
}

const readingCols = "id, tank_id, level_l, measured_at, source, created_at"

// sourceRankSQL orders sensor before manual before estimated for the
// equal-timestamp tie-break.
const sourceRankSQL = `CASE source WHEN 'sensor' THEN 0 WHEN 'manual' THEN 1 ELSE 2 END`

func (s *Store) ListReadings(ctx context.Context, tankID fuel.TankID, limit int) ([]fuel.TankReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listReadings(ctx, s.db, tankID, limit)
}

func listReadings(ctx context.Context, q queryer, tankID fuel.TankID, limit int) ([]fuel.TankReading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+readingCols+` FROM readings
		WHERE tank_id = ?
		ORDER BY measured_at DESC, `+sourceRankSQL+` ASC, created_at DESC
		LIMIT ?`,
		string(tankID), limit,
	)
	if err != nil {
		return nil, wrapStorage("list readings", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

func (s *Store) LatestReadings(ctx context.Context, tankID fuel.TankID, n int) ([]fuel.TankReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listReadings(ctx, s.db, tankID, n)
}

func (s *Store) ReadingsBracketing(ctx context.Context, tankID fuel.TankID, from, to time.Time) (*fuel.TankReading, *fuel.TankReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return readingsBracketing(ctx, s.db, tankID, from, to)
}

func readingsBracketing(ctx context.Context, q queryer, tankID fuel.TankID, from, to time.Time) (*fuel.TankReading, *fuel.TankReading, error) {
	t0, err := newestAtOrBefore(ctx, q, tankID, from)
	if err != nil {
		return nil, nil, err
	}
	t1, err := newestAtOrBefore(ctx, q, tankID, to)
	if err != nil {
		return nil, nil, err
	}
	return t0, t1, nil
}

func newestAtOrBefore(ctx context.Context, q queryer, tankID fuel.TankID, at time.Time) (*fuel.TankReading, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+readingCols+` FROM readings
		WHERE tank_id = ? AND measured_at <= ?
		ORDER BY measured_at DESC, `+sourceRankSQL+` ASC, created_at DESC
		LIMIT 1`,
		string(tankID), fmtTime(at),
	)
	if err != nil {
		return nil, wrapStorage("bracket reading", err)
	}
	defer rows.Close()

	list, err := scanReadings(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	r := list[0]
	return &r, nil
}

func scanReadings(rows *sql.Rows) ([]fuel.TankReading, error) {
	var out []fuel.TankReading
	for rows.Next() {
		var (
			r                                  fuel.TankReading
			id, tankID, level, measured, src   string
			created                            string
		)
		if err := rows.Scan(&id, &tankID, &level, &measured, &src, &created); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.ID = fuel.ReadingID(id)
		r.TankID = fuel.TankID(tankID)
		r.LevelL = fuel.MustParseLiters(level)
		r.MeasuredAt = parseTime(measured)
		r.Source = fuel.ReadingSource(src)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

const txCols = `id, station_id, pump_id, tank_id, attendant_id, timestamp,
	volume_l, unit_price, total_amount, status, external_ref, created_at`

// AppendTransaction persists a dispensing event after re-checking the
// amount invariants. A duplicate external_ref returns ErrDuplicate.
func (s *Store) AppendTransaction(ctx context.Context, tx fuel.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx)
}

func appendTransaction(ctx context.Context, q queryer, tx fuel.Transaction) error {
	if err := tx.ValidateAmounts(); err != nil {
		return err
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, station_id, pump_id, tank_id, attendant_id, timestamp,
		 volume_l, unit_price, total_amount, status, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.StationID), string(tx.PumpID), string(tx.TankID),
		tx.AttendantID, fmtTime(tx.Timestamp),
		tx.VolumeL.String(), tx.UnitPrice.String(), tx.TotalAmount.String(),
		string(tx.Status), tx.ExternalRef, fmtTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fuel.ErrDuplicate
		}
		return wrapStorage("append transaction", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id fuel.TransactionID) (*fuel.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q queryer, id fuel.TransactionID) (*fuel.Transaction, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+txCols+" FROM transactions WHERE id = ?", string(id))
	if err != nil {
		return nil, wrapStorage("get transaction", err)
	}
	defer rows.Close()

	list, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fuel.ErrTransactionNotFound
	}
	tx := list[0]
	return &tx, nil
}

func (s *Store) ListTransactionsByPump(ctx context.Context, pumpID fuel.PumpID, limit int) ([]fuel.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txCols+` FROM transactions
		WHERE pump_id = ?
		ORDER BY timestamp DESC, created_at DESC
		LIMIT ?`,
		string(pumpID), limit,
	)
	if err != nil {
		return nil, wrapStorage("list transactions", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// SumVolumeInWindow sums completed volumes with t0 <= timestamp < t1.
// Summation happens in Go with decimal so precision never degrades.
func (s *Store) SumVolumeInWindow(ctx context.Context, tankID fuel.TankID, t0, t1 time.Time) (fuel.Liters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumVolumeInWindow(ctx, s.db, tankID, t0, t1)
}

func sumVolumeInWindow(ctx context.Context, q queryer, tankID fuel.TankID, t0, t1 time.Time) (fuel.Liters, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT volume_l FROM transactions
		WHERE tank_id = ? AND status = 'completed'
		  AND timestamp >= ? AND timestamp < ?`,
		string(tankID), fmtTime(t0), fmtTime(t1),
	)
	if err != nil {
		return decimal.Zero, wrapStorage("sum volume", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan volume: %w", err)
		}
		total = total.Add(fuel.MustParseLiters(v))
	}
	return total, rows.Err()
}

func (s *Store) CountRecentByPump(ctx context.Context, pumpID fuel.PumpID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countRecentByPump(ctx, s.db, pumpID, since)
}

func countRecentByPump(ctx context.Context, q queryer, pumpID fuel.PumpID, since time.Time) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE pump_id = ? AND created_at >= ?`,
		string(pumpID), fmtTime(since),
	).Scan(&count)
	if err != nil {
		return 0, wrapStorage("count recent", err)
	}
	return count, nil
}

func (s *Store) AvgUnitPriceSince(ctx context.Context, stationID fuel.StationID, since time.Time) (fuel.Liters, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return avgUnitPriceSince(ctx, s.db, stationID, since)
}

func avgUnitPriceSince(ctx context.Context, q queryer, stationID fuel.StationID, since time.Time) (fuel.Liters, bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT unit_price FROM transactions
		WHERE station_id = ? AND timestamp >= ?`,
		string(stationID), fmtTime(since),
	)
	if err != nil {
		return decimal.Zero, false, wrapStorage("avg unit price", err)
	}
	defer rows.Close()

	sum, n := decimal.Zero, 0
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, false, fmt.Errorf("failed to scan unit price: %w", err)
		}
		sum = sum.Add(fuel.MustParseLiters(v))
		n++
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, false, err
	}
	if n == 0 {
		return decimal.Zero, false, nil
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true, nil
}

func scanTransactions(rows *sql.Rows) ([]fuel.Transaction, error) {
	var out []fuel.Transaction
	for rows.Next() {
		var (
			tx                                fuel.Transaction
			id, stationID, pumpID, tankID     string
			attendant, ts, vol, price, total  string
			status                            string
			externalRef                       sql.NullString
			created                           string
		)
		err := rows.Scan(&id, &stationID, &pumpID, &tankID, &attendant, &ts,
			&vol, &price, &total, &status, &externalRef, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.ID = fuel.TransactionID(id)
		tx.StationID = fuel.StationID(stationID)
		tx.PumpID = fuel.PumpID(pumpID)
		tx.TankID = fuel.TankID(tankID)
		tx.AttendantID = attendant
		tx.Timestamp = parseTime(ts)
		tx.VolumeL = fuel.MustParseLiters(vol)
		tx.UnitPrice = fuel.MustParseLiters(price)
		tx.TotalAmount = fuel.MustParseLiters(total)
		tx.Status = fuel.TxStatus(status)
		tx.ExternalRef = externalRef.String
		tx.CreatedAt = parseTime(created)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// =============================================================================
// ANOMALY STORE
// =============================================================================

const anomalyCols = `id, station_id, pump_id, tank_id, transaction_id, rule, name,
	severity, score, details_json, acknowledged, acknowledged_by, acknowledged_at,
	resolved, resolved_by, resolved_at, created_at`

func (s *Store) CreateAnomaly(ctx context.Context, a fuel.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	detailsJSON, _ := json.Marshal(a.Details)
	var score any
	if a.Score != nil {
		score = *a.Score
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies
		(id, station_id, pump_id, tank_id, transaction_id, rule, name,
		 severity, score, details_json, acknowledged, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		string(a.ID), string(a.StationID), string(a.PumpID), string(a.TankID),
		string(a.TransactionID), string(a.Rule), a.Name,
		string(a.Severity), score, string(detailsJSON), fmtTime(a.CreatedAt),
	)
	if err != nil {
		return wrapStorage("create anomaly", err)
	}
	return nil
}

func (s *Store) GetAnomaly(ctx context.Context, id fuel.AnomalyID) (*fuel.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+anomalyCols+" FROM anomalies WHERE id = ?", string(id))
	if err != nil {
		return nil, wrapStorage("get anomaly", err)
	}
	defer rows.Close()

	list, err := scanAnomalies(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fuel.ErrAnomalyNotFound
	}
	a := list[0]
	return &a, nil
}

func (s *Store) ListAnomalies(ctx context.Context, f fuel.AnomalyFilter) ([]fuel.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + anomalyCols + " FROM anomalies WHERE 1=1"
	var args []any
	if f.StationID != "" {
		query += " AND station_id = ?"
		args = append(args, string(f.StationID))
	}
	if f.Rule != "" {
		query += " AND rule = ?"
		args = append(args, string(f.Rule))
	}
	if f.OnlyOpen {
		query += " AND resolved = 0"
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("list anomalies", err)
	}
	defer rows.Close()
	return scanAnomalies(rows)
}

// MarkAcknowledged flips acknowledged exactly once. The WHERE guard makes
// concurrent acknowledges race-free: only one caller sees changed=true.
func (s *Store) MarkAcknowledged(ctx context.Context, id fuel.AnomalyID, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE anomalies SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0`,
		by, fmtTime(at), string(id),
	)
	if err != nil {
		return false, wrapStorage("acknowledge anomaly", err)
	}
	return s.casOutcome(ctx, res, id)
}

// MarkResolved flips resolved exactly once. Terminal.
func (s *Store) MarkResolved(ctx context.Context, id fuel.AnomalyID, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE anomalies SET resolved = 1, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		by, fmtTime(at), string(id),
	)
	if err != nil {
		return false, wrapStorage("resolve anomaly", err)
	}
	return s.casOutcome(ctx, res, id)
}

// casOutcome distinguishes "already set" from "no such anomaly" when the
// guarded UPDATE touched no rows.
func (s *Store) casOutcome(ctx context.Context, res sql.Result, id fuel.AnomalyID) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM anomalies WHERE id = ?", string(id)).Scan(&count); err != nil {
		return false, wrapStorage("check anomaly", err)
	}
	if count == 0 {
		return false, fuel.ErrAnomalyNotFound
	}
	return false, nil
}

func (s *Store) LatestOpenAnomaly(ctx context.Context, rule fuel.RuleSlug, tankID fuel.TankID) (*fuel.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+anomalyCols+` FROM anomalies
		WHERE rule = ? AND tank_id = ? AND resolved = 0
		ORDER BY created_at DESC
		LIMIT 1`,
		string(rule), string(tankID),
	)
	if err != nil {
		return nil, wrapStorage("latest open anomaly", err)
	}
	defer rows.Close()

	list, err := scanAnomalies(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	a := list[0]
	return &a, nil
}

func scanAnomalies(rows *sql.Rows) ([]fuel.Anomaly, error) {
	var out []fuel.Anomaly
	for rows.Next() {
		var (
			a                            fuel.Anomaly
			id, stationID, rule, name    string
			pumpID, tankID, txID         sql.NullString
			severity                     string
			score                        sql.NullFloat64
			detailsJSON                  sql.NullString
			acked, resolved              int
			ackedBy, resolvedBy          sql.NullString
			ackedAt, resolvedAt          sql.NullString
			created                      string
		)
		err := rows.Scan(&id, &stationID, &pumpID, &tankID, &txID, &rule, &name,
			&severity, &score, &detailsJSON, &acked, &ackedBy, &ackedAt,
			&resolved, &resolvedBy, &resolvedAt, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.ID = fuel.AnomalyID(id)
		a.StationID = fuel.StationID(stationID)
		a.PumpID = fuel.PumpID(pumpID.String)
		a.TankID = fuel.TankID(tankID.String)
		a.TransactionID = fuel.TransactionID(txID.String)
		a.Rule = fuel.RuleSlug(rule)
		a.Name = name
		a.Severity = fuel.Severity(severity)
		if score.Valid {
			v := score.Float64
			a.Score = &v
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			json.Unmarshal([]byte(detailsJSON.String), &a.Details)
		}
		a.Acknowledged = acked == 1
		a.AcknowledgedBy = ackedBy.String
		if ackedAt.Valid {
			t := parseTime(ackedAt.String)
			a.AcknowledgedAt = &t
		}
		a.Resolved = resolved == 1
		a.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			t := parseTime(resolvedAt.String)
			a.ResolvedAt = &t
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// REGISTRY - Stations, pumps, tanks
// =============================================================================

func (s *Store) SaveStation(ctx context.Context, st fuel.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stations (id, name, code, timezone, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, code = excluded.code,
			timezone = excluded.timezone`,
		string(st.ID), st.Name, st.Code, st.Timezone, fmtTime(st.CreatedAt),
	)
	if err != nil {
		return wrapStorage("save station", err)
	}
	return nil
}

func (s *Store) GetStation(ctx context.Context, id fuel.StationID) (*fuel.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getStation(ctx, s.db, id)
}

func getStation(ctx context.Context, q queryer, id fuel.StationID) (*fuel.Station, error) {
	var (
		st       fuel.Station
		sid      string
		created  string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, name, code, timezone, created_at FROM stations WHERE id = ?",
		string(id),
	).Scan(&sid, &st.Name, &st.Code, &st.Timezone, &created)
	if err == sql.ErrNoRows {
		return nil, fuel.ErrStationNotFound
	}
	if err != nil {
		return nil, wrapStorage("get station", err)
	}
	st.ID = fuel.StationID(sid)
	st.CreatedAt = parseTime(created)
	return &st, nil
}

func (s *Store) ListStations(ctx context.Context) ([]fuel.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listStations(ctx, s.db)
}

func listStations(ctx context.Context, q queryer) ([]fuel.Station, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, name, code, timezone, created_at FROM stations ORDER BY code")
	if err != nil {
		return nil, wrapStorage("list stations", err)
	}
	defer rows.Close()

	var out []fuel.Station
	for rows.Next() {
		var (
			st           fuel.Station
			id, created  string
		)
		if err := rows.Scan(&id, &st.Name, &st.Code, &st.Timezone, &created); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		st.ID = fuel.StationID(id)
		st.CreatedAt = parseTime(created)
		out = append(out, st)
	}
	return out, rows.Err()
}

const pumpCols = "id, station_id, tank_id, pump_number, fuel_type, status, last_heartbeat, created_at"

func (s *Store) SavePump(ctx context.Context, p fuel.Pump) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hb any
	if p.LastHeartbeat != nil {
		hb = fmtTime(*p.LastHeartbeat)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pumps (id, station_id, tank_id, pump_number, fuel_type, status, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tank_id = excluded.tank_id,
			pump_number = excluded.pump_number, fuel_type = excluded.fuel_type,
			status = excluded.status`,
		string(p.ID), string(p.StationID), string(p.TankID), p.PumpNumber,
		p.FuelType, string(p.Status), hb, fmtTime(p.CreatedAt),
	)
	if err != nil {
		return wrapStorage("save pump", err)
	}
	return nil
}

func (s *Store) GetPump(ctx context.Context, id fuel.PumpID) (*fuel.Pump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPump(ctx, s.db, id)
}

func getPump(ctx context.Context, q queryer, id fuel.PumpID) (*fuel.Pump, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+pumpCols+" FROM pumps WHERE id = ?", string(id))
	if err != nil {
		return nil, wrapStorage("get pump", err)
	}
	defer rows.Close()

	list, err := scanPumps(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fuel.ErrPumpNotFound
	}
	p := list[0]
	return &p, nil
}

func (s *Store) ListPumpsByStation(ctx context.Context, stationID fuel.StationID) ([]fuel.Pump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPumpsByStation(ctx, s.db, stationID)
}

func listPumpsByStation(ctx context.Context, q queryer, stationID fuel.StationID) ([]fuel.Pump, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+pumpCols+" FROM pumps WHERE station_id = ? ORDER BY pump_number",
		string(stationID))
	if err != nil {
		return nil, wrapStorage("list pumps", err)
	}
	defer rows.Close()
	return scanPumps(rows)
}

func (s *Store) MarkPumpHeartbeat(ctx context.Context, id fuel.PumpID, at time.Time) (*fuel.Pump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE pumps SET last_heartbeat = ? WHERE id = ?",
		fmtTime(at), string(id))
	if err != nil {
		return nil, wrapStorage("pump heartbeat", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, fuel.ErrPumpNotFound
	}
	return getPump(ctx, s.db, id)
}

func scanPumps(rows *sql.Rows) ([]fuel.Pump, error) {
	var out []fuel.Pump
	for rows.Next() {
		var (
			p                     fuel.Pump
			id, stID, tankID      string
			status                string
			hb                    sql.NullString
			created               string
		)
		err := rows.Scan(&id, &stID, &tankID, &p.PumpNumber, &p.FuelType,
			&status, &hb, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pump: %w", err)
		}
		p.ID = fuel.PumpID(id)
		p.StationID = fuel.StationID(stID)
		p.TankID = fuel.TankID(tankID)
		p.Status = fuel.PumpStatus(status)
		if hb.Valid {
			t := parseTime(hb.String)
			p.LastHeartbeat = &t
		}
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

const tankCols = "id, station_id, fuel_type, capacity_l, current_level, last_read_at, created_at"

func (s *Store) SaveTank(ctx context.Context, t fuel.Tank) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastRead any
	if t.LastReadAt != nil {
		lastRead = fmtTime(*t.LastReadAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tanks (id, station_id, fuel_type, capacity_l, current_level, last_read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET fuel_type = excluded.fuel_type,
			capacity_l = excluded.capacity_l`,
		string(t.ID), string(t.StationID), t.FuelType,
		t.CapacityL.String(), t.CurrentLevel.String(), lastRead, fmtTime(t.CreatedAt),
	)
	if err != nil {
		return wrapStorage("save tank", err)
	}
	return nil
}

func (s *Store) GetTank(ctx context.Context, id fuel.TankID) (*fuel.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTank(ctx, s.db, id)
}

func getTank(ctx context.Context, q queryer, id fuel.TankID) (*fuel.Tank, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+tankCols+" FROM tanks WHERE id = ?", string(id))
	if err != nil {
		return nil, wrapStorage("get tank", err)
	}
	defer rows.Close()

	list, err := scanTanks(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fuel.ErrTankNotFound
	}
	t := list[0]
	return &t, nil
}

func (s *Store) ListTanksByStation(ctx context.Context, stationID fuel.StationID) ([]fuel.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTanksByStation(ctx, s.db, stationID)
}

func listTanksByStation(ctx context.Context, q queryer, stationID fuel.StationID) ([]fuel.Tank, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+tankCols+" FROM tanks WHERE station_id = ? ORDER BY fuel_type",
		string(stationID))
	if err != nil {
		return nil, wrapStorage("list tanks", err)
	}
	defer rows.Close()
	return scanTanks(rows)
}

func scanTanks(rows *sql.Rows) ([]fuel.Tank, error) {
	var out []fuel.Tank
	for rows.Next() {
		var (
			t                       fuel.Tank
			id, stID                string
			capacity, level         string
			lastRead                sql.NullString
			created                 string
		)
		err := rows.Scan(&id, &stID, &t.FuelType, &capacity, &level, &lastRead, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tank: %w", err)
		}
		t.ID = fuel.TankID(id)
		t.StationID = fuel.StationID(stID)
		t.CapacityL = fuel.MustParseLiters(capacity)
		t.CurrentLevel = fuel.MustParseLiters(level)
		if lastRead.Valid {
			at := parseTime(lastRead.String)
			t.LastReadAt = &at
		}
		t.CreatedAt = parseTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// RECEIPTS
// =============================================================================

const receiptCols = "id, transaction_id, station_id, amount, issued_at, signature, token"

func (s *Store) SaveReceipt(ctx context.Context, r fuel.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, transaction_id, station_id, amount, issued_at, signature, token)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.TransactionID), string(r.StationID),
		r.Amount.String(), fmtTime(r.IssuedAt), r.Signature, r.Token,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fuel.ErrDuplicate
		}
		return wrapStorage("save receipt", err)
	}
	return nil
}

func (s *Store) GetReceipt(ctx context.Context, id fuel.ReceiptID) (*fuel.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiptBy(ctx, "id", string(id))
}

func (s *Store) GetReceiptByTransaction(ctx context.Context, txID fuel.TransactionID) (*fuel.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiptBy(ctx, "transaction_id", string(txID))
}

func (s *Store) receiptBy(ctx context.Context, col, val string) (*fuel.Receipt, error) {
	var (
		r                    fuel.Receipt
		id, txID, stID       string
		amount, issued       string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT "+receiptCols+" FROM receipts WHERE "+col+" = ?", val,
	).Scan(&id, &txID, &stID, &amount, &issued, &r.Signature, &r.Token)
	if err == sql.ErrNoRows {
		return nil, fuel.ErrReceiptNotFound
	}
	if err != nil {
		return nil, wrapStorage("get receipt", err)
	}
	r.ID = fuel.ReceiptID(id)
	r.TransactionID = fuel.TransactionID(txID)
	r.StationID = fuel.StationID(stID)
	r.Amount = fuel.MustParseLiters(amount)
	r.IssuedAt = parseTime(issued)
	return &r, nil
}

func (s *Store) ListReceipts(ctx context.Context, txID fuel.TransactionID, limit int) ([]fuel.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + receiptCols + " FROM receipts"
	var args []any
	if txID != "" {
		query += " WHERE transaction_id = ?"
		args = append(args, string(txID))
	}
	query += " ORDER BY issued_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("list receipts", err)
	}
	defer rows.Close()

	var out []fuel.Receipt
	for rows.Next() {
		var (
			r                 fuel.Receipt
			id, tID, stID     string
			amount, issued    string
		)
		if err := rows.Scan(&id, &tID, &stID, &amount, &issued, &r.Signature, &r.Token); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.ID = fuel.ReceiptID(id)
		r.TransactionID = fuel.TransactionID(tID)
		r.StationID = fuel.StationID(stID)
		r.Amount = fuel.MustParseLiters(amount)
		r.IssuedAt = parseTime(issued)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// RULES
// =============================================================================

const ruleCols = "id, slug, name, rule_type, config_json, enabled, created_at, updated_at"

func (s *Store) SaveRule(ctx context.Context, r fuel.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, _ := json.Marshal(r.Config)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (id, slug, name, rule_type, config_json, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET name = excluded.name,
			rule_type = excluded.rule_type, config_json = excluded.config_json,
			enabled = excluded.enabled, updated_at = excluded.updated_at`,
		r.ID, string(r.Slug), r.Name, string(r.RuleType), string(configJSON),
		boolInt(r.Enabled), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	if err != nil {
		return wrapStorage("save rule", err)
	}
	return nil
}

func (s *Store) GetRuleBySlug(ctx context.Context, slug fuel.RuleSlug) (*fuel.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ruleCols+" FROM rules WHERE slug = ?", string(slug))
	if err != nil {
		return nil, wrapStorage("get rule", err)
	}
	defer rows.Close()

	list, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fuel.ErrRuleNotFound
	}
	r := list[0]
	return &r, nil
}

func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]fuel.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + ruleCols + " FROM rules"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY slug"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapStorage("list rules", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]fuel.Rule, error) {
	var out []fuel.Rule
	for rows.Next() {
		var (
			r                  fuel.Rule
			slug, ruleType     string
			configJSON         string
			enabled            int
			created, updated   string
		)
		err := rows.Scan(&r.ID, &slug, &r.Name, &ruleType, &configJSON,
			&enabled, &created, &updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Slug = fuel.RuleSlug(slug)
		r.RuleType = fuel.RuleSlug(ruleType)
		if configJSON != "" {
			json.Unmarshal([]byte(configJSON), &r.Config)
		}
		r.Enabled = enabled == 1
		r.CreatedAt = parseTime(created)
		r.UpdatedAt = parseTime(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e fuel.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, _ := json.Marshal(e.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, action, target_type, target_id, payload_json, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ActorID, string(e.Action), e.TargetType, e.TargetID,
		string(payloadJSON), e.Signature, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return wrapStorage("append audit", err)
	}
	return nil
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// View runs fn inside one SQL transaction, so the reads it performs
// observe a single consistent state.
func (s *Store) View(ctx context.Context, fn func(fuel.SnapshotView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return wrapStorage("begin snapshot", err)
	}
	defer tx.Rollback()

	if err := fn(&snapshotView{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// snapshotView serves the read surface from inside one SQL transaction.
type snapshotView struct {
	tx *sql.Tx
}

func (v *snapshotView) AppendReading(ctx context.Context, r fuel.TankReading) error {
	return appendReading(ctx, v.tx, r)
}

func (v *snapshotView) ListReadings(ctx context.Context, tankID fuel.TankID, limit int) ([]fuel.TankReading, error) {
	return listReadings(ctx, v.tx, tankID, limit)
}

func (v *snapshotView) LatestReadings(ctx context.Context, tankID fuel.TankID, n int) ([]fuel.TankReading, error) {
	return listReadings(ctx, v.tx, tankID, n)
}

func (v *snapshotView) ReadingsBracketing(ctx context.Context, tankID fuel.TankID, from, to time.Time) (*fuel.TankReading, *fuel.TankReading, error) {
	return readingsBracketing(ctx, v.tx, tankID, from, to)
}

func (v *snapshotView) AppendTransaction(ctx context.Context, tx fuel.Transaction) error {
	return appendTransaction(ctx, v.tx, tx)
}

func (v *snapshotView) GetTransaction(ctx context.Context, id fuel.TransactionID) (*fuel.Transaction, error) {
	return getTransaction(ctx, v.tx, id)
}

func (v *snapshotView) ListTransactionsByPump(ctx context.Context, pumpID fuel.PumpID, limit int) ([]fuel.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := v.tx.QueryContext(ctx, `
		SELECT `+txCols+` FROM transactions
		WHERE pump_id = ?
		ORDER BY timestamp DESC, created_at DESC
		LIMIT ?`,
		string(pumpID), limit,
	)
	if err != nil {
		return nil, wrapStorage("list transactions", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (v *snapshotView) SumVolumeInWindow(ctx context.Context, tankID fuel.TankID, t0, t1 time.Time) (fuel.Liters, error) {
	return sumVolumeInWindow(ctx, v.tx, tankID, t0, t1)
}

func (v *snapshotView) CountRecentByPump(ctx context.Context, pumpID fuel.PumpID, since time.Time) (int, error) {
	return countRecentByPump(ctx, v.tx, pumpID, since)
}

func (v *snapshotView) AvgUnitPriceSince(ctx context.Context, stationID fuel.StationID, since time.Time) (fuel.Liters, bool, error) {
	return avgUnitPriceSince(ctx, v.tx, stationID, since)
}

func (v *snapshotView) SaveStation(ctx context.Context, st fuel.Station) error {
	return fmt.Errorf("save station: read-only snapshot")
}

func (v *snapshotView) GetStation(ctx context.Context, id fuel.StationID) (*fuel.Station, error) {
	return getStation(ctx, v.tx, id)
}

func (v *snapshotView) ListStations(ctx context.Context) ([]fuel.Station, error) {
	return listStations(ctx, v.tx)
}

func (v *snapshotView) SavePump(ctx context.Context, p fuel.Pump) error {
	return fmt.Errorf("save pump: read-only snapshot")
}

func (v *snapshotView) GetPump(ctx context.Context, id fuel.PumpID) (*fuel.Pump, error) {
	return getPump(ctx, v.tx, id)
}

func (v *snapshotView) ListPumpsByStation(ctx context.Context, stationID fuel.StationID) ([]fuel.Pump, error) {
	return listPumpsByStation(ctx, v.tx, stationID)
}

func (v *snapshotView) MarkPumpHeartbeat(ctx context.Context, id fuel.PumpID, at time.Time) (*fuel.Pump, error) {
	return nil, fmt.Errorf("pump heartbeat: read-only snapshot")
}

func (v *snapshotView) SaveTank(ctx context.Context, t fuel.Tank) error {
	return fmt.Errorf("save tank: read-only snapshot")
}

func (v *snapshotView) GetTank(ctx context.Context, id fuel.TankID) (*fuel.Tank, error) {
	return getTank(ctx, v.tx, id)
}

func (v *snapshotView) ListTanksByStation(ctx context.Context, stationID fuel.StationID) ([]fuel.Tank, error) {
	return listTanksByStation(ctx, v.tx, stationID)
}

// =============================================================================
// HELPERS
// =============================================================================

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrapStorage marks lock/busy failures as transient so callers can retry.
func wrapStorage(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return &fuel.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
