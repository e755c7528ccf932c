/*
store.go - Persistence interfaces for readings, transactions and anomalies

PURPOSE:
  Defines the interface between the domain logic and the database. Readings
  and transactions are append-only; anomalies are mutable only in their two
  monotonic lifecycle flags. Different implementations can use SQLite,
  PostgreSQL, or in-memory storage.

KEY INTERFACES:
  ReadingStore:     Tank level measurements (append + time-ordered reads)
  TransactionStore: Dispensing events (append + window aggregate)
  AnomalyStore:     Anomaly rows with compare-and-set lifecycle updates
  Registry:         Stations, pumps, tanks
  SnapshotStore:    Consistent multi-read snapshots for reconciliation

APPEND-ONLY CONTRACT:
  ReadingStore and TransactionStore have no Update or Delete. A bad reading
  is superseded by a newer one; a bad transaction is voided by status at
  write time, never edited.

SNAPSHOT CONTRACT:
  The reconciliation engine reads t0, t1 and the transaction sum for a tank.
  Those three reads MUST observe one consistent state — a transaction
  arriving mid-reconcile must not be half-counted. SnapshotStore.View runs
  the reads inside one storage snapshot (a SQL transaction in SQLite).

IMPLEMENTATIONS:
  - store/sqlite:  Production SQLite
  - store/memory:  In-memory for tests

SEE ALSO:
  - recon/engine.go: Consumer of ReadingStore + TransactionStore
  - anomaly/manager.go: Consumer of AnomalyStore
*/
package fuel

import (
	"context"
	"time"
)

// =============================================================================
// READING STORE
// =============================================================================

// ReadingStore persists tank level measurements. Append-only.
type ReadingStore interface {
	// AppendReading persists a reading and updates the tank's denormalized
	// current level / last-read-at when the reading is the newest.
	AppendReading(ctx context.Context, r TankReading) error

	// ListReadings returns up to limit readings for a tank,
	// most-recent-first by measured_at.
	ListReadings(ctx context.Context, tankID TankID, limit int) ([]TankReading, error)

	// LatestReadings returns the n most recent readings for a tank, newest
	// first. When two readings share a measured_at, the sensor-sourced one
	// is preferred.
	LatestReadings(ctx context.Context, tankID TankID, n int) ([]TankReading, error)

	// ReadingsBracketing returns the newest reading at or before "from" and
	// the newest reading at or before "to", for explicit-window reconciles.
	ReadingsBracketing(ctx context.Context, tankID TankID, from, to time.Time) (t0, t1 *TankReading, err error)
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

// TransactionStore persists dispensing events. Append-only.
type TransactionStore interface {
	// AppendTransaction persists a transaction. Amount invariants are
	// validated before the write. Returns ErrDuplicate when the external
	// reference already exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns one transaction or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// ListTransactionsByPump returns up to limit transactions for a pump,
	// most-recent-first by timestamp.
	ListTransactionsByPump(ctx context.Context, pumpID PumpID, limit int) ([]Transaction, error)

	// SumVolumeInWindow sums volume_l of completed transactions attributed
	// to the tank with t0 <= timestamp < t1. This is the aggregate the
	// reconciliation engine depends on.
	SumVolumeInWindow(ctx context.Context, tankID TankID, t0, t1 time.Time) (Liters, error)

	// CountRecentByPump counts transactions on a pump created since the
	// given instant (rapid-fire rule).
	CountRecentByPump(ctx context.Context, pumpID PumpID, since time.Time) (int, error)

	// AvgUnitPriceSince averages unit_price across a station's transactions
	// since the given instant (rate-spike rule). ok is false when there are
	// no transactions in the window.
	AvgUnitPriceSince(ctx context.Context, stationID StationID, since time.Time) (avg Liters, ok bool, err error)
}

// =============================================================================
// ANOMALY STORE
// =============================================================================

// AnomalyFilter narrows anomaly listings.
type AnomalyFilter struct {
	StationID  StationID
	Rule       RuleSlug
	OnlyOpen   bool
	Limit      int
	Offset     int
}

// AnomalyStore persists anomaly rows. Only the lifecycle flags are mutable,
// and only via the compare-and-set operations below.
type AnomalyStore interface {
	CreateAnomaly(ctx context.Context, a Anomaly) error
	GetAnomaly(ctx context.Context, id AnomalyID) (*Anomaly, error)
	ListAnomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, error)

	// MarkAcknowledged sets acknowledged=true iff it is currently false.
	// Returns (changed=false, nil) when the flag was already set, so
	// concurrent acknowledges are lost-update free.
	MarkAcknowledged(ctx context.Context, id AnomalyID, by string, at time.Time) (changed bool, err error)

	// MarkResolved sets resolved=true iff it is currently false. Terminal.
	MarkResolved(ctx context.Context, id AnomalyID, by string, at time.Time) (changed bool, err error)

	// LatestOpenAnomaly returns the newest unresolved anomaly for a
	// (rule, tank) pair, or nil. Used for the raise cool-down dedup.
	LatestOpenAnomaly(ctx context.Context, rule RuleSlug, tankID TankID) (*Anomaly, error)
}

// =============================================================================
// REGISTRY - Stations, pumps, tanks
// =============================================================================

// Registry stores the physical topology the engine reconciles over.
type Registry interface {
	SaveStation(ctx context.Context, s Station) error
	GetStation(ctx context.Context, id StationID) (*Station, error)
	ListStations(ctx context.Context) ([]Station, error)

	SavePump(ctx context.Context, p Pump) error
	GetPump(ctx context.Context, id PumpID) (*Pump, error)
	ListPumpsByStation(ctx context.Context, stationID StationID) ([]Pump, error)

	// MarkPumpHeartbeat updates last_heartbeat and returns the fresh pump.
	MarkPumpHeartbeat(ctx context.Context, id PumpID, at time.Time) (*Pump, error)

	SaveTank(ctx context.Context, t Tank) error
	GetTank(ctx context.Context, id TankID) (*Tank, error)
	ListTanksByStation(ctx context.Context, stationID StationID) ([]Tank, error)
}

// =============================================================================
// RECEIPTS / RULES / AUDIT
// =============================================================================

// ReceiptStore persists issued receipts. Issue is idempotent per transaction.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, id ReceiptID) (*Receipt, error)
	GetReceiptByTransaction(ctx context.Context, txID TransactionID) (*Receipt, error)
	ListReceipts(ctx context.Context, txID TransactionID, limit int) ([]Receipt, error)
}

// RuleStore persists operator-editable rule configuration rows.
type RuleStore interface {
	SaveRule(ctx context.Context, r Rule) error
	GetRuleBySlug(ctx context.Context, slug RuleSlug) (*Rule, error)
	ListRules(ctx context.Context, enabledOnly bool) ([]Rule, error)
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// =============================================================================
// SNAPSHOT STORE - Consistent reads for reconciliation
// =============================================================================

// SnapshotView is the read surface available inside a consistent snapshot.
type SnapshotView interface {
	ReadingStore
	TransactionStore
	Registry
}

// SnapshotStore runs fn against one consistent view of the data. Concurrent
// writes are either entirely visible or entirely invisible to fn.
type SnapshotStore interface {
	View(ctx context.Context, fn func(SnapshotView) error) error
}

// Store is the full persistence surface the server wires together. The
// SQLite and in-memory implementations both satisfy it.
type Store interface {
	ReadingStore
	TransactionStore
	AnomalyStore
	Registry
	ReceiptStore
	RuleStore
	AuditLog
	SnapshotStore
}
