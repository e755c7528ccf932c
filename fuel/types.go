/*
Package fuel provides the core domain model for the station monitoring engine.

PURPOSE:
  This package contains the domain types shared by every component:
  stations, pumps, tanks, tank readings, dispensing transactions, anomalies,
  receipts and rules. It has no dependency on storage or transport — those
  layers depend on this one.

KEY CONCEPTS IN THIS FILE (types.go):
  - TankReading: An immutable periodic measurement of a tank's fuel level
  - Transaction: An immutable record of a dispensing event at a pump
  - Anomaly: A persisted rule violation with an open → ack → resolved lifecycle
  - Liters: decimal-backed volume quantity (never float math on fuel)

DESIGN PRINCIPLES:
  1. Immutability: Readings and transactions are never updated once written
  2. Precision: Uses decimal.Decimal for volumes and money
  3. Weak references: Anomalies reference tanks/pumps/transactions by ID only
  4. Type Safety: Distinct ID types prevent mixing station/tank/pump IDs

SEE ALSO:
  - errors.go: Error taxonomy used across the engine
  - store.go: Persistence interfaces over these types
*/
package fuel

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITIES
// =============================================================================

// Liters is a fuel volume. All level and volume math goes through decimal
// to keep three-decimal-place precision stable across storage round trips.
type Liters = decimal.Decimal

// LitersFromFloat builds a Liters quantity from a float input (API boundary).
func LitersFromFloat(v float64) Liters {
	return decimal.NewFromFloat(v)
}

// MustParseLiters parses a stored decimal string, returning zero on failure.
func MustParseLiters(s string) Liters {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// AmountTolerance is the maximum absolute difference allowed between a
// transaction's total_amount and volume_l × unit_price at write time.
var AmountTolerance = decimal.NewFromFloat(0.01)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StationID string
type PumpID string
type TankID string
type TransactionID string
type ReadingID string
type AnomalyID string
type ReceiptID string

// =============================================================================
// STATION / PUMP / TANK
// =============================================================================

// Station is a physical fuel station. The owner and location metadata are
// carried for display; the engine only routes by ID.
type Station struct {
	ID        StationID
	Name      string
	Code      string
	Timezone  string
	CreatedAt time.Time
}

// PumpStatus is the logical pump state. "maintenance" is set by operators;
// online/offline is derived from heartbeat freshness.
type PumpStatus string

const (
	PumpOnline      PumpStatus = "online"
	PumpOffline     PumpStatus = "offline"
	PumpMaintenance PumpStatus = "maintenance"
)

// Pump dispenses from exactly one tank. TankID is the binding the
// reconciliation engine uses to attribute dispensed volume to a tank.
type Pump struct {
	ID            PumpID
	StationID     StationID
	TankID        TankID
	PumpNumber    int
	FuelType      string
	Status        PumpStatus
	LastHeartbeat *time.Time
	CreatedAt     time.Time
}

// IsOnline reports whether the pump's last heartbeat is within freshness.
// A pump that never sent a heartbeat is offline.
func (p Pump) IsOnline(now time.Time, freshness time.Duration) bool {
	if p.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*p.LastHeartbeat) < freshness
}

// StatusLabel combines the explicit status with heartbeat-derived liveness.
// Maintenance always wins over heartbeat state.
func (p Pump) StatusLabel(now time.Time, freshness time.Duration) PumpStatus {
	if p.Status == PumpMaintenance {
		return PumpMaintenance
	}
	if p.IsOnline(now, freshness) {
		return PumpOnline
	}
	return PumpOffline
}

// Tank is a physical reservoir. CurrentLevel/LastReadAt are a denormalized
// view of the most recent reading, maintained by the reading store.
type Tank struct {
	ID           TankID
	StationID    StationID
	FuelType     string
	CapacityL    Liters
	CurrentLevel Liters
	LastReadAt   *time.Time
	CreatedAt    time.Time
}

// =============================================================================
// TANK READING
// =============================================================================

// ReadingSource records how a level measurement was obtained. Sensor
// readings win tie-breaks against manual and estimated ones.
type ReadingSource string

const (
	SourceSensor    ReadingSource = "sensor"
	SourceManual    ReadingSource = "manual"
	SourceEstimated ReadingSource = "estimated"
)

// sourceRank orders sources for the equal-timestamp tie-break.
func sourceRank(s ReadingSource) int {
	switch s {
	case SourceSensor:
		return 0
	case SourceManual:
		return 1
	default:
		return 2
	}
}

// PreferredReading picks the winner between two readings taken at the same
// instant: sensor over manual over estimated.
func PreferredReading(a, b TankReading) TankReading {
	if sourceRank(b.Source) < sourceRank(a.Source) {
		return b
	}
	return a
}

// TankReading is one level measurement. Immutable once created.
type TankReading struct {
	ID         ReadingID
	TankID     TankID
	LevelL     Liters
	MeasuredAt time.Time
	Source     ReadingSource
	CreatedAt  time.Time
}

// =============================================================================
// TRANSACTION
// =============================================================================

// TxStatus tracks dispensing lifecycle. Only completed transactions count
// toward reconciliation sums.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxVoid      TxStatus = "void"
)

// Transaction is one dispensing event. Immutable once created; TankID is
// derived from the pump's tank binding at write time.
type Transaction struct {
	ID          TransactionID
	StationID   StationID
	PumpID      PumpID
	TankID      TankID
	AttendantID string
	Timestamp   time.Time
	VolumeL     Liters
	UnitPrice   decimal.Decimal
	TotalAmount decimal.Decimal
	Status      TxStatus
	ExternalRef string
	CreatedAt   time.Time
}

// ValidateAmounts enforces the write-time invariants: positive volume,
// non-negative price, and total within tolerance of volume × price.
func (t Transaction) ValidateAmounts() error {
	if !t.VolumeL.IsPositive() {
		return &ValidationError{Field: "volume_l", Message: "must be greater than zero"}
	}
	if t.UnitPrice.IsNegative() {
		return &ValidationError{Field: "unit_price", Message: "must not be negative"}
	}
	if t.TotalAmount.IsNegative() {
		return &ValidationError{Field: "total_amount", Message: "must not be negative"}
	}
	expected := t.VolumeL.Mul(t.UnitPrice)
	if t.TotalAmount.Sub(expected).Abs().GreaterThan(AmountTolerance) {
		return &ValidationError{
			Field:   "total_amount",
			Message: "does not match volume_l × unit_price",
		}
	}
	return nil
}

// =============================================================================
// ANOMALY
// =============================================================================

// Severity is the operator-facing weight of an anomaly.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RuleSlug identifies the rule that produced an anomaly.
type RuleSlug string

const (
	RuleTankMismatch  RuleSlug = "tank_mismatch"
	RuleUnderDispense RuleSlug = "under_dispense"
	RuleRateSpike     RuleSlug = "rate_spike"
	RuleRapidFire     RuleSlug = "rapid_fire"
)

// Anomaly is a persisted rule violation awaiting human review.
//
// Lifecycle: acknowledged and resolved are independent monotonic flags.
// Acknowledging records that an investigator has seen the anomaly; resolving
// is terminal. An anomaly may be resolved without being acknowledged, and may
// still be acknowledged after resolution. Neither flag ever transitions back
// to false; a recurring condition raises a new anomaly.
type Anomaly struct {
	ID        AnomalyID
	StationID StationID

	// Weak references to the origin; any of these may be empty.
	PumpID        PumpID
	TankID        TankID
	TransactionID TransactionID

	Rule     RuleSlug
	Name     string
	Severity Severity
	Score    *float64
	Details  map[string]any

	Acknowledged   bool
	AcknowledgedBy string
	AcknowledgedAt *time.Time

	Resolved   bool
	ResolvedBy string
	ResolvedAt *time.Time

	CreatedAt time.Time
}

// Open reports whether the anomaly still needs attention.
func (a Anomaly) Open() bool { return !a.Resolved }

// =============================================================================
// RULE CONFIGURATION
// =============================================================================

// Rule is a stored, operator-editable configuration row for a rule slug.
// Config is a rule-specific JSON object merged over the rule's defaults.
type Rule struct {
	ID        string
	Slug      RuleSlug
	Name      string
	RuleType  RuleSlug
	Config    map[string]any
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// RECEIPT
// =============================================================================

// Receipt is the server-signed proof of a transaction. Signature covers
// id|transaction_id|station_id|amount|issued_at_unix; Token is
// base64url(id:signature) with padding stripped.
type Receipt struct {
	ID            ReceiptID
	TransactionID TransactionID
	StationID     StationID
	Amount        decimal.Decimal
	IssuedAt      time.Time
	Signature     string
	Token         string
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditAction names an operator- or engine-initiated action worth tracing.
type AuditAction string

const (
	AuditReconcileRequested AuditAction = "tank.reconcile.requested"
	AuditReconcileMismatch  AuditAction = "tank.reconcile.mismatch"
	AuditStationReconcile   AuditAction = "reconcile.station"
	AuditAnomalyCreated     AuditAction = "anomaly.created"
	AuditAnomalyAcked       AuditAction = "anomaly.acknowledged"
	AuditAnomalyResolved    AuditAction = "anomaly.resolved"
	AuditReceiptIssued      AuditAction = "receipt.issued"
)

// AuditEntry is an append-only trace record. Signature is an HMAC over the
// canonical JSON payload for tamper evidence.
type AuditEntry struct {
	ID         string
	ActorID    string
	Action     AuditAction
	TargetType string
	TargetID   string
	Payload    map[string]any
	Signature  string
	CreatedAt  time.Time
}
