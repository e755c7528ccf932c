/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SCHEMA:
  One canonical field set per resource. The API never accepts alias field
  names; a client sending `level` instead of `level_l` gets a 400.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - server.go: Router setup and middleware
*/
package api

import (
	"time"

	"github.com/fuelguard/reconcile-engine/fanout"
	"github.com/fuelguard/reconcile-engine/fuel"
	"github.com/fuelguard/reconcile-engine/recon"
)

// =============================================================================
// LIST ENVELOPE
// =============================================================================

// ListDTO is the paginated list envelope: {"results": [...], "next": url?}.
type ListDTO struct {
	Results any     `json:"results"`
	Next    *string `json:"next"`
}

// =============================================================================
// STATIONS / PUMPS / TANKS
// =============================================================================

type StationDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	Timezone  string `json:"timezone"`
	CreatedAt string `json:"created_at"`
}

func toStationDTO(s fuel.Station) StationDTO {
	return StationDTO{
		ID:        string(s.ID),
		Name:      s.Name,
		Code:      s.Code,
		Timezone:  s.Timezone,
		CreatedAt: s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type PumpDTO struct {
	ID            string  `json:"id"`
	StationID     string  `json:"station_id"`
	TankID        string  `json:"tank_id"`
	PumpNumber    int     `json:"pump_number"`
	FuelType      string  `json:"fuel_type"`
	Status        string  `json:"status"`
	LastHeartbeat *string `json:"last_heartbeat"`
}

// toPumpDTO renders the heartbeat-derived status label, not the raw column.
func toPumpDTO(p fuel.Pump, now time.Time, freshness time.Duration) PumpDTO {
	dto := PumpDTO{
		ID:         string(p.ID),
		StationID:  string(p.StationID),
		TankID:     string(p.TankID),
		PumpNumber: p.PumpNumber,
		FuelType:   p.FuelType,
		Status:     string(p.StatusLabel(now, freshness)),
	}
	if p.LastHeartbeat != nil {
		s := p.LastHeartbeat.UTC().Format(time.RFC3339)
		dto.LastHeartbeat = &s
	}
	return dto
}

type TankDTO struct {
	ID           string  `json:"id"`
	StationID    string  `json:"station_id"`
	FuelType     string  `json:"fuel_type"`
	CapacityL    float64 `json:"capacity_l"`
	CurrentLevel float64 `json:"current_level"`
	LastReadAt   *string `json:"last_read_at"`
}

func toTankDTO(t fuel.Tank) TankDTO {
	dto := TankDTO{
		ID:           string(t.ID),
		StationID:    string(t.StationID),
		FuelType:     t.FuelType,
		CapacityL:    t.CapacityL.InexactFloat64(),
		CurrentLevel: t.CurrentLevel.InexactFloat64(),
	}
	if t.LastReadAt != nil {
		s := t.LastReadAt.UTC().Format(time.RFC3339)
		dto.LastReadAt = &s
	}
	return dto
}

// =============================================================================
// READINGS
// =============================================================================

type ReadingDTO struct {
	ID         string  `json:"id"`
	TankID     string  `json:"tank_id"`
	LevelL     float64 `json:"level_l"`
	MeasuredAt string  `json:"measured_at"`
	Source     string  `json:"source"`
	CreatedAt  string  `json:"created_at"`
}

func toReadingDTO(r fuel.TankReading) ReadingDTO {
	return ReadingDTO{
		ID:         string(r.ID),
		TankID:     string(r.TankID),
		LevelL:     r.LevelL.InexactFloat64(),
		MeasuredAt: r.MeasuredAt.UTC().Format(time.RFC3339),
		Source:     string(r.Source),
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CreateReadingRequest ingests one tank level measurement.
type CreateReadingRequest struct {
	LevelL     *float64 `json:"level_l"`
	MeasuredAt string   `json:"measured_at"`
	Source     string   `json:"source"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID          string  `json:"id"`
	StationID   string  `json:"station_id"`
	PumpID      string  `json:"pump_id"`
	TankID      string  `json:"tank_id"`
	AttendantID string  `json:"attendant_id,omitempty"`
	Timestamp   string  `json:"timestamp"`
	VolumeL     float64 `json:"volume_l"`
	UnitPrice   float64 `json:"unit_price"`
	TotalAmount float64 `json:"total_amount"`
	Status      string  `json:"status"`
	ExternalRef string  `json:"external_ref,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func toTransactionDTO(tx fuel.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		StationID:   string(tx.StationID),
		PumpID:      string(tx.PumpID),
		TankID:      string(tx.TankID),
		AttendantID: tx.AttendantID,
		Timestamp:   tx.Timestamp.UTC().Format(time.RFC3339),
		VolumeL:     tx.VolumeL.InexactFloat64(),
		UnitPrice:   tx.UnitPrice.InexactFloat64(),
		TotalAmount: tx.TotalAmount.InexactFloat64(),
		Status:      string(tx.Status),
		ExternalRef: tx.ExternalRef,
		CreatedAt:   tx.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CreateTransactionRequest records one dispensing event. tank_id is always
// derived from the pump's tank binding, never taken from the client.
type CreateTransactionRequest struct {
	PumpID      string   `json:"pump_id"`
	AttendantID string   `json:"attendant_id"`
	Timestamp   string   `json:"timestamp"`
	VolumeL     *float64 `json:"volume_l"`
	UnitPrice   *float64 `json:"unit_price"`
	TotalAmount *float64 `json:"total_amount"`
	Status      string   `json:"status"`
	ExternalRef string   `json:"external_ref"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileRequest is the optional body of a tank reconcile. Empty window
// means "latest two readings".
type ReconcileRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	CreateAnomaly *bool  `json:"create_anomaly"`
}

// StationReconcileRequest sweeps every tank of a station.
type StationReconcileRequest struct {
	CreateAnomalies  *bool    `json:"create_anomalies"`
	ThresholdL       *float64 `json:"threshold_l"`
	ThresholdPercent *float64 `json:"threshold_percent"`
}

type ReconcileResultDTO struct {
	TankID         string        `json:"tank_id"`
	T0             ReadingRefDTO `json:"t0"`
	T1             ReadingRefDTO `json:"t1"`
	TotalDispensed float64       `json:"total_dispensed"`
	ExpectedLevel  float64       `json:"expected_level"`
	ActualLevel    float64       `json:"actual_level"`
	DeltaL         float64       `json:"delta_l"`
	DeltaPercent   float64       `json:"delta_percent"`
	Flagged        bool          `json:"flagged"`
	AnomalyID      string        `json:"anomaly_id,omitempty"`
}

type ReadingRefDTO struct {
	ReadingID  string  `json:"reading_id"`
	MeasuredAt string  `json:"measured_at"`
	Level      float64 `json:"level"`
}

func toReconcileResultDTO(r recon.Result, anomalyID fuel.AnomalyID) ReconcileResultDTO {
	return ReconcileResultDTO{
		TankID:         string(r.TankID),
		T0:             toReadingRefDTO(r.T0),
		T1:             toReadingRefDTO(r.T1),
		TotalDispensed: r.TotalDispensed.InexactFloat64(),
		ExpectedLevel:  r.ExpectedLevel.InexactFloat64(),
		ActualLevel:    r.ActualLevel.InexactFloat64(),
		DeltaL:         r.DeltaL.InexactFloat64(),
		DeltaPercent:   r.DeltaPercent.InexactFloat64(),
		Flagged:        r.Flagged,
		AnomalyID:      string(anomalyID),
	}
}

func toReadingRefDTO(ref recon.ReadingRef) ReadingRefDTO {
	return ReadingRefDTO{
		ReadingID:  string(ref.ReadingID),
		MeasuredAt: ref.MeasuredAt.UTC().Format(time.RFC3339),
		Level:      ref.Level.InexactFloat64(),
	}
}

// StationReconcileDTO summarizes a station sweep.
type StationReconcileDTO struct {
	StationID string               `json:"station_id"`
	Results   []ReconcileResultDTO `json:"results"`
	Skipped   []SkippedTankDTO     `json:"skipped"`
}

// SkippedTankDTO reports a tank the sweep could not reconcile.
type SkippedTankDTO struct {
	TankID string `json:"tank_id"`
	Reason string `json:"reason"`
}

// =============================================================================
// ANOMALIES
// =============================================================================

type AnomalyDTO struct {
	ID             string         `json:"id"`
	StationID      string         `json:"station_id"`
	PumpID         string         `json:"pump_id,omitempty"`
	TankID         string         `json:"tank_id,omitempty"`
	TransactionID  string         `json:"transaction_id,omitempty"`
	Rule           string         `json:"rule"`
	Name           string         `json:"name"`
	Severity       string         `json:"severity"`
	Score          *float64       `json:"score"`
	Details        map[string]any `json:"details"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *string        `json:"acknowledged_at"`
	Resolved       bool           `json:"resolved"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolvedAt     *string        `json:"resolved_at"`
	CreatedAt      string         `json:"created_at"`
}

func toAnomalyDTO(a fuel.Anomaly) AnomalyDTO {
	dto := AnomalyDTO{
		ID:             string(a.ID),
		StationID:      string(a.StationID),
		PumpID:         string(a.PumpID),
		TankID:         string(a.TankID),
		TransactionID:  string(a.TransactionID),
		Rule:           string(a.Rule),
		Name:           a.Name,
		Severity:       string(a.Severity),
		Score:          a.Score,
		Details:        a.Details,
		Acknowledged:   a.Acknowledged,
		AcknowledgedBy: a.AcknowledgedBy,
		Resolved:       a.Resolved,
		ResolvedBy:     a.ResolvedBy,
		CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.AcknowledgedAt != nil {
		s := a.AcknowledgedAt.UTC().Format(time.RFC3339)
		dto.AcknowledgedAt = &s
	}
	if a.ResolvedAt != nil {
		s := a.ResolvedAt.UTC().Format(time.RFC3339)
		dto.ResolvedAt = &s
	}
	return dto
}

// LifecycleRequest carries the acting operator for ack/resolve.
type LifecycleRequest struct {
	By string `json:"by"`
}

// =============================================================================
// RECEIPTS
// =============================================================================

type ReceiptDTO struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	StationID     string  `json:"station_id"`
	Amount        float64 `json:"amount"`
	IssuedAt      string  `json:"issued_at"`
	Token         string  `json:"token"`
}

func toReceiptDTO(r fuel.Receipt) ReceiptDTO {
	return ReceiptDTO{
		ID:            string(r.ID),
		TransactionID: string(r.TransactionID),
		StationID:     string(r.StationID),
		Amount:        r.Amount.InexactFloat64(),
		IssuedAt:      r.IssuedAt.UTC().Format(time.RFC3339),
		Token:         r.Token,
	}
}

type GenerateReceiptRequest struct {
	TransactionID string `json:"transaction_id"`
}

type VerifyReceiptRequest struct {
	Token string `json:"token"`
}

type VerifyReceiptDTO struct {
	Valid   bool        `json:"valid"`
	Reason  string      `json:"reason,omitempty"`
	Receipt *ReceiptDTO `json:"receipt,omitempty"`
}

// =============================================================================
// RULES
// =============================================================================

type RuleDTO struct {
	ID        string         `json:"id"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	RuleType  string         `json:"rule_type"`
	Config    map[string]any `json:"config"`
	Enabled   bool           `json:"enabled"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

func toRuleDTO(r fuel.Rule) RuleDTO {
	return RuleDTO{
		ID:        r.ID,
		Slug:      string(r.Slug),
		Name:      r.Name,
		RuleType:  string(r.RuleType),
		Config:    r.Config,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type RuleRequest struct {
	Slug     string         `json:"slug"`
	Name     string         `json:"name"`
	RuleType string         `json:"rule_type"`
	Config   map[string]any `json:"config"`
	Enabled  *bool          `json:"enabled"`
}

// =============================================================================
// EVENTS (WS handshake ack)
// =============================================================================

// connectedEvent is pushed once after a successful WS subscribe.
func connectedEvent(stationID fuel.StationID) fanout.Event {
	return fanout.Event{
		Type:    "connection.established",
		Payload: map[string]any{"station_id": string(stationID)},
	}
}
