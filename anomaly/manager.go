/*
Package anomaly manages the anomaly lifecycle: raise → acknowledge → resolve.

PURPOSE:
  Turns rule violations into persistent Anomaly rows and guards the two
  monotonic lifecycle flags. Acknowledge records that an investigator has
  seen the anomaly; resolve is terminal. Neither flag ever goes back to
  false — a recurring condition raises a NEW anomaly.

CONCURRENCY:
  Flag updates are compare-and-set at the store level, so two operators
  clicking acknowledge at the same moment produce exactly one state change
  and both receive acknowledged=true.

DEDUP:
  Raise is NOT idempotent by itself. RaiseDeduped suppresses a new anomaly
  when an unresolved one for the same (rule, tank) pair exists within the
  cool-down window, preventing floods from a persistent discrepancy.

SEE ALSO:
  - fuel/store.go: AnomalyStore compare-and-set contract
  - recon/engine.go: Producer of tank_mismatch raises
*/
package anomaly

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fuelguard/reconcile-engine/fuel"
)

// DefaultCooldown suppresses duplicate raises for a (rule, tank) pair.
const DefaultCooldown = 30 * time.Minute

// Manager owns anomaly rows and their lifecycle.
type Manager struct {
	store    fuel.AnomalyStore
	audit    fuel.AuditLog
	cooldown time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewManager creates a manager with the given cool-down. A zero cooldown
// disables raise dedup entirely.
func NewManager(store fuel.AnomalyStore, audit fuel.AuditLog, cooldown time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		audit:    audit,
		cooldown: cooldown,
		log:      log.With().Str("component", "anomaly").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Raise parameters. Refs are weak — the anomaly only stores the IDs.
type RaiseInput struct {
	Rule          fuel.RuleSlug
	Name          string
	Severity      fuel.Severity
	Score         *float64
	Details       map[string]any
	StationID     fuel.StationID
	TankID        fuel.TankID
	PumpID        fuel.PumpID
	TransactionID fuel.TransactionID
}

// Raise creates a new anomaly row. No dedup: callers wanting
// at-most-one-open-anomaly-per-condition use RaiseDeduped.
func (m *Manager) Raise(ctx context.Context, in RaiseInput) (*fuel.Anomaly, error) {
	now := m.now()
	a := fuel.Anomaly{
		ID:            fuel.AnomalyID(uuid.NewString()),
		StationID:     in.StationID,
		TankID:        in.TankID,
		PumpID:        in.PumpID,
		TransactionID: in.TransactionID,
		Rule:          in.Rule,
		Name:          in.Name,
		Severity:      in.Severity,
		Score:         in.Score,
		Details:       in.Details,
		CreatedAt:     now,
	}
	if err := m.store.CreateAnomaly(ctx, a); err != nil {
		return nil, err
	}

	m.auditBestEffort(ctx, fuel.AuditEntry{
		Action:     fuel.AuditAnomalyCreated,
		TargetType: "Anomaly",
		TargetID:   string(a.ID),
		Payload:    map[string]any{"rule": string(a.Rule), "severity": string(a.Severity)},
	})

	m.log.Info().
		Str("anomaly_id", string(a.ID)).
		Str("rule", string(a.Rule)).
		Str("severity", string(a.Severity)).
		Msg("anomaly raised")
	return &a, nil
}

// RaiseDeduped applies the cool-down policy before raising. Returns
// (existing, false, nil) when a recent unresolved anomaly suppressed the
// raise, (created, true, nil) otherwise.
func (m *Manager) RaiseDeduped(ctx context.Context, in RaiseInput) (*fuel.Anomaly, bool, error) {
	if m.cooldown > 0 && in.TankID != "" {
		open, err := m.store.LatestOpenAnomaly(ctx, in.Rule, in.TankID)
		if err != nil {
			return nil, false, err
		}
		if open != nil && m.now().Sub(open.CreatedAt) < m.cooldown {
			m.log.Debug().
				Str("anomaly_id", string(open.ID)).
				Str("rule", string(in.Rule)).
				Str("tank_id", string(in.TankID)).
				Msg("raise suppressed by cool-down")
			return open, false, nil
		}
	}
	a, err := m.Raise(ctx, in)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// Acknowledge sets acknowledged=true. Idempotent: acknowledging an already
// acknowledged anomaly returns the current state without error. A resolved
// anomaly may still be acknowledged retroactively.
func (m *Manager) Acknowledge(ctx context.Context, id fuel.AnomalyID, by string) (*fuel.Anomaly, error) {
	changed, err := m.store.MarkAcknowledged(ctx, id, by, m.now())
	if err != nil {
		return nil, err
	}
	a, err := m.store.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fuel.ErrAnomalyNotFound
	}

	if changed {
		m.auditBestEffort(ctx, fuel.AuditEntry{
			ActorID:    by,
			Action:     fuel.AuditAnomalyAcked,
			TargetType: "Anomaly",
			TargetID:   string(id),
			Payload:    map[string]any{"by": by},
		})
	}
	return a, nil
}

// Resolve sets resolved=true. Terminal and idempotent: resolving twice
// yields the same state with no error, and nothing ever unsets the flag.
func (m *Manager) Resolve(ctx context.Context, id fuel.AnomalyID, by string) (*fuel.Anomaly, error) {
	changed, err := m.store.MarkResolved(ctx, id, by, m.now())
	if err != nil {
		return nil, err
	}
	a, err := m.store.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fuel.ErrAnomalyNotFound
	}

	if changed {
		m.auditBestEffort(ctx, fuel.AuditEntry{
			ActorID:    by,
			Action:     fuel.AuditAnomalyResolved,
			TargetType: "Anomaly",
			TargetID:   string(id),
			Payload:    map[string]any{"by": by},
		})
	}
	return a, nil
}

// audit failures never fail the operation that produced them.
func (m *Manager) auditBestEffort(ctx context.Context, e fuel.AuditEntry) {
	if m.audit == nil {
		return
	}
	e.ID = uuid.NewString()
	e.CreatedAt = m.now()
	if err := m.audit.AppendAudit(ctx, e); err != nil {
		m.log.Warn().Err(err).Str("action", string(e.Action)).Msg("audit write failed")
	}
}
