/*
Package rules evaluates per-transaction anomaly rules on ingest.

PURPOSE:
  Each rule inspects one freshly written transaction and reports zero or
  more findings. Findings are turned into anomalies by the caller. The
  tank_mismatch rule is NOT here — it is produced by the reconciliation
  engine over reading windows, not per transaction.

RULES:
  under_dispense  transaction volume below a configured minimum
  rate_spike      unit price above multiplier × recent station average
  rapid_fire      too many transactions on one pump in a short window

CONFIGURATION:
  Each rule ships defaults and merges the stored Rule row's config over
  them, so operators tune thresholds without redeploys. A rule whose
  evaluation fails is skipped and logged — a broken rule never aborts
  transaction ingest.

SEE ALSO:
  - fuel/types.go: Rule configuration row
  - anomaly/manager.go: Materializes findings
*/
package rules

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/fuelguard/reconcile-engine/fuel"
)

// =============================================================================
// RULE INTERFACE AND REGISTRY
// =============================================================================

// Finding is one rule hit for a transaction.
type Finding struct {
	Rule     fuel.RuleSlug
	Name     string
	Severity fuel.Severity
	Score    float64
	Details  map[string]any
}

// Rule evaluates one transaction against its configuration.
type Rule interface {
	Slug() fuel.RuleSlug
	Evaluate(ctx context.Context, tx fuel.Transaction, deps Deps, config map[string]any) ([]Finding, error)
}

// Deps is the read surface rules may use.
type Deps struct {
	Transactions fuel.TransactionStore
	Now          func() time.Time
}

// registry maps slugs to built-in rule implementations.
var registry = map[fuel.RuleSlug]Rule{
	fuel.RuleUnderDispense: underDispense{},
	fuel.RuleRateSpike:     rateSpike{},
	fuel.RuleRapidFire:     rapidFire{},
}

// Lookup returns the built-in rule for a slug, or nil.
func Lookup(slug fuel.RuleSlug) Rule { return registry[slug] }

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator runs every enabled stored rule against a transaction.
type Evaluator struct {
	rules fuel.RuleStore
	deps  Deps
	log   zerolog.Logger
}

func NewEvaluator(ruleStore fuel.RuleStore, txStore fuel.TransactionStore, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		rules: ruleStore,
		deps: Deps{
			Transactions: txStore,
			Now:          func() time.Time { return time.Now().UTC() },
		},
		log: log.With().Str("component", "rules").Logger(),
	}
}

// EvaluateTransaction returns all findings across enabled rules. A rule
// that errors is skipped; ingest continues.
func (e *Evaluator) EvaluateTransaction(ctx context.Context, tx fuel.Transaction) []Finding {
	rows, err := e.rules.ListRules(ctx, true)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to load rules; skipping evaluation")
		return nil
	}

	var findings []Finding
	for _, row := range rows {
		impl := Lookup(row.RuleType)
		if impl == nil {
			e.log.Debug().Str("slug", string(row.Slug)).Msg("no implementation for rule; skipping")
			continue
		}
		out, err := impl.Evaluate(ctx, tx, e.deps, row.Config)
		if err != nil {
			e.log.Warn().Err(err).Str("slug", string(row.Slug)).Str("transaction_id", string(tx.ID)).
				Msg("rule evaluation failed; skipping")
			continue
		}
		findings = append(findings, out...)
	}
	return findings
}

// =============================================================================
// CONFIG HELPERS
// =============================================================================

func configFloat(config map[string]any, key string, def float64) float64 {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

func configInt(config map[string]any, key string, def int) int {
	return int(configFloat(config, key, float64(def)))
}

// =============================================================================
// UNDER-DISPENSE
// =============================================================================

// underDispense flags implausibly small dispensing volumes, which usually
// indicate a meter fault or a test pour recorded as a sale.
type underDispense struct{}

func (underDispense) Slug() fuel.RuleSlug { return fuel.RuleUnderDispense }

func (underDispense) Evaluate(_ context.Context, tx fuel.Transaction, _ Deps, config map[string]any) ([]Finding, error) {
	minVolume := decimal.NewFromFloat(configFloat(config, "min_volume_l", 0.1))
	if tx.VolumeL.GreaterThanOrEqual(minVolume) {
		return nil, nil
	}
	return []Finding{{
		Rule:     fuel.RuleUnderDispense,
		Name:     "Under-dispense",
		Severity: fuel.SeverityWarning,
		Score:    configFloat(config, "score", 0.5),
		Details: map[string]any{
			"reason":   "volume_below_min",
			"volume_l": tx.VolumeL.InexactFloat64(),
			"min_l":    minVolume.InexactFloat64(),
		},
	}}, nil
}

// =============================================================================
// RATE SPIKE
// =============================================================================

// rateSpike flags a unit price far above the station's recent average.
type rateSpike struct{}

func (rateSpike) Slug() fuel.RuleSlug { return fuel.RuleRateSpike }

func (rateSpike) Evaluate(ctx context.Context, tx fuel.Transaction, deps Deps, config map[string]any) ([]Finding, error) {
	windowMin := configInt(config, "window_minutes", 60)
	multiplier := decimal.NewFromFloat(configFloat(config, "multiplier", 1.5))

	since := deps.Now().Add(-time.Duration(windowMin) * time.Minute)
	avg, ok, err := deps.Transactions.AvgUnitPriceSince(ctx, tx.StationID, since)
	if err != nil {
		return nil, err
	}
	if !ok || !avg.IsPositive() {
		return nil, nil
	}
	if tx.UnitPrice.LessThanOrEqual(avg.Mul(multiplier)) {
		return nil, nil
	}
	return []Finding{{
		Rule:     fuel.RuleRateSpike,
		Name:     "Rate Spike",
		Severity: fuel.SeverityWarning,
		Score:    0.7,
		Details: map[string]any{
			"reason":     "rate_spike",
			"unit_price": tx.UnitPrice.InexactFloat64(),
			"avg_recent": avg.InexactFloat64(),
			"multiplier": multiplier.InexactFloat64(),
		},
	}}, nil
}

// =============================================================================
// RAPID FIRE
// =============================================================================

// rapidFire flags bursts of transactions on a single pump — a signature of
// replayed or fabricated events.
type rapidFire struct{}

func (rapidFire) Slug() fuel.RuleSlug { return fuel.RuleRapidFire }

func (rapidFire) Evaluate(ctx context.Context, tx fuel.Transaction, deps Deps, config map[string]any) ([]Finding, error) {
	windowSec := configInt(config, "window_seconds", 10)
	threshold := configInt(config, "count_threshold", 3)

	if tx.PumpID == "" {
		return nil, nil
	}
	since := deps.Now().Add(-time.Duration(windowSec) * time.Second)
	count, err := deps.Transactions.CountRecentByPump(ctx, tx.PumpID, since)
	if err != nil {
		return nil, err
	}
	if count < threshold {
		return nil, nil
	}
	return []Finding{{
		Rule:     fuel.RuleRapidFire,
		Name:     "Rapid Fire",
		Severity: fuel.SeverityWarning,
		Score:    0.6,
		Details: map[string]any{
			"reason":         "rapid_fire",
			"recent_count":   count,
			"window_seconds": windowSec,
		},
	}}, nil
}
