/*
Package recon implements the tank/transaction reconciliation engine.

PURPOSE:
  Computes expected vs. actual fuel level for a tank over a window bracketed
  by two readings, and reports the discrepancy. Purely computational: the
  engine never writes — the caller (an HTTP handler or the sweep scheduler)
  decides whether a flagged result becomes an anomaly.

ALGORITHM:
  t0 = earlier reading, t1 = later reading
  total_dispensed = Σ volume_l of completed transactions on the tank's
                    pumps with t0.measured_at <= timestamp < t1.measured_at
  expected_level  = t0.level_l − total_dispensed
  delta_l         = expected_level − t1.level_l
  delta_percent   = 100 × delta_l / max(t0.level_l, 1)
  flagged         = |delta_percent| > percent threshold
                    OR |delta_l| > liter threshold

  A negative delta_l (actual above expected, e.g. an undocumented refill)
  is reported as-is, never clamped.

CONSISTENCY:
  The three reads (t0, t1, transaction sum) run inside one storage snapshot
  so a transaction landing mid-reconcile is never half-counted.

DENOMINATOR:
  delta_percent uses t0.level_l, not tank capacity. The choice is fixed
  here and documented in DESIGN.md; every consumer sees the same convention.

SEE ALSO:
  - fuel/store.go: SnapshotStore contract
  - anomaly/manager.go: Materializes flagged results
*/
package recon

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fuelguard/reconcile-engine/fuel"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Thresholds control when a discrepancy is flagged.
type Thresholds struct {
	// DeltaPercent flags when |delta_percent| exceeds it. Default 2.0.
	DeltaPercent decimal.Decimal
	// DeltaLiters flags when |delta_l| exceeds it. Default 50 L.
	DeltaLiters decimal.Decimal
}

// DefaultThresholds returns the stock 2% / 50 L thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DeltaPercent: decimal.NewFromInt(2),
		DeltaLiters:  decimal.NewFromInt(50),
	}
}

// Window is an optional explicit reconcile window. When nil, the engine
// uses the tank's two most recent readings.
type Window struct {
	From time.Time
	To   time.Time
}

// =============================================================================
// RESULT
// =============================================================================

// ReadingRef identifies one bracketing reading in a result.
type ReadingRef struct {
	ReadingID  fuel.ReadingID
	MeasuredAt time.Time
	Level      fuel.Liters
}

// Result is the full outcome of one tank reconciliation. It carries
// everything an anomaly's details payload needs.
type Result struct {
	TankID         fuel.TankID
	StationID      fuel.StationID
	T0             ReadingRef
	T1             ReadingRef
	TotalDispensed fuel.Liters
	ExpectedLevel  fuel.Liters
	ActualLevel    fuel.Liters
	DeltaL         fuel.Liters
	DeltaPercent   decimal.Decimal
	Flagged        bool
	RanAt          time.Time
}

// Details renders the result as the tank_mismatch anomaly details payload.
func (r Result) Details() map[string]any {
	return map[string]any{
		"tank_id": string(r.TankID),
		"t0": map[string]any{
			"reading_id":  string(r.T0.ReadingID),
			"measured_at": r.T0.MeasuredAt.UTC().Format(time.RFC3339),
			"level":       r.T0.Level.InexactFloat64(),
		},
		"t1": map[string]any{
			"reading_id":  string(r.T1.ReadingID),
			"measured_at": r.T1.MeasuredAt.UTC().Format(time.RFC3339),
			"level":       r.T1.Level.InexactFloat64(),
		},
		"total_dispensed": r.TotalDispensed.InexactFloat64(),
		"expected_level":  r.ExpectedLevel.InexactFloat64(),
		"actual_level":    r.ActualLevel.InexactFloat64(),
		"delta_l":         r.DeltaL.InexactFloat64(),
		"delta_percent":   r.DeltaPercent.InexactFloat64(),
		"flagged":         r.Flagged,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine computes reconciliation results against a snapshot-capable store.
type Engine struct {
	store      fuel.SnapshotStore
	thresholds Thresholds
}

// NewEngine creates an engine with the given thresholds.
func NewEngine(store fuel.SnapshotStore, thresholds Thresholds) *Engine {
	return &Engine{store: store, thresholds: thresholds}
}

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	three   = int32(3)
)

// Reconcile computes expected vs. actual level for one tank.
//
// With a nil window the two most recent readings bracket the computation;
// with an explicit window the newest readings at or before each bound do.
// Returns fuel.ErrTankNotFound, fuel.ErrInsufficientData or
// fuel.ErrInvalidWindow; transient storage failures pass through wrapped.
func (e *Engine) Reconcile(ctx context.Context, tankID fuel.TankID, window *Window) (Result, error) {
	if window != nil && !window.From.Before(window.To) {
		return Result{}, &fuel.WindowError{From: window.From, To: window.To}
	}

	var res Result
	err := e.store.View(ctx, func(v fuel.SnapshotView) error {
		tank, err := v.GetTank(ctx, tankID)
		if err != nil {
			return err
		}
		if tank == nil {
			return fuel.ErrTankNotFound
		}

		t0, t1, err := e.bracket(ctx, v, tankID, window)
		if err != nil {
			return err
		}

		dispensed, err := v.SumVolumeInWindow(ctx, tankID, t0.MeasuredAt, t1.MeasuredAt)
		if err != nil {
			return err
		}

		res = e.compute(*tank, *t0, *t1, dispensed)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// bracket selects the t0/t1 readings for the computation.
func (e *Engine) bracket(ctx context.Context, v fuel.SnapshotView, tankID fuel.TankID, window *Window) (t0, t1 *fuel.TankReading, err error) {
	if window == nil {
		latest, err := v.LatestReadings(ctx, tankID, 1)
		if err != nil {
			return nil, nil, err
		}
		if len(latest) == 0 {
			return nil, nil, &fuel.InsufficientDataError{TankID: tankID, Readings: 0}
		}
		newest := latest[0]
		// A same-instant duplicate loses the t1 tie-break and must not
		// become t0 either: t0 is the newest reading strictly earlier
		// than t1.
		prior, _, err := v.ReadingsBracketing(ctx, tankID, newest.MeasuredAt.Add(-time.Nanosecond), newest.MeasuredAt)
		if err != nil {
			return nil, nil, err
		}
		if prior == nil {
			return nil, nil, &fuel.InsufficientDataError{TankID: tankID, Readings: 1}
		}
		return prior, &newest, nil
	}

	t0, t1, err = v.ReadingsBracketing(ctx, tankID, window.From, window.To)
	if err != nil {
		return nil, nil, err
	}
	n := 0
	if t0 != nil {
		n++
	}
	if t1 != nil {
		n++
	}
	if t0 == nil || t1 == nil || !t0.MeasuredAt.Before(t1.MeasuredAt) {
		return nil, nil, &fuel.InsufficientDataError{TankID: tankID, Readings: n}
	}
	return t0, t1, nil
}

// compute runs the pure arithmetic. Exposed to the snapshot closure only.
func (e *Engine) compute(tank fuel.Tank, t0, t1 fuel.TankReading, dispensed fuel.Liters) Result {
	expected := t0.LevelL.Sub(dispensed).Round(three)
	actual := t1.LevelL.Round(three)
	deltaL := expected.Sub(actual).Round(three)

	// Denominator floor of 1 L guards near-empty tanks.
	denom := t0.LevelL
	if denom.LessThan(one) {
		denom = one
	}
	deltaPct := hundred.Mul(deltaL).Div(denom).Round(4)

	flagged := deltaPct.Abs().GreaterThan(e.thresholds.DeltaPercent) ||
		deltaL.Abs().GreaterThan(e.thresholds.DeltaLiters)

	return Result{
		TankID:         tank.ID,
		StationID:      tank.StationID,
		T0:             ReadingRef{ReadingID: t0.ID, MeasuredAt: t0.MeasuredAt, Level: t0.LevelL},
		T1:             ReadingRef{ReadingID: t1.ID, MeasuredAt: t1.MeasuredAt, Level: t1.LevelL},
		TotalDispensed: dispensed.Round(three),
		ExpectedLevel:  expected,
		ActualLevel:    actual,
		DeltaL:         deltaL,
		DeltaPercent:   deltaPct,
		Flagged:        flagged,
		RanAt:          time.Now().UTC(),
	}
}

// Severity grades a flagged result: critical when the liter delta exceeds
// four times the liter threshold, warning otherwise.
func (e *Engine) Severity(r Result) fuel.Severity {
	if r.DeltaL.Abs().GreaterThan(e.thresholds.DeltaLiters.Mul(decimal.NewFromInt(4))) {
		return fuel.SeverityCritical
	}
	return fuel.SeverityWarning
}

// IsRetryable reports whether a reconcile error is worth retrying.
// Not-found and insufficient-data are final; transient storage errors are not.
func IsRetryable(err error) bool {
	return fuel.IsTransient(err) && !errors.Is(err, fuel.ErrInsufficientData)
}
