/*
engine_test.go - Unit tests for the reconciliation computation

CORE DESIGN:
- expected_level = t0.level − Σ completed dispensed volume in [t0, t1)
- delta_l = expected − actual; positive means fuel is missing
- Flagged when |delta_percent| > 2% OR |delta_l| > 50 L
- Results are computed inside one storage snapshot, never persisted here
*/
package recon

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fuelguard/reconcile-engine/fuel"
	"github.com/fuelguard/reconcile-engine/store/memory"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

var baseTime = time.Date(2026, time.March, 10, 6, 0, 0, 0, time.UTC)

// seedTank creates a station, tank and pump and returns the store.
func seedTank(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	if err := store.SaveStation(ctx, fuel.Station{ID: "st-1", Name: "North", Code: "N-1"}); err != nil {
		t.Fatalf("SaveStation: %v", err)
	}
	tank := fuel.Tank{
		ID: "tank-1", StationID: "st-1", FuelType: "diesel",
		CapacityL: decimal.NewFromInt(20000), CurrentLevel: decimal.NewFromInt(10000),
	}
	if err := store.SaveTank(ctx, tank); err != nil {
		t.Fatalf("SaveTank: %v", err)
	}
	if err := store.SavePump(ctx, fuel.Pump{ID: "pump-1", StationID: "st-1", TankID: "tank-1", PumpNumber: 1}); err != nil {
		t.Fatalf("SavePump: %v", err)
	}
	return store
}

func addReading(t *testing.T, store *memory.Store, id string, level float64, at time.Time) {
	t.Helper()
	err := store.AppendReading(context.Background(), fuel.TankReading{
		ID: fuel.ReadingID(id), TankID: "tank-1",
		LevelL: decimal.NewFromFloat(level), MeasuredAt: at, Source: fuel.SourceSensor,
	})
	if err != nil {
		t.Fatalf("AppendReading %s: %v", id, err)
	}
}

func addSale(t *testing.T, store *memory.Store, id string, volume float64, at time.Time, status fuel.TxStatus) {
	t.Helper()
	vol := decimal.NewFromFloat(volume)
	price := decimal.NewFromFloat(1.60)
	err := store.AppendTransaction(context.Background(), fuel.Transaction{
		ID: fuel.TransactionID(id), StationID: "st-1", PumpID: "pump-1", TankID: "tank-1",
		Timestamp: at, VolumeL: vol, UnitPrice: price, TotalAmount: vol.Mul(price),
		Status: status, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendTransaction %s: %v", id, err)
	}
}

// =============================================================================
// RECONCILIATION SCENARIOS
// =============================================================================

func TestReconcile_BalancedTank_NotFlagged(t *testing.T) {
	// GIVEN: Tank at 10000 L, 300 L dispensed, second reading at 9700 L
	// WHEN: Reconciling with default thresholds
	// THEN: delta is zero and the result is not flagged

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)
	addSale(t, store, "tx1", 120, baseTime.Add(10*time.Minute), fuel.TxCompleted)
	addSale(t, store, "tx2", 180, baseTime.Add(30*time.Minute), fuel.TxCompleted)
	addReading(t, store, "r1", 9700, baseTime.Add(time.Hour))

	engine := NewEngine(store, DefaultThresholds())
	res, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if !res.DeltaL.IsZero() {
		t.Errorf("Expected zero delta, got %s", res.DeltaL)
	}
	if res.Flagged {
		t.Error("Balanced tank should not be flagged")
	}
	if !res.TotalDispensed.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Expected 300 L dispensed, got %s", res.TotalDispensed)
	}
	if !res.ExpectedLevel.Equal(decimal.NewFromInt(9700)) {
		t.Errorf("Expected level 9700, got %s", res.ExpectedLevel)
	}
}

func TestReconcile_UnexplainedLoss_Flagged(t *testing.T) {
	// GIVEN: 300 L dispensed but the tank dropped by 380 L
	// WHEN: Reconciling
	// THEN: delta_l = 80 (> 50 L threshold), flagged, warning severity

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)
	addSale(t, store, "tx1", 300, baseTime.Add(10*time.Minute), fuel.TxCompleted)
	addReading(t, store, "r1", 9620, baseTime.Add(time.Hour))

	engine := NewEngine(store, DefaultThresholds())
	res, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if !res.DeltaL.Equal(decimal.NewFromInt(80)) {
		t.Errorf("Expected delta 80 L, got %s", res.DeltaL)
	}
	if !res.Flagged {
		t.Error("80 L loss should be flagged")
	}
	// 100 * 80 / 10000 = 0.8%
	if got := res.DeltaPercent.InexactFloat64(); got != 0.8 {
		t.Errorf("Expected delta_percent 0.8, got %v", got)
	}
	if sev := engine.Severity(res); sev != fuel.SeverityWarning {
		t.Errorf("Expected warning severity for 80 L, got %s", sev)
	}
}

func TestReconcile_LargeLoss_CriticalSeverity(t *testing.T) {
	// GIVEN: A 250 L discrepancy, more than 4x the 50 L threshold
	// WHEN: Grading the flagged result
	// THEN: Severity is critical

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)
	addReading(t, store, "r1", 9750, baseTime.Add(time.Hour))

	engine := NewEngine(store, DefaultThresholds())
	res, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if !res.Flagged {
		t.Fatal("250 L loss should be flagged")
	}
	if sev := engine.Severity(res); sev != fuel.SeverityCritical {
		t.Errorf("Expected critical severity for 250 L delta, got %s", sev)
	}
}

func TestReconcile_UndocumentedRefill_NegativeDelta(t *testing.T) {
	// GIVEN: The tank level ROSE between readings (a delivery nobody recorded)
	// WHEN: Reconciling
	// THEN: delta_l is negative, reported as-is, and still flagged by magnitude

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)
	addReading(t, store, "r1", 12000, baseTime.Add(time.Hour))

	engine := NewEngine(store, DefaultThresholds())
	res, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if !res.DeltaL.Equal(decimal.NewFromInt(-2000)) {
		t.Errorf("Expected delta -2000 L, got %s", res.DeltaL)
	}
	if !res.Flagged {
		t.Error("A 2000 L surplus should be flagged too")
	}
}

func TestReconcile_VoidAndPendingSalesExcluded(t *testing.T) {
	// GIVEN: Completed, void and pending transactions in the window
	// WHEN: Reconciling
	// THEN: Only the completed volume counts

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)
	addSale(t, store, "tx1", 100, baseTime.Add(5*time.Minute), fuel.TxCompleted)
	addSale(t, store, "tx2", 500, baseTime.Add(10*time.Minute), fuel.TxVoid)
	addSale(t, store, "tx3", 500, baseTime.Add(15*time.Minute), fuel.TxPending)
	addReading(t, store, "r1", 9900, baseTime.Add(time.Hour))

	engine := NewEngine(store, DefaultThresholds())
	res, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if !res.TotalDispensed.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected only completed 100 L counted, got %s", res.TotalDispensed)
	}
	if res.Flagged {
		t.Error("Tank balances once void/pending sales are excluded")
	}
}

func TestReconcile_WindowBoundaries_HalfOpen(t *testing.T) {
	// GIVEN: Transactions exactly at t0 and exactly at t1
	// WHEN: Summing the window
	// THEN: The t0 transaction counts, the t1 transaction does not

	store := seedTank(t)
	t1 := baseTime.Add(time.Hour)
	addReading(t, store, "r0", 10000, baseTime)
	addSale(t, store, "at-t0", 40, baseTime, fuel.TxCompleted)
	addSale(t, store, "at-t1", 40, t1, fuel.TxCompleted)
	addReading(t, store, "r1", 9960, t1)

	engine := NewEngine(store, DefaultThresholds())
	res, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if !res.TotalDispensed.Equal(decimal.NewFromInt(40)) {
		t.Errorf("Expected [t0, t1) to include only the t0 sale, got %s", res.TotalDispensed)
	}
}

// =============================================================================
// ERROR CASES
// =============================================================================

func TestReconcile_SingleReading_InsufficientData(t *testing.T) {
	// GIVEN: A tank with one reading
	// WHEN: Reconciling without a window
	// THEN: ErrInsufficientData carrying the reading count

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)

	engine := NewEngine(store, DefaultThresholds())
	_, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if !errors.Is(err, fuel.ErrInsufficientData) {
		t.Fatalf("Expected ErrInsufficientData, got %v", err)
	}

	var ide *fuel.InsufficientDataError
	if !errors.As(err, &ide) {
		t.Fatalf("Expected *InsufficientDataError, got %T", err)
	}
	if ide.Readings != 1 {
		t.Errorf("Expected 1 reading reported, got %d", ide.Readings)
	}
}

func TestReconcile_OnlySameInstantReadings_InsufficientData(t *testing.T) {
	// GIVEN: Two readings sharing one measured_at and nothing earlier
	// WHEN: Reconciling without a window
	// THEN: ErrInsufficientData, not an empty-window result against the
	//       rejected duplicate

	store := seedTank(t)
	addReading(t, store, "sensor", 9950, baseTime)
	err := store.AppendReading(context.Background(), fuel.TankReading{
		ID: "manual", TankID: "tank-1", LevelL: decimal.NewFromInt(9000),
		MeasuredAt: baseTime, Source: fuel.SourceManual,
	})
	if err != nil {
		t.Fatalf("AppendReading manual: %v", err)
	}

	engine := NewEngine(store, DefaultThresholds())
	_, err = engine.Reconcile(context.Background(), "tank-1", nil)
	if !errors.Is(err, fuel.ErrInsufficientData) {
		t.Fatalf("Expected ErrInsufficientData, got %v", err)
	}

	var ide *fuel.InsufficientDataError
	if !errors.As(err, &ide) {
		t.Fatalf("Expected *InsufficientDataError, got %T", err)
	}
	if ide.Readings != 1 {
		t.Errorf("Expected 1 reading reported, got %d", ide.Readings)
	}
}

func TestReconcile_UnknownTank(t *testing.T) {
	store := seedTank(t)
	engine := NewEngine(store, DefaultThresholds())

	_, err := engine.Reconcile(context.Background(), "no-such-tank", nil)
	if !errors.Is(err, fuel.ErrTankNotFound) {
		t.Fatalf("Expected ErrTankNotFound, got %v", err)
	}
}

func TestReconcile_InvalidWindow(t *testing.T) {
	// GIVEN: A window whose end precedes its start
	// THEN: ErrInvalidWindow before any storage access

	store := seedTank(t)
	engine := NewEngine(store, DefaultThresholds())

	w := &Window{From: baseTime.Add(time.Hour), To: baseTime}
	_, err := engine.Reconcile(context.Background(), "tank-1", w)
	if !errors.Is(err, fuel.ErrInvalidWindow) {
		t.Fatalf("Expected ErrInvalidWindow, got %v", err)
	}
}

func TestReconcile_ExplicitWindow_UsesBracketingReadings(t *testing.T) {
	// GIVEN: Three readings; a window spanning the first two
	// WHEN: Reconciling with the explicit window
	// THEN: The newest readings at or before each bound bracket the run

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)
	addReading(t, store, "r1", 9800, baseTime.Add(time.Hour))
	addReading(t, store, "r2", 9500, baseTime.Add(2*time.Hour))
	addSale(t, store, "tx1", 200, baseTime.Add(30*time.Minute), fuel.TxCompleted)
	addSale(t, store, "later", 300, baseTime.Add(90*time.Minute), fuel.TxCompleted)

	engine := NewEngine(store, DefaultThresholds())
	w := &Window{From: baseTime, To: baseTime.Add(time.Hour)}
	res, err := engine.Reconcile(context.Background(), "tank-1", w)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if res.T0.ReadingID != "r0" || res.T1.ReadingID != "r1" {
		t.Errorf("Expected bracket r0..r1, got %s..%s", res.T0.ReadingID, res.T1.ReadingID)
	}
	if !res.TotalDispensed.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Sale outside window leaked in: got %s", res.TotalDispensed)
	}
	if res.Flagged {
		t.Error("Windowed run balances and should not be flagged")
	}
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestReconcile_NearEmptyTank_DenominatorFloor(t *testing.T) {
	// GIVEN: t0 level below 1 L
	// WHEN: Computing delta_percent
	// THEN: Denominator floors at 1 L so the percentage stays finite

	store := seedTank(t)
	addReading(t, store, "r0", 0.5, baseTime)
	addReading(t, store, "r1", 0.2, baseTime.Add(time.Hour))

	engine := NewEngine(store, DefaultThresholds())
	res, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// delta_l = 0.3, denominator 1 -> 30%
	if got := res.DeltaPercent.InexactFloat64(); got != 30 {
		t.Errorf("Expected 30%% with floored denominator, got %v", got)
	}
}

func TestReconcile_EqualTimestampReadings_SensorWins(t *testing.T) {
	// GIVEN: A sensor and a manual reading at the same instant
	// WHEN: Selecting the bracket
	// THEN: The sensor reading is preferred as t1, and the rejected manual
	//       duplicate never becomes t0; t0 is the newest strictly earlier
	//       reading

	store := seedTank(t)
	at := baseTime.Add(time.Hour)
	addReading(t, store, "r0", 10000, baseTime)

	err := store.AppendReading(context.Background(), fuel.TankReading{
		ID: "manual", TankID: "tank-1", LevelL: decimal.NewFromInt(9000),
		MeasuredAt: at, Source: fuel.SourceManual,
	})
	if err != nil {
		t.Fatalf("AppendReading manual: %v", err)
	}
	addReading(t, store, "sensor", 9950, at)

	engine := NewEngine(store, DefaultThresholds())
	res, err := engine.Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if res.T1.ReadingID != "sensor" {
		t.Errorf("Expected sensor reading to win the tie-break, got %s", res.T1.ReadingID)
	}
	if res.T0.ReadingID != "r0" {
		t.Errorf("Expected t0 to be the strictly earlier reading r0, got %s", res.T0.ReadingID)
	}
	if got := res.DeltaL.InexactFloat64(); got != 50 {
		t.Errorf("Expected delta of 50 L against the earlier reading, got %v", got)
	}
	if res.Flagged {
		t.Error("A 50 L / 0.5 percent delta must not be flagged")
	}
}

func TestReconcile_CustomThresholds(t *testing.T) {
	// GIVEN: Tight thresholds of 0.5% / 10 L
	// WHEN: Reconciling a 30 L loss on a 10000 L tank (0.3%)
	// THEN: Flagged by liters even though the percentage is under

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)
	addReading(t, store, "r1", 9970, baseTime.Add(time.Hour))

	tight := Thresholds{
		DeltaPercent: decimal.NewFromFloat(0.5),
		DeltaLiters:  decimal.NewFromInt(10),
	}
	res, err := NewEngine(store, tight).Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.Flagged {
		t.Error("30 L loss should trip a 10 L threshold")
	}

	res, err = NewEngine(store, DefaultThresholds()).Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Flagged {
		t.Error("30 L / 0.3 percent should pass the stock thresholds")
	}
}

func TestReconcile_DecimalPrecision(t *testing.T) {
	// GIVEN: Many small fractional sales that would accumulate float error
	// WHEN: Summing 100 x 0.1 L
	// THEN: The dispensed total is exactly 10 L

	store := seedTank(t)
	addReading(t, store, "r0", 10000, baseTime)
	for i := 0; i < 100; i++ {
		addSale(t, store, fmt.Sprintf("tx-%d", i), 0.1,
			baseTime.Add(time.Duration(i+1)*time.Second), fuel.TxCompleted)
	}
	addReading(t, store, "r1", 9990, baseTime.Add(time.Hour))

	res, err := NewEngine(store, DefaultThresholds()).Reconcile(context.Background(), "tank-1", nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if !res.TotalDispensed.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected exactly 10 L dispensed, got %s", res.TotalDispensed)
	}
	if !res.DeltaL.IsZero() {
		t.Errorf("Expected zero delta, got %s", res.DeltaL)
	}
}
