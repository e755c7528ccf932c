/*
sqlite_test.go - Persistence behavior tests against an in-memory database

CORE DESIGN:
- Readings and transactions are append-only; lifecycle flags are CAS
- Timestamps are stored fixed-width so ORDER BY is chronological
- View observes one consistent state across t0/t1 and the window sum
*/
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fuelguard/reconcile-engine/fuel"
)

var t0 = time.Date(2026, time.March, 10, 6, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedTopology(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveStation(ctx, fuel.Station{
		ID: "st-1", Name: "North", Code: "N-1", Timezone: "UTC", CreatedAt: t0,
	}))
	require.NoError(t, store.SaveTank(ctx, fuel.Tank{
		ID: "tank-1", StationID: "st-1", FuelType: "diesel",
		CapacityL: decimal.NewFromInt(20000), CurrentLevel: decimal.NewFromInt(10000),
		CreatedAt: t0,
	}))
	require.NoError(t, store.SavePump(ctx, fuel.Pump{
		ID: "pump-1", StationID: "st-1", TankID: "tank-1", PumpNumber: 1,
		FuelType: "diesel", Status: fuel.PumpOffline, CreatedAt: t0,
	}))
}

func reading(id string, level float64, at time.Time, src fuel.ReadingSource) fuel.TankReading {
	return fuel.TankReading{
		ID: fuel.ReadingID(id), TankID: "tank-1",
		LevelL: decimal.NewFromFloat(level), MeasuredAt: at, Source: src, CreatedAt: at,
	}
}

func sale(id string, volume float64, at time.Time) fuel.Transaction {
	vol := decimal.NewFromFloat(volume)
	price := decimal.NewFromFloat(1.60)
	return fuel.Transaction{
		ID: fuel.TransactionID(id), StationID: "st-1", PumpID: "pump-1", TankID: "tank-1",
		Timestamp: at, VolumeL: vol, UnitPrice: price, TotalAmount: vol.Mul(price),
		Status: fuel.TxCompleted, CreatedAt: at,
	}
}

// =============================================================================
// READINGS
// =============================================================================

func TestAppendReading_RefreshesTankLevel(t *testing.T) {
	// GIVEN: A tank with a stale denormalized level
	// WHEN: Appending a newer reading
	// THEN: current_level and last_read_at follow the reading

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	require.NoError(t, store.AppendReading(ctx, reading("r1", 9500, t0, fuel.SourceSensor)))

	tank, err := store.GetTank(ctx, "tank-1")
	require.NoError(t, err)
	require.True(t, tank.CurrentLevel.Equal(decimal.NewFromInt(9500)))
	require.NotNil(t, tank.LastReadAt)
	require.True(t, tank.LastReadAt.Equal(t0))
}

func TestAppendReading_OlderReadingKeepsLevel(t *testing.T) {
	// GIVEN: A reading at t0+1h already recorded
	// WHEN: A late-arriving reading for t0 lands
	// THEN: It is stored but does not roll the denormalized level back

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	require.NoError(t, store.AppendReading(ctx, reading("r-new", 9000, t0.Add(time.Hour), fuel.SourceSensor)))
	require.NoError(t, store.AppendReading(ctx, reading("r-late", 9800, t0, fuel.SourceSensor)))

	tank, err := store.GetTank(ctx, "tank-1")
	require.NoError(t, err)
	require.True(t, tank.CurrentLevel.Equal(decimal.NewFromInt(9000)),
		"late reading must not overwrite a newer level")

	list, err := store.ListReadings(ctx, "tank-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, fuel.ReadingID("r-new"), list[0].ID, "list is newest-first")
}

func TestAppendReading_UnknownTank(t *testing.T) {
	store := newStore(t)
	err := store.AppendReading(context.Background(), reading("r1", 100, t0, fuel.SourceSensor))
	require.ErrorIs(t, err, fuel.ErrTankNotFound)
}

func TestListReadings_SensorWinsEqualTimestamp(t *testing.T) {
	// GIVEN: Manual and sensor readings at the same instant
	// THEN: The sensor reading sorts first

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	require.NoError(t, store.AppendReading(ctx, reading("manual", 9400, t0, fuel.SourceManual)))
	require.NoError(t, store.AppendReading(ctx, reading("sensor", 9500, t0, fuel.SourceSensor)))
	require.NoError(t, store.AppendReading(ctx, reading("estimate", 9600, t0, fuel.SourceEstimated)))

	list, err := store.ListReadings(ctx, "tank-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, fuel.ReadingID("sensor"), list[0].ID)
	require.Equal(t, fuel.ReadingID("manual"), list[1].ID)
}

func TestReadingsBracketing_NewestAtOrBeforeEachBound(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	require.NoError(t, store.AppendReading(ctx, reading("r0", 10000, t0, fuel.SourceSensor)))
	require.NoError(t, store.AppendReading(ctx, reading("r1", 9800, t0.Add(time.Hour), fuel.SourceSensor)))
	require.NoError(t, store.AppendReading(ctx, reading("r2", 9500, t0.Add(2*time.Hour), fuel.SourceSensor)))

	lo, hi, err := store.ReadingsBracketing(ctx, "tank-1", t0.Add(30*time.Minute), t0.Add(90*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, lo)
	require.NotNil(t, hi)
	require.Equal(t, fuel.ReadingID("r0"), lo.ID)
	require.Equal(t, fuel.ReadingID("r1"), hi.ID)

	lo, _, err = store.ReadingsBracketing(ctx, "tank-1", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Nil(t, lo, "no reading at or before a bound yields nil")
}

func TestReadings_SubSecondOrdering(t *testing.T) {
	// GIVEN: Readings spaced by milliseconds
	// THEN: The fixed-width timestamp encoding keeps them in order

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	require.NoError(t, store.AppendReading(ctx, reading("a", 100, t0.Add(5*time.Millisecond), fuel.SourceSensor)))
	require.NoError(t, store.AppendReading(ctx, reading("b", 200, t0.Add(50*time.Millisecond), fuel.SourceSensor)))
	require.NoError(t, store.AppendReading(ctx, reading("c", 300, t0.Add(7*time.Millisecond), fuel.SourceSensor)))

	list, err := store.ListReadings(ctx, "tank-1", 10)
	require.NoError(t, err)
	require.Equal(t, fuel.ReadingID("b"), list[0].ID)
	require.Equal(t, fuel.ReadingID("c"), list[1].ID)
	require.Equal(t, fuel.ReadingID("a"), list[2].ID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestAppendTransaction_DuplicateExternalRef(t *testing.T) {
	// GIVEN: An ingested transaction with an external reference
	// WHEN: A retry carries the same reference under a new ID
	// THEN: ErrDuplicate, and the original row is untouched

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	first := sale("tx-1", 40, t0)
	first.ExternalRef = "pos-000123"
	require.NoError(t, store.AppendTransaction(ctx, first))

	retry := sale("tx-2", 40, t0)
	retry.ExternalRef = "pos-000123"
	err := store.AppendTransaction(ctx, retry)
	require.ErrorIs(t, err, fuel.ErrDuplicate)

	_, err = store.GetTransaction(ctx, "tx-2")
	require.ErrorIs(t, err, fuel.ErrTransactionNotFound)
}

func TestAppendTransaction_EmptyExternalRefNotUnique(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	require.NoError(t, store.AppendTransaction(ctx, sale("tx-1", 40, t0)))
	require.NoError(t, store.AppendTransaction(ctx, sale("tx-2", 40, t0)),
		"transactions without external refs never collide")
}

func TestAppendTransaction_RejectsBadAmounts(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)

	bad := sale("tx-1", 40, t0)
	bad.TotalAmount = decimal.NewFromInt(999)
	err := store.AppendTransaction(context.Background(), bad)

	var ve *fuel.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "total_amount", ve.Field)
}

func TestSumVolumeInWindow_HalfOpenCompletedOnly(t *testing.T) {
	// GIVEN: Sales at the window edges plus void/pending rows inside
	// THEN: [t0, t1) over completed rows only

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()
	end := t0.Add(time.Hour)

	require.NoError(t, store.AppendTransaction(ctx, sale("at-start", 10, t0)))
	require.NoError(t, store.AppendTransaction(ctx, sale("inside", 20, t0.Add(30*time.Minute))))
	require.NoError(t, store.AppendTransaction(ctx, sale("at-end", 40, end)))

	void := sale("void", 80, t0.Add(10*time.Minute))
	void.Status = fuel.TxVoid
	require.NoError(t, store.AppendTransaction(ctx, void))

	total, err := store.SumVolumeInWindow(ctx, "tank-1", t0, end)
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(30)), "got %s", total)
}

func TestCountRecentByPump(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	for i, at := range []time.Time{t0, t0.Add(2 * time.Second), t0.Add(4 * time.Second)} {
		tx := sale(string(rune('a'+i)), 20, at)
		tx.CreatedAt = at
		require.NoError(t, store.AppendTransaction(ctx, tx))
	}

	n, err := store.CountRecentByPump(ctx, "pump-1", t0.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestAvgUnitPriceSince(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	a := sale("a", 20, t0)
	a.UnitPrice = decimal.NewFromFloat(1.50)
	a.TotalAmount = a.VolumeL.Mul(a.UnitPrice)
	b := sale("b", 20, t0.Add(time.Minute))
	b.UnitPrice = decimal.NewFromFloat(2.50)
	b.TotalAmount = b.VolumeL.Mul(b.UnitPrice)
	require.NoError(t, store.AppendTransaction(ctx, a))
	require.NoError(t, store.AppendTransaction(ctx, b))

	avg, ok, err := store.AvgUnitPriceSince(ctx, "st-1", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, avg.Equal(decimal.NewFromInt(2)), "got %s", avg)

	_, ok, err = store.AvgUnitPriceSince(ctx, "st-ghost", t0)
	require.NoError(t, err)
	require.False(t, ok, "no data means no average")
}

// =============================================================================
// ANOMALY LIFECYCLE CAS
// =============================================================================

func openAnomaly(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateAnomaly(context.Background(), fuel.Anomaly{
		ID: fuel.AnomalyID(id), StationID: "st-1", TankID: "tank-1",
		Rule: fuel.RuleTankMismatch, Name: "Tank Mismatch",
		Severity: fuel.SeverityWarning, CreatedAt: t0,
		Details: map[string]any{"delta_l": 80.0},
	}))
}

func TestMarkAcknowledged_CompareAndSet(t *testing.T) {
	// GIVEN: An open anomaly
	// WHEN: Acknowledging twice
	// THEN: Only the first call reports a change; fields stay with the winner

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()
	openAnomaly(t, store, "a-1")

	changed, err := store.MarkAcknowledged(ctx, "a-1", "alice", t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = store.MarkAcknowledged(ctx, "a-1", "bob", t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, changed)

	a, err := store.GetAnomaly(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, "alice", a.AcknowledgedBy)
	require.True(t, a.AcknowledgedAt.Equal(t0.Add(time.Minute)))
}

func TestMarkAcknowledged_ConcurrentRace(t *testing.T) {
	// GIVEN: An open anomaly and several operators racing to acknowledge
	// WHEN: All calls run concurrently
	// THEN: Exactly one reports a change, and the stored actor is that winner

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()
	openAnomaly(t, store, "a-1")

	const racers = 8
	type outcome struct {
		actor   string
		changed bool
	}
	results := make(chan outcome, racers)
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		actor := fmt.Sprintf("operator-%d", i)
		go func() {
			changed, err := store.MarkAcknowledged(ctx, "a-1", actor, t0.Add(time.Minute))
			results <- outcome{actor: actor, changed: changed}
			errs <- err
		}()
	}

	var winner string
	wins := 0
	for i := 0; i < racers; i++ {
		require.NoError(t, <-errs)
		if out := <-results; out.changed {
			winner = out.actor
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one acknowledge must take effect")

	a, err := store.GetAnomaly(ctx, "a-1")
	require.NoError(t, err)
	require.True(t, a.Acknowledged)
	require.Equal(t, winner, a.AcknowledgedBy)
}

func TestMarkResolved_MissingAnomaly(t *testing.T) {
	store := newStore(t)
	_, err := store.MarkResolved(context.Background(), "ghost", "alice", t0)
	require.ErrorIs(t, err, fuel.ErrAnomalyNotFound)
}

func TestListAnomalies_FiltersAndPaging(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	openAnomaly(t, store, "a-1")
	openAnomaly(t, store, "a-2")
	openAnomaly(t, store, "a-3")
	_, err := store.MarkResolved(ctx, "a-2", "alice", t0.Add(time.Minute))
	require.NoError(t, err)

	open, err := store.ListAnomalies(ctx, fuel.AnomalyFilter{StationID: "st-1", OnlyOpen: true})
	require.NoError(t, err)
	require.Len(t, open, 2)

	page, err := store.ListAnomalies(ctx, fuel.AnomalyFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)

	none, err := store.ListAnomalies(ctx, fuel.AnomalyFilter{Rule: fuel.RuleRapidFire})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestLatestOpenAnomaly_SkipsResolved(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	openAnomaly(t, store, "a-1")
	_, err := store.MarkResolved(ctx, "a-1", "alice", t0.Add(time.Minute))
	require.NoError(t, err)

	a, err := store.LatestOpenAnomaly(ctx, fuel.RuleTankMismatch, "tank-1")
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestAnomaly_DetailsAndScoreRoundTrip(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	score := 80.5
	require.NoError(t, store.CreateAnomaly(ctx, fuel.Anomaly{
		ID: "a-1", StationID: "st-1", TankID: "tank-1",
		Rule: fuel.RuleTankMismatch, Name: "Tank Mismatch",
		Severity: fuel.SeverityCritical, Score: &score,
		Details:   map[string]any{"delta_l": 80.5, "flagged": true},
		CreatedAt: t0,
	}))

	a, err := store.GetAnomaly(ctx, "a-1")
	require.NoError(t, err)
	require.NotNil(t, a.Score)
	require.Equal(t, 80.5, *a.Score)
	require.Equal(t, 80.5, a.Details["delta_l"])
	require.Equal(t, true, a.Details["flagged"])
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestMarkPumpHeartbeat(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	p, err := store.MarkPumpHeartbeat(ctx, "pump-1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, p.LastHeartbeat)
	require.True(t, p.LastHeartbeat.Equal(t0.Add(time.Minute)))

	_, err = store.MarkPumpHeartbeat(ctx, "ghost", t0)
	require.ErrorIs(t, err, fuel.ErrPumpNotFound)
}

func TestSaveStation_UpsertKeepsCreatedAt(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()

	require.NoError(t, store.SaveStation(ctx, fuel.Station{
		ID: "st-1", Name: "North Renamed", Code: "N-1", Timezone: "UTC",
		CreatedAt: t0.Add(time.Hour),
	}))

	st, err := store.GetStation(ctx, "st-1")
	require.NoError(t, err)
	require.Equal(t, "North Renamed", st.Name)
	require.True(t, st.CreatedAt.Equal(t0), "upsert must not rewrite created_at")
}

// =============================================================================
// RECEIPTS AND RULES
// =============================================================================

func TestSaveReceipt_OnePerTransaction(t *testing.T) {
	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()
	require.NoError(t, store.AppendTransaction(ctx, sale("tx-1", 40, t0)))

	r := fuel.Receipt{
		ID: "rc-1", TransactionID: "tx-1", StationID: "st-1",
		Amount: decimal.NewFromInt(64), IssuedAt: t0, Signature: "sig", Token: "tok",
	}
	require.NoError(t, store.SaveReceipt(ctx, r))

	dup := r
	dup.ID = "rc-2"
	require.ErrorIs(t, store.SaveReceipt(ctx, dup), fuel.ErrDuplicate)

	byTx, err := store.GetReceiptByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Equal(t, fuel.ReceiptID("rc-1"), byTx.ID)
}

func TestSaveRule_UpsertBySlug(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRule(ctx, fuel.Rule{
		ID: "r-1", Slug: fuel.RuleUnderDispense, Name: "Under-dispense",
		RuleType: fuel.RuleUnderDispense, Config: map[string]any{"min_volume_l": 0.1},
		Enabled: true, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, store.SaveRule(ctx, fuel.Rule{
		ID: "r-1", Slug: fuel.RuleUnderDispense, Name: "Under-dispense",
		RuleType: fuel.RuleUnderDispense, Config: map[string]any{"min_volume_l": 0.5},
		Enabled: false, CreatedAt: t0, UpdatedAt: t0.Add(time.Hour),
	}))

	r, err := store.GetRuleBySlug(ctx, fuel.RuleUnderDispense)
	require.NoError(t, err)
	require.Equal(t, 0.5, r.Config["min_volume_l"])
	require.False(t, r.Enabled)

	enabled, err := store.ListRules(ctx, true)
	require.NoError(t, err)
	require.Empty(t, enabled)

	_, err = store.GetRuleBySlug(ctx, "ghost")
	require.ErrorIs(t, err, fuel.ErrRuleNotFound)
}

// =============================================================================
// SNAPSHOT VIEW
// =============================================================================

func TestView_ConsistentReadSurface(t *testing.T) {
	// GIVEN: A seeded tank with readings and sales
	// WHEN: Reading t0/t1 and the window sum inside one View
	// THEN: All reads succeed against the same snapshot

	store := newStore(t)
	seedTopology(t, store)
	ctx := context.Background()
	require.NoError(t, store.AppendReading(ctx, reading("r0", 10000, t0, fuel.SourceSensor)))
	require.NoError(t, store.AppendReading(ctx, reading("r1", 9700, t0.Add(time.Hour), fuel.SourceSensor)))
	require.NoError(t, store.AppendTransaction(ctx, sale("tx-1", 300, t0.Add(30*time.Minute))))

	err := store.View(ctx, func(v fuel.SnapshotView) error {
		tank, err := v.GetTank(ctx, "tank-1")
		require.NoError(t, err)
		require.Equal(t, fuel.TankID("tank-1"), tank.ID)

		latest, err := v.LatestReadings(ctx, "tank-1", 2)
		require.NoError(t, err)
		require.Len(t, latest, 2)

		total, err := v.SumVolumeInWindow(ctx, "tank-1", latest[1].MeasuredAt, latest[0].MeasuredAt)
		require.NoError(t, err)
		require.True(t, total.Equal(decimal.NewFromInt(300)))
		return nil
	})
	require.NoError(t, err)
}

func TestView_CallbackErrorPropagates(t *testing.T) {
	store := newStore(t)
	boom := errors.New("boom")
	err := store.View(context.Background(), func(fuel.SnapshotView) error { return boom })
	require.ErrorIs(t, err, boom)
}
