/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	forecourt data. Each scenario creates stations, tanks, pumps, readings,
	and transactions that demonstrate a specific engine feature.

AVAILABLE SCENARIOS:

	quiet-station:  Balanced books, no anomalies
	leaking-tank:   Diesel tank losing fuel beyond its metered sales
	fraud-pump:     Under-dispense burst tripping the transaction rules
	busy-forecourt: Two stations, a day of sales, receipts, one refill

HOW SCENARIOS WORK:
 1. Upsert topology (stations, tanks, pumps) under fixed scn-* IDs
 2. Append readings and transactions with fresh IDs
 3. Enable the rules the scenario demonstrates
 4. Sweep the station so anomalies surface immediately

Topology upserts make reloading safe; readings and transactions are
appended, so reloading a scenario layers more history on top.

USAGE VIA API:

	POST /api/v1/scenarios/load/
	{"scenario_id": "leaking-tank"}

NOTE:

	Scenarios write demo data into the live store. Only use in
	development/demo environments.

SEE ALSO:
  - handlers.go: Handler context the loaders run against
  - scheduler.go: Station sweep used to surface mismatch anomalies
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fuelguard/reconcile-engine/fuel"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "quiet-station",
		Name:        "Quiet Station",
		Description: "Readings and sales that balance; reconcile stays green",
		Category:    "reconcile",
	},
	{
		ID:          "leaking-tank",
		Name:        "Leaking Tank",
		Description: "Diesel tank losing fuel beyond its metered sales",
		Category:    "reconcile",
	},
	{
		ID:          "fraud-pump",
		Name:        "Fraudulent Pump",
		Description: "Under-dispense burst tripping the transaction rules",
		Category:    "rules",
	},
	{
		ID:          "busy-forecourt",
		Name:        "Busy Forecourt",
		Description: "Two stations, a day of sales with receipts, one tank refill",
		Category:    "reconcile",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListDTO{Results: scenarios})
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scnMu.Lock()
	current := h.currentScenario
	h.scnMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario into the store.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
		return
	}

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "quiet-station":
		err = h.loadQuietStationScenario(ctx)
	case "leaking-tank":
		err = h.loadLeakingTankScenario(ctx)
	case "fraud-pump":
		err = h.loadFraudPumpScenario(ctx)
	case "busy-forecourt":
		err = h.loadBusyForecourtScenario(ctx)
	default:
		writeDomainError(w, &fuel.ValidationError{Field: "scenario_id", Message: "unknown scenario"})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.scnMu.Lock()
	h.currentScenario = req.ScenarioID
	h.scnMu.Unlock()

	h.Log.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) scnStation(ctx context.Context, id, name, code string) error {
	return h.Store.SaveStation(ctx, fuel.Station{
		ID: fuel.StationID(id), Name: name, Code: code,
		Timezone: "UTC", CreatedAt: h.now(),
	})
}

func (h *Handler) scnTank(ctx context.Context, id, stationID, fuelType string, capacity float64) error {
	return h.Store.SaveTank(ctx, fuel.Tank{
		ID:        fuel.TankID(id),
		StationID: fuel.StationID(stationID),
		FuelType:  fuelType,
		CapacityL: decimal.NewFromFloat(capacity),
		CreatedAt: h.now(),
	})
}

func (h *Handler) scnPump(ctx context.Context, id, stationID, tankID string, number int, fuelType string) error {
	return h.Store.SavePump(ctx, fuel.Pump{
		ID:         fuel.PumpID(id),
		StationID:  fuel.StationID(stationID),
		TankID:     fuel.TankID(tankID),
		PumpNumber: number,
		FuelType:   fuelType,
		Status:     fuel.PumpOnline,
		CreatedAt:  h.now(),
	})
}

func (h *Handler) scnReading(ctx context.Context, tankID string, level float64, at time.Time) error {
	return h.Store.AppendReading(ctx, fuel.TankReading{
		ID:         fuel.ReadingID(uuid.NewString()),
		TankID:     fuel.TankID(tankID),
		LevelL:     decimal.NewFromFloat(level),
		MeasuredAt: at,
		Source:     fuel.SourceSensor,
		CreatedAt:  at,
	})
}

// scnSale appends a completed transaction and runs it through the rule
// evaluator, exactly as live ingest would.
func (h *Handler) scnSale(ctx context.Context, pumpID string, volume, price float64, at time.Time) (fuel.Transaction, error) {
	pump, err := h.Store.GetPump(ctx, fuel.PumpID(pumpID))
	if err != nil {
		return fuel.Transaction{}, fmt.Errorf("scenario pump %s: %w", pumpID, err)
	}

	vol := decimal.NewFromFloat(volume)
	unit := decimal.NewFromFloat(price)
	tx := fuel.Transaction{
		ID:          fuel.TransactionID(uuid.NewString()),
		StationID:   pump.StationID,
		PumpID:      pump.ID,
		TankID:      pump.TankID,
		AttendantID: "scn-attendant",
		Timestamp:   at,
		VolumeL:     vol,
		UnitPrice:   unit,
		TotalAmount: vol.Mul(unit).Round(2),
		Status:      fuel.TxCompleted,
		CreatedAt:   at,
	}
	if err := h.Store.AppendTransaction(ctx, tx); err != nil {
		return fuel.Transaction{}, err
	}
	h.evaluateRules(ctx, tx)
	return tx, nil
}

func (h *Handler) scnRule(ctx context.Context, slug fuel.RuleSlug, name string, config map[string]any) error {
	now := h.now()
	return h.Store.SaveRule(ctx, fuel.Rule{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      name,
		RuleType:  slug,
		Config:    config,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadQuietStationScenario: one station whose dispensed volume exactly
// matches the level drop. Sweeping it produces zero anomalies.
func (h *Handler) loadQuietStationScenario(ctx context.Context) error {
	if err := h.scnStation(ctx, "scn-quiet", "Quiet Station", "QS-1"); err != nil {
		return err
	}
	if err := h.scnTank(ctx, "scn-quiet-diesel", "scn-quiet", "diesel", 20000); err != nil {
		return err
	}
	if err := h.scnPump(ctx, "scn-quiet-p1", "scn-quiet", "scn-quiet-diesel", 1, "diesel"); err != nil {
		return err
	}

	now := h.now()
	if err := h.scnReading(ctx, "scn-quiet-diesel", 12000, now.Add(-6*time.Hour)); err != nil {
		return err
	}
	// Three 40 L sales, then a closing reading exactly 120 L lower.
	for i := 0; i < 3; i++ {
		at := now.Add(-5*time.Hour + time.Duration(i)*time.Hour)
		if _, err := h.scnSale(ctx, "scn-quiet-p1", 40, 1.60, at); err != nil {
			return err
		}
	}
	if err := h.scnReading(ctx, "scn-quiet-diesel", 11880, now.Add(-time.Minute)); err != nil {
		return err
	}

	_, err := h.Sweeper.ReconcileStation(ctx, "scn-quiet", true, nil)
	return err
}

// loadLeakingTankScenario: the closing reading sits well below where the
// sales say it should be. The sweep raises a tank_mismatch anomaly.
func (h *Handler) loadLeakingTankScenario(ctx context.Context) error {
	if err := h.scnStation(ctx, "scn-leak", "Leaking Tank Station", "LK-1"); err != nil {
		return err
	}
	if err := h.scnTank(ctx, "scn-leak-diesel", "scn-leak", "diesel", 30000); err != nil {
		return err
	}
	if err := h.scnPump(ctx, "scn-leak-p1", "scn-leak", "scn-leak-diesel", 1, "diesel"); err != nil {
		return err
	}

	now := h.now()
	if err := h.scnReading(ctx, "scn-leak-diesel", 15000, now.Add(-8*time.Hour)); err != nil {
		return err
	}
	if _, err := h.scnSale(ctx, "scn-leak-p1", 50, 1.62, now.Add(-7*time.Hour)); err != nil {
		return err
	}
	if _, err := h.scnSale(ctx, "scn-leak-p1", 30, 1.62, now.Add(-4*time.Hour)); err != nil {
		return err
	}
	// 80 L sold, but the tank is down 250 L.
	if err := h.scnReading(ctx, "scn-leak-diesel", 14750, now.Add(-time.Minute)); err != nil {
		return err
	}

	_, err := h.Sweeper.ReconcileStation(ctx, "scn-leak", true, nil)
	return err
}

// loadFraudPumpScenario: a burst of sub-deciliter "sales" in one window.
// under_dispense flags each one and rapid_fire flags the burst.
func (h *Handler) loadFraudPumpScenario(ctx context.Context) error {
	if err := h.scnStation(ctx, "scn-fraud", "Fraud Pump Station", "FP-1"); err != nil {
		return err
	}
	if err := h.scnTank(ctx, "scn-fraud-petrol", "scn-fraud", "petrol", 15000); err != nil {
		return err
	}
	if err := h.scnPump(ctx, "scn-fraud-p1", "scn-fraud", "scn-fraud-petrol", 1, "petrol"); err != nil {
		return err
	}

	if err := h.scnRule(ctx, fuel.RuleUnderDispense, "Under-dispense", map[string]any{
		"min_volume_l": 0.1,
	}); err != nil {
		return err
	}
	if err := h.scnRule(ctx, fuel.RuleRapidFire, "Rapid Fire", map[string]any{
		"window_seconds":  10,
		"count_threshold": 3,
	}); err != nil {
		return err
	}

	// One honest sale, then the burst.
	now := h.now()
	if _, err := h.scnSale(ctx, "scn-fraud-p1", 35, 1.71, now.Add(-time.Hour)); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if _, err := h.scnSale(ctx, "scn-fraud-p1", 0.05, 1.71, now); err != nil {
			return err
		}
	}
	return nil
}

// loadBusyForecourtScenario: two stations with a day of sales. Receipts are
// issued for every sale, and one tank shows a mid-day refill surplus.
func (h *Handler) loadBusyForecourtScenario(ctx context.Context) error {
	type pumpSpec struct {
		id, station, tank, fuelType string
		number                      int
	}
	stations := []struct{ id, name, code string }{
		{"scn-busy-n", "Busy North", "BN-1"},
		{"scn-busy-s", "Busy South", "BS-1"},
	}
	tanks := []struct {
		id, station, fuelType string
		capacity, opening     float64
	}{
		{"scn-busy-n-diesel", "scn-busy-n", "diesel", 30000, 22000},
		{"scn-busy-n-petrol", "scn-busy-n", "petrol", 20000, 9000},
		{"scn-busy-s-diesel", "scn-busy-s", "diesel", 25000, 16000},
	}
	pumps := []pumpSpec{
		{"scn-busy-n-p1", "scn-busy-n", "scn-busy-n-diesel", "diesel", 1},
		{"scn-busy-n-p2", "scn-busy-n", "scn-busy-n-petrol", "petrol", 2},
		{"scn-busy-s-p1", "scn-busy-s", "scn-busy-s-diesel", "diesel", 1},
	}

	for _, s := range stations {
		if err := h.scnStation(ctx, s.id, s.name, s.code); err != nil {
			return err
		}
	}
	now := h.now()
	for _, t := range tanks {
		if err := h.scnTank(ctx, t.id, t.station, t.fuelType, t.capacity); err != nil {
			return err
		}
		if err := h.scnReading(ctx, t.id, t.opening, now.Add(-24*time.Hour)); err != nil {
			return err
		}
	}
	for _, p := range pumps {
		if err := h.scnPump(ctx, p.id, p.station, p.tank, p.number, p.fuelType); err != nil {
			return err
		}
	}

	// A day of sales, each with a signed receipt.
	sold := map[string]float64{}
	for hour := 1; hour <= 8; hour++ {
		for _, p := range pumps {
			vol := 25 + float64(hour%4)*10
			tx, err := h.scnSale(ctx, p.id, vol, 1.65, now.Add(-24*time.Hour+time.Duration(hour)*time.Hour))
			if err != nil {
				return err
			}
			if _, err := h.Receipts.Issue(ctx, tx.ID); err != nil {
				return err
			}
			sold[p.tank] += vol
		}
	}

	// Closing readings. The south diesel tank took a 5000 L delivery that
	// nobody keyed in, so its books show a surplus.
	for _, t := range tanks {
		level := t.opening - sold[t.id]
		if t.id == "scn-busy-s-diesel" {
			level += 5000
		}
		if err := h.scnReading(ctx, t.id, level, now.Add(-time.Minute)); err != nil {
			return err
		}
	}

	for _, s := range stations {
		if _, err := h.Sweeper.ReconcileStation(ctx, fuel.StationID(s.id), true, nil); err != nil {
			return err
		}
	}
	return nil
}
