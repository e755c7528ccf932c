/*
main.go - Demo data simulator

PURPOSE:
  Seeds a demo station directly into the database and then drives the
  running HTTP API with a stream of pump heartbeats, sale transactions
  and tank readings. Useful for demos and manual testing of the
  reconciliation sweep, rules and websocket fanout.

USAGE:
  # Seed the demo station and exit
  ./simulate -db="./data/fuelguard.db" -seed-only

  # Seed, then emit 100 events against a running server
  ./simulate -db="./data/fuelguard.db" -base="http://localhost:8080" -count=100

BEHAVIOR:
  Every tick the simulator picks a random pump, sends a heartbeat and a
  completed transaction. Roughly every tenth tick it also posts a tank
  reading derived from the dispensed volume, with a small random drift so
  some reconciliation runs come out flagged.

SEE ALSO:
  - cmd/server/main.go: The server this drives
  - api/handlers.go: Endpoints exercised here
*/
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/fuelguard/reconcile-engine/fuel"
	"github.com/fuelguard/reconcile-engine/store/sqlite"
)

// Fixed IDs keep re-seeding idempotent: Save* upserts on ID.
const (
	demoStationID = "demo-station-1"
	demoTankA     = "demo-tank-diesel"
	demoTankB     = "demo-tank-petrol"
)

var demoPumps = []fuel.Pump{
	{ID: "demo-pump-1", TankID: demoTankA, PumpNumber: 1, FuelType: "diesel"},
	{ID: "demo-pump-2", TankID: demoTankA, PumpNumber: 2, FuelType: "diesel"},
	{ID: "demo-pump-3", TankID: demoTankB, PumpNumber: 3, FuelType: "petrol"},
	{ID: "demo-pump-4", TankID: demoTankB, PumpNumber: 4, FuelType: "petrol"},
}

func main() {
	dbPath := flag.String("db", "./data/fuelguard.db", "SQLite database path (for seeding)")
	base := flag.String("base", "http://localhost:8080", "Base URL of the running server")
	count := flag.Int("count", 50, "Number of simulated ticks")
	interval := flag.Duration("interval", 2*time.Second, "Delay between ticks")
	seedOnly := flag.Bool("seed-only", false, "Seed the demo station and exit")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "simulate").Logger()

	if err := seed(*dbPath, logger); err != nil {
		logger.Fatal().Err(err).Msg("seeding failed")
	}
	if *seedOnly {
		logger.Info().Msg("seed complete")
		return
	}

	sim := &simulator{
		base:   *base,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	sim.run(*count, *interval)
}

// seed writes the demo station, tanks, pumps and an opening reading per tank
// straight into the store. The server reads the same database file.
func seed(dbPath string, log zerolog.Logger) error {
	store, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	station := fuel.Station{
		ID: demoStationID, Name: "Demo Station", Code: "DEMO-1",
		Timezone: "UTC", CreatedAt: now,
	}
	if err := store.SaveStation(ctx, station); err != nil {
		return fmt.Errorf("save station: %w", err)
	}

	tanks := []fuel.Tank{
		{ID: demoTankA, StationID: demoStationID, FuelType: "diesel",
			CapacityL: fuel.LitersFromFloat(20000), CurrentLevel: fuel.LitersFromFloat(15000), CreatedAt: now},
		{ID: demoTankB, StationID: demoStationID, FuelType: "petrol",
			CapacityL: fuel.LitersFromFloat(15000), CurrentLevel: fuel.LitersFromFloat(12000), CreatedAt: now},
	}
	for _, t := range tanks {
		if err := store.SaveTank(ctx, t); err != nil {
			return fmt.Errorf("save tank %s: %w", t.ID, err)
		}
		reading := fuel.TankReading{
			ID:         fuel.ReadingID(fmt.Sprintf("%s-opening", t.ID)),
			TankID:     t.ID,
			LevelL:     t.CurrentLevel,
			MeasuredAt: now,
			Source:     fuel.SourceSensor,
			CreatedAt:  now,
		}
		if err := store.AppendReading(ctx, reading); err != nil && !fuel.IsClientError(err) {
			return fmt.Errorf("opening reading for %s: %w", t.ID, err)
		}
	}

	for _, p := range demoPumps {
		p.StationID = demoStationID
		p.Status = fuel.PumpOffline
		p.CreatedAt = now
		if err := store.SavePump(ctx, p); err != nil {
			return fmt.Errorf("save pump %s: %w", p.ID, err)
		}
	}

	log.Info().Str("station", demoStationID).Int("tanks", len(tanks)).
		Int("pumps", len(demoPumps)).Msg("demo station seeded")
	return nil
}

// =============================================================================
// EVENT EMISSION
// =============================================================================

type simulator struct {
	base   string
	client *http.Client
	log    zerolog.Logger
	rng    *rand.Rand

	// Running tank levels so emitted readings track dispensed volume.
	levels map[fuel.TankID]decimal.Decimal
	// Volume dispensed per tank since its last emitted reading.
	pending map[fuel.TankID]decimal.Decimal
}

func (s *simulator) run(count int, interval time.Duration) {
	s.levels = map[fuel.TankID]decimal.Decimal{
		demoTankA: decimal.NewFromInt(15000),
		demoTankB: decimal.NewFromInt(12000),
	}
	s.pending = map[fuel.TankID]decimal.Decimal{}

	for i := 0; i < count; i++ {
		pump := demoPumps[s.rng.Intn(len(demoPumps))]
		s.heartbeat(pump.ID)
		s.transaction(pump)

		// Periodically post a reading so the sweep has fresh data.
		if i > 0 && i%10 == 0 {
			s.reading(pump.TankID)
		}

		time.Sleep(interval)
	}
	s.log.Info().Int("ticks", count).Msg("simulation complete")
}

func (s *simulator) heartbeat(pumpID fuel.PumpID) {
	s.post(fmt.Sprintf("/api/v1/pumps/%s/heartbeat/", pumpID), map[string]any{})
}

func (s *simulator) transaction(pump fuel.Pump) {
	volume := 15 + s.rng.Float64()*45 // 15-60 L
	unitPrice := 1.55 + s.rng.Float64()*0.2

	body := map[string]any{
		"pump_id":      string(pump.ID),
		"attendant_id": fmt.Sprintf("attendant-%d", 1+s.rng.Intn(3)),
		"volume_l":     round2(volume),
		"unit_price":   round2(unitPrice),
		"total_amount": round2(volume * unitPrice),
	}
	if s.post("/api/v1/transactions/", body) {
		vol := decimal.NewFromFloat(round2(volume))
		s.pending[pump.TankID] = s.pending[pump.TankID].Add(vol)
	}
}

// reading emits the tank's expected level minus the volume dispensed since the
// last reading, plus a drift of up to two liters. Occasionally it injects a
// large unexplained loss so a reconciliation run comes out flagged.
func (s *simulator) reading(tankID fuel.TankID) {
	level := s.levels[tankID].Sub(s.pending[tankID])

	drift := decimal.NewFromFloat((s.rng.Float64() - 0.5) * 4)
	level = level.Add(drift)
	if s.rng.Intn(8) == 0 {
		loss := decimal.NewFromFloat(60 + s.rng.Float64()*40)
		level = level.Sub(loss)
		s.log.Info().Str("tank", string(tankID)).Str("loss_l", loss.StringFixed(1)).
			Msg("injecting unexplained loss")
	}

	body := map[string]any{
		"level_l":     level.InexactFloat64(),
		"measured_at": time.Now().UTC().Format(time.RFC3339),
		"source":      "sensor",
	}
	if s.post(fmt.Sprintf("/api/v1/tanks/%s/readings/", tankID), body) {
		s.levels[tankID] = level
		s.pending[tankID] = decimal.Zero
	}
}

// post sends a JSON body with bounded retries and reports success.
func (s *simulator) post(path string, body any) bool {
	payload, err := json.Marshal(body)
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("marshal failed")
		return false
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 15 * time.Second

	err = backoff.Retry(func() error {
		resp, err := s.client.Post(s.base+path, "application/json", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("rejected with %d", resp.StatusCode))
		}
		return nil
	}, policy)

	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("request failed")
		return false
	}
	s.log.Debug().Str("path", path).Msg("event sent")
	return true
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
