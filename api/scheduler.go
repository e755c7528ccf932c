/*
scheduler.go - Background reconciliation sweeper

PURPOSE:
  Periodically reconciles every tank of every station, raising
  tank_mismatch anomalies for flagged discrepancies. Also serves the
  synchronous reconcile endpoints and the reading-triggered async
  reconcile, so all three paths share one flow.

DESIGN:
  - Runs a background goroutine with configurable sweep interval
  - Per-tank isolation: one failing tank never aborts the sweep
  - Transient storage errors are retried with bounded exponential backoff;
    not-found and insufficient-data are final and skipped quietly

USAGE:
  sweeper := NewSweeper(store, thresholds, anomalies, hub, 5*time.Minute, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - recon/engine.go: The computation the sweeper schedules
  - handlers.go: ReconcileTank/ReconcileStation endpoints
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fuelguard/reconcile-engine/anomaly"
	"github.com/fuelguard/reconcile-engine/fanout"
	"github.com/fuelguard/reconcile-engine/fuel"
	"github.com/fuelguard/reconcile-engine/recon"
)

// Sweeper drives reconciliation: scheduled sweeps, synchronous requests
// and reading-triggered async runs.
type Sweeper struct {
	store      fuel.Store
	engine     *recon.Engine
	thresholds recon.Thresholds
	anomalies  *anomaly.Manager
	hub        *fanout.Hub
	interval   time.Duration
	log        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper. Interval <= 0 disables the background loop;
// the synchronous paths still work.
func NewSweeper(store fuel.Store, thresholds recon.Thresholds, anomalies *anomaly.Manager,
	hub *fanout.Hub, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		engine:     recon.NewEngine(store, thresholds),
		thresholds: thresholds,
		anomalies:  anomalies,
		hub:        hub,
		interval:   interval,
		stop:       make(chan struct{}),
		log:        log.With().Str("component", "sweeper").Logger(),
	}
}

// Thresholds returns the configured default thresholds.
func (s *Sweeper) Thresholds() recon.Thresholds { return s.thresholds }

// Start begins the background sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.log.Info().Msg("background sweep disabled")
		return
	}

	s.ticker = time.NewTicker(s.interval)
	s.wg.Add(1)
	go s.run()

	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
}

// Stop halts the loop and waits for in-flight work to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info().Msg("sweeper stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.SweepAll(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.SweepAll(context.Background())
		case <-s.stop:
			return
		}
	}
}

// SweepAll reconciles every tank of every station.
func (s *Sweeper) SweepAll(ctx context.Context) {
	stations, err := s.store.ListStations(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep aborted: failed to list stations")
		return
	}

	flagged := 0
	for _, station := range stations {
		out, err := s.ReconcileStation(ctx, station.ID, true, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("station_id", string(station.ID)).Msg("station sweep failed")
			continue
		}
		for _, r := range out.Results {
			if r.Flagged {
				flagged++
			}
		}
	}
	s.log.Info().Int("stations", len(stations)).Int("flagged", flagged).Msg("sweep complete")
}

// ReconcileStation reconciles every tank of one station with per-tank
// isolation. Thresholds may be overridden per call.
func (s *Sweeper) ReconcileStation(ctx context.Context, stationID fuel.StationID, createAnomalies bool, overrides *recon.Thresholds) (StationReconcileDTO, error) {
	tanks, err := s.store.ListTanksByStation(ctx, stationID)
	if err != nil {
		return StationReconcileDTO{}, err
	}

	out := StationReconcileDTO{
		StationID: string(stationID),
		Results:   []ReconcileResultDTO{},
		Skipped:   []SkippedTankDTO{},
	}
	for _, tank := range tanks {
		result, raised, err := s.ReconcileTank(ctx, tank.ID, nil, createAnomalies, overrides)
		if err != nil {
			out.Skipped = append(out.Skipped, SkippedTankDTO{
				TankID: string(tank.ID),
				Reason: skipReason(err),
			})
			continue
		}
		var anomalyID fuel.AnomalyID
		if raised != nil {
			anomalyID = raised.ID
		}
		out.Results = append(out.Results, toReconcileResultDTO(result, anomalyID))
	}

	s.auditBestEffort(ctx, fuel.AuditEntry{
		Action:     fuel.AuditStationReconcile,
		TargetType: "Station",
		TargetID:   string(stationID),
		Payload: map[string]any{
			"reconciled": len(out.Results),
			"skipped":    len(out.Skipped),
		},
	})
	return out, nil
}

// ReconcileTank runs one reconcile, retrying transient storage failures,
// and materializes a tank_mismatch anomaly when flagged and requested.
// Returns the raised (or cool-down-suppressed existing) anomaly, if any.
func (s *Sweeper) ReconcileTank(ctx context.Context, tankID fuel.TankID, window *recon.Window, createAnomaly bool, overrides *recon.Thresholds) (recon.Result, *fuel.Anomaly, error) {
	engine := s.engine
	if overrides != nil {
		engine = recon.NewEngine(s.store, *overrides)
	}

	var result recon.Result
	operation := func() error {
		r, err := engine.Reconcile(ctx, tankID, window)
		if err != nil {
			if recon.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(strategy, ctx)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return recon.Result{}, nil, perm.Err
		}
		return recon.Result{}, nil, err
	}

	s.auditBestEffort(ctx, fuel.AuditEntry{
		Action:     fuel.AuditReconcileRequested,
		TargetType: "Tank",
		TargetID:   string(tankID),
		Payload:    map[string]any{"flagged": result.Flagged},
	})

	if !result.Flagged || !createAnomaly {
		return result, nil, nil
	}

	score := result.DeltaL.Abs().InexactFloat64()
	raised, created, err := s.anomalies.RaiseDeduped(ctx, anomaly.RaiseInput{
		Rule:      fuel.RuleTankMismatch,
		Name:      "Tank Mismatch",
		Severity:  engine.Severity(result),
		Score:     &score,
		Details:   result.Details(),
		StationID: result.StationID,
		TankID:    result.TankID,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("tank_id", string(tankID)).Msg("failed to raise tank mismatch")
		return result, nil, nil
	}
	if created {
		s.auditBestEffort(ctx, fuel.AuditEntry{
			Action:     fuel.AuditReconcileMismatch,
			TargetType: "Tank",
			TargetID:   string(tankID),
			Payload:    result.Details(),
		})
		s.hub.Publish(result.StationID, fanout.EventAnomalyCreated, fanout.AnomalyPayload(*raised))
	}
	return result, raised, nil
}

// ReconcileTankAsync runs a reading-triggered reconcile off the request
// path. Insufficient data is normal for a fresh tank and stays quiet.
func (s *Sweeper) ReconcileTankAsync(tankID fuel.TankID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_, _, err := s.ReconcileTank(ctx, tankID, nil, true, nil)
		if err != nil && !errors.Is(err, fuel.ErrInsufficientData) {
			s.log.Warn().Err(err).Str("tank_id", string(tankID)).Msg("async reconcile failed")
		}
	}()
}

func (s *Sweeper) auditBestEffort(ctx context.Context, e fuel.AuditEntry) {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("action", string(e.Action)).Msg("audit write failed")
	}
}

// skipReason renders a stable machine-readable reason for skipped tanks.
func skipReason(err error) string {
	switch {
	case errors.Is(err, fuel.ErrInsufficientData):
		return "insufficient_data"
	case fuel.IsNotFound(err):
		return "not_found"
	case fuel.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
