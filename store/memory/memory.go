/*
Package memory provides an in-memory implementation of fuel.Store.

PURPOSE:
  Fast, dependency-free storage for unit tests and the simulator. Behavior
  matches the SQLite store: append-only readings/transactions, compare-and-set
  anomaly flags, sensor-first tie-breaks on equal reading timestamps.

CONCURRENCY:
  A single sync.RWMutex guards all maps. View holds the read lock for the
  whole callback, which gives the same one-consistent-state guarantee the
  SQLite store gets from a SQL transaction.

SEE ALSO:
  - fuel/store.go: Interface contracts
  - store/sqlite: Production implementation
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fuelguard/reconcile-engine/fuel"
)

// Store implements fuel.Store with in-memory maps.
type Store struct {
	mu sync.RWMutex

	stations map[fuel.StationID]fuel.Station
	pumps    map[fuel.PumpID]fuel.Pump
	tanks    map[fuel.TankID]fuel.Tank

	readings     map[fuel.TankID][]fuel.TankReading
	transactions map[fuel.TransactionID]fuel.Transaction
	txOrder      []fuel.TransactionID
	externalRefs map[string]struct{}

	anomalies    map[fuel.AnomalyID]*fuel.Anomaly
	anomalyOrder []fuel.AnomalyID

	receipts     map[fuel.ReceiptID]fuel.Receipt
	receiptByTx  map[fuel.TransactionID]fuel.ReceiptID
	rules        map[fuel.RuleSlug]fuel.Rule
	audit        []fuel.AuditEntry
}

func New() *Store {
	return &Store{
		stations:     make(map[fuel.StationID]fuel.Station),
		pumps:        make(map[fuel.PumpID]fuel.Pump),
		tanks:        make(map[fuel.TankID]fuel.Tank),
		readings:     make(map[fuel.TankID][]fuel.TankReading),
		transactions: make(map[fuel.TransactionID]fuel.Transaction),
		externalRefs: make(map[string]struct{}),
		anomalies:    make(map[fuel.AnomalyID]*fuel.Anomaly),
		receipts:     make(map[fuel.ReceiptID]fuel.Receipt),
		receiptByTx:  make(map[fuel.TransactionID]fuel.ReceiptID),
		rules:        make(map[fuel.RuleSlug]fuel.Rule),
	}
}

// =============================================================================
// READING STORE
// =============================================================================

func (s *Store) AppendReading(_ context.Context, r fuel.TankReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendReadingLocked(r)
}

func (s *Store) appendReadingLocked(r fuel.TankReading) error {
	tank, ok := s.tanks[r.TankID]
	if !ok {
		return fuel.ErrTankNotFound
	}

	list := append(s.readings[r.TankID], r)
	sortReadings(list)
	s.readings[r.TankID] = list

	if tank.LastReadAt == nil || !tank.LastReadAt.After(r.MeasuredAt) {
		at := r.MeasuredAt
		tank.CurrentLevel = r.LevelL
		tank.LastReadAt = &at
		s.tanks[r.TankID] = tank
	}
	return nil
}

// sortReadings orders newest-first with the sensor-first tie-break.
func sortReadings(list []fuel.TankReading) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].MeasuredAt.Equal(list[j].MeasuredAt) {
			return list[i].MeasuredAt.After(list[j].MeasuredAt)
		}
		return fuel.PreferredReading(list[j], list[i]).ID == list[i].ID
	})
}

func (s *Store) ListReadings(_ context.Context, tankID fuel.TankID, limit int) ([]fuel.TankReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestReadingsLocked(tankID, limit), nil
}

func (s *Store) LatestReadings(_ context.Context, tankID fuel.TankID, n int) ([]fuel.TankReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestReadingsLocked(tankID, n), nil
}

func (s *Store) latestReadingsLocked(tankID fuel.TankID, n int) []fuel.TankReading {
	list := s.readings[tankID]
	if n <= 0 {
		n = 100
	}
	if n > len(list) {
		n = len(list)
	}
	out := make([]fuel.TankReading, n)
	copy(out, list[:n])
	return out
}

func (s *Store) ReadingsBracketing(_ context.Context, tankID fuel.TankID, from, to time.Time) (*fuel.TankReading, *fuel.TankReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newestAtOrBeforeLocked(tankID, from), s.newestAtOrBeforeLocked(tankID, to), nil
}

func (s *Store) newestAtOrBeforeLocked(tankID fuel.TankID, at time.Time) *fuel.TankReading {
	for _, r := range s.readings[tankID] { // newest-first
		if !r.MeasuredAt.After(at) {
			out := r
			return &out
		}
	}
	return nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (s *Store) AppendTransaction(_ context.Context, tx fuel.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := tx.ValidateAmounts(); err != nil {
		return err
	}
	if tx.ExternalRef != "" {
		if _, dup := s.externalRefs[tx.ExternalRef]; dup {
			return fuel.ErrDuplicate
		}
		s.externalRefs[tx.ExternalRef] = struct{}{}
	}
	if _, dup := s.transactions[tx.ID]; dup {
		return fuel.ErrDuplicate
	}
	s.transactions[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id fuel.TransactionID) (*fuel.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fuel.ErrTransactionNotFound
	}
	return &tx, nil
}

func (s *Store) ListTransactionsByPump(_ context.Context, pumpID fuel.PumpID, limit int) ([]fuel.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []fuel.Transaction
	for i := len(s.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		tx := s.transactions[s.txOrder[i]]
		if tx.PumpID == pumpID {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Store) SumVolumeInWindow(_ context.Context, tankID fuel.TankID, t0, t1 time.Time) (fuel.Liters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumVolumeLocked(tankID, t0, t1), nil
}

func (s *Store) sumVolumeLocked(tankID fuel.TankID, t0, t1 time.Time) fuel.Liters {
	total := decimal.Zero
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.TankID != tankID || tx.Status != fuel.TxCompleted {
			continue
		}
		if tx.Timestamp.Before(t0) || !tx.Timestamp.Before(t1) {
			continue
		}
		total = total.Add(tx.VolumeL)
	}
	return total
}

func (s *Store) CountRecentByPump(_ context.Context, pumpID fuel.PumpID, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.PumpID == pumpID && !tx.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) AvgUnitPriceSince(_ context.Context, stationID fuel.StationID, since time.Time) (fuel.Liters, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, n := decimal.Zero, 0
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.StationID == stationID && !tx.Timestamp.Before(since) {
			sum = sum.Add(tx.UnitPrice)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, false, nil
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true, nil
}

// =============================================================================
// ANOMALY STORE
// =============================================================================

func (s *Store) CreateAnomaly(_ context.Context, a fuel.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.anomalies[a.ID]; dup {
		return fuel.ErrDuplicate
	}
	clone := a
	s.anomalies[a.ID] = &clone
	s.anomalyOrder = append(s.anomalyOrder, a.ID)
	return nil
}

func (s *Store) GetAnomaly(_ context.Context, id fuel.AnomalyID) (*fuel.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.anomalies[id]
	if !ok {
		return nil, fuel.ErrAnomalyNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *Store) ListAnomalies(_ context.Context, f fuel.AnomalyFilter) ([]fuel.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []fuel.Anomaly
	for i := len(s.anomalyOrder) - 1; i >= 0; i-- { // newest-first
		a := s.anomalies[s.anomalyOrder[i]]
		if f.StationID != "" && a.StationID != f.StationID {
			continue
		}
		if f.Rule != "" && a.Rule != f.Rule {
			continue
		}
		if f.OnlyOpen && a.Resolved {
			continue
		}
		matched = append(matched, *a)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) MarkAcknowledged(_ context.Context, id fuel.AnomalyID, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anomalies[id]
	if !ok {
		return false, fuel.ErrAnomalyNotFound
	}
	if a.Acknowledged {
		return false, nil
	}
	t := at
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &t
	return true, nil
}

func (s *Store) MarkResolved(_ context.Context, id fuel.AnomalyID, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anomalies[id]
	if !ok {
		return false, fuel.ErrAnomalyNotFound
	}
	if a.Resolved {
		return false, nil
	}
	t := at
	a.Resolved = true
	a.ResolvedBy = by
	a.ResolvedAt = &t
	return true, nil
}

func (s *Store) LatestOpenAnomaly(_ context.Context, rule fuel.RuleSlug, tankID fuel.TankID) (*fuel.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.anomalyOrder) - 1; i >= 0; i-- {
		a := s.anomalies[s.anomalyOrder[i]]
		if a.Rule == rule && a.TankID == tankID && !a.Resolved {
			clone := *a
			return &clone, nil
		}
	}
	return nil, nil
}

// =============================================================================
// REGISTRY
// =============================================================================

func (s *Store) SaveStation(_ context.Context, st fuel.Station) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations[st.ID] = st
	return nil
}

func (s *Store) GetStation(_ context.Context, id fuel.StationID) (*fuel.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStationLocked(id)
}

func (s *Store) getStationLocked(id fuel.StationID) (*fuel.Station, error) {
	st, ok := s.stations[id]
	if !ok {
		return nil, fuel.ErrStationNotFound
	}
	return &st, nil
}

func (s *Store) ListStations(_ context.Context) ([]fuel.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]fuel.Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) SavePump(_ context.Context, p fuel.Pump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pumps[p.ID] = p
	return nil
}

func (s *Store) GetPump(_ context.Context, id fuel.PumpID) (*fuel.Pump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPumpLocked(id)
}

func (s *Store) getPumpLocked(id fuel.PumpID) (*fuel.Pump, error) {
	p, ok := s.pumps[id]
	if !ok {
		return nil, fuel.ErrPumpNotFound
	}
	return &p, nil
}

func (s *Store) ListPumpsByStation(_ context.Context, stationID fuel.StationID) ([]fuel.Pump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPumpsLocked(stationID), nil
}

func (s *Store) listPumpsLocked(stationID fuel.StationID) []fuel.Pump {
	var out []fuel.Pump
	for _, p := range s.pumps {
		if p.StationID == stationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PumpNumber < out[j].PumpNumber })
	return out
}

func (s *Store) MarkPumpHeartbeat(_ context.Context, id fuel.PumpID, at time.Time) (*fuel.Pump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pumps[id]
	if !ok {
		return nil, fuel.ErrPumpNotFound
	}
	t := at
	p.LastHeartbeat = &t
	s.pumps[id] = p
	return &p, nil
}

func (s *Store) SaveTank(_ context.Context, t fuel.Tank) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tanks[t.ID] = t
	return nil
}

func (s *Store) GetTank(_ context.Context, id fuel.TankID) (*fuel.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTankLocked(id)
}

func (s *Store) getTankLocked(id fuel.TankID) (*fuel.Tank, error) {
	t, ok := s.tanks[id]
	if !ok {
		return nil, fuel.ErrTankNotFound
	}
	return &t, nil
}

func (s *Store) ListTanksByStation(_ context.Context, stationID fuel.StationID) ([]fuel.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTanksLocked(stationID), nil
}

func (s *Store) listTanksLocked(stationID fuel.StationID) []fuel.Tank {
	var out []fuel.Tank
	for _, t := range s.tanks {
		if t.StationID == stationID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FuelType < out[j].FuelType })
	return out
}

// =============================================================================
// RECEIPTS / RULES / AUDIT
// =============================================================================

func (s *Store) SaveReceipt(_ context.Context, r fuel.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.receiptByTx[r.TransactionID]; dup {
		return fuel.ErrDuplicate
	}
	s.receipts[r.ID] = r
	s.receiptByTx[r.TransactionID] = r.ID
	return nil
}

func (s *Store) GetReceipt(_ context.Context, id fuel.ReceiptID) (*fuel.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receipts[id]
	if !ok {
		return nil, fuel.ErrReceiptNotFound
	}
	return &r, nil
}

func (s *Store) GetReceiptByTransaction(_ context.Context, txID fuel.TransactionID) (*fuel.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.receiptByTx[txID]
	if !ok {
		return nil, fuel.ErrReceiptNotFound
	}
	r := s.receipts[id]
	return &r, nil
}

func (s *Store) ListReceipts(_ context.Context, txID fuel.TransactionID, limit int) ([]fuel.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []fuel.Receipt
	for _, r := range s.receipts {
		if txID != "" && r.TransactionID != txID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveRule(_ context.Context, r fuel.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.Slug] = r
	return nil
}

func (s *Store) GetRuleBySlug(_ context.Context, slug fuel.RuleSlug) (*fuel.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[slug]
	if !ok {
		return nil, fuel.ErrRuleNotFound
	}
	return &r, nil
}

func (s *Store) ListRules(_ context.Context, enabledOnly bool) ([]fuel.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []fuel.Rule
	for _, r := range s.rules {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) AppendAudit(_ context.Context, e fuel.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// AuditEntries returns a copy of the audit trail, oldest first. Test helper.
func (s *Store) AuditEntries() []fuel.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fuel.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// View holds the read lock across the callback, so fn observes one
// consistent state.
func (s *Store) View(_ context.Context, fn func(fuel.SnapshotView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&snapshotView{s: s})
}

// snapshotView serves reads from under the already-held lock. The locked
// helpers are used directly; re-locking would self-deadlock.
type snapshotView struct {
	s *Store
}

func (v *snapshotView) AppendReading(context.Context, fuel.TankReading) error {
	return fuel.ErrConflict
}

func (v *snapshotView) ListReadings(_ context.Context, tankID fuel.TankID, limit int) ([]fuel.TankReading, error) {
	return v.s.latestReadingsLocked(tankID, limit), nil
}

func (v *snapshotView) LatestReadings(_ context.Context, tankID fuel.TankID, n int) ([]fuel.TankReading, error) {
	return v.s.latestReadingsLocked(tankID, n), nil
}

func (v *snapshotView) ReadingsBracketing(_ context.Context, tankID fuel.TankID, from, to time.Time) (*fuel.TankReading, *fuel.TankReading, error) {
	return v.s.newestAtOrBeforeLocked(tankID, from), v.s.newestAtOrBeforeLocked(tankID, to), nil
}

func (v *snapshotView) AppendTransaction(context.Context, fuel.Transaction) error {
	return fuel.ErrConflict
}

func (v *snapshotView) GetTransaction(_ context.Context, id fuel.TransactionID) (*fuel.Transaction, error) {
	tx, ok := v.s.transactions[id]
	if !ok {
		return nil, fuel.ErrTransactionNotFound
	}
	return &tx, nil
}

func (v *snapshotView) ListTransactionsByPump(_ context.Context, pumpID fuel.PumpID, limit int) ([]fuel.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []fuel.Transaction
	for i := len(v.s.txOrder) - 1; i >= 0 && len(out) < limit; i-- {
		tx := v.s.transactions[v.s.txOrder[i]]
		if tx.PumpID == pumpID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (v *snapshotView) SumVolumeInWindow(_ context.Context, tankID fuel.TankID, t0, t1 time.Time) (fuel.Liters, error) {
	return v.s.sumVolumeLocked(tankID, t0, t1), nil
}

func (v *snapshotView) CountRecentByPump(_ context.Context, pumpID fuel.PumpID, since time.Time) (int, error) {
	count := 0
	for _, id := range v.s.txOrder {
		tx := v.s.transactions[id]
		if tx.PumpID == pumpID && !tx.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (v *snapshotView) AvgUnitPriceSince(_ context.Context, stationID fuel.StationID, since time.Time) (fuel.Liters, bool, error) {
	sum, n := decimal.Zero, 0
	for _, id := range v.s.txOrder {
		tx := v.s.transactions[id]
		if tx.StationID == stationID && !tx.Timestamp.Before(since) {
			sum = sum.Add(tx.UnitPrice)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, false, nil
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true, nil
}

func (v *snapshotView) SaveStation(context.Context, fuel.Station) error { return fuel.ErrConflict }

func (v *snapshotView) GetStation(_ context.Context, id fuel.StationID) (*fuel.Station, error) {
	return v.s.getStationLocked(id)
}

func (v *snapshotView) ListStations(context.Context) ([]fuel.Station, error) {
	out := make([]fuel.Station, 0, len(v.s.stations))
	for _, st := range v.s.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (v *snapshotView) SavePump(context.Context, fuel.Pump) error { return fuel.ErrConflict }

func (v *snapshotView) GetPump(_ context.Context, id fuel.PumpID) (*fuel.Pump, error) {
	return v.s.getPumpLocked(id)
}

func (v *snapshotView) ListPumpsByStation(_ context.Context, stationID fuel.StationID) ([]fuel.Pump, error) {
	return v.s.listPumpsLocked(stationID), nil
}

func (v *snapshotView) MarkPumpHeartbeat(context.Context, fuel.PumpID, time.Time) (*fuel.Pump, error) {
	return nil, fuel.ErrConflict
}

func (v *snapshotView) SaveTank(context.Context, fuel.Tank) error { return fuel.ErrConflict }

func (v *snapshotView) GetTank(_ context.Context, id fuel.TankID) (*fuel.Tank, error) {
	return v.s.getTankLocked(id)
}

func (v *snapshotView) ListTanksByStation(_ context.Context, stationID fuel.StationID) ([]fuel.Tank, error) {
	return v.s.listTanksLocked(stationID), nil
}
