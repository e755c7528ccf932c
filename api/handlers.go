/*
handlers.go - HTTP API handlers for the reconciliation engine

PURPOSE:
  Exposes the engine via REST. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Anomalies:
    GET    /api/v1/anomalies/                  List (filter: station, rule, open)
    POST   /api/v1/anomalies/{id}/acknowledge/ Idempotent acknowledge
    POST   /api/v1/anomalies/{id}/resolve/     Terminal resolve

  Tanks / readings:
    GET    /api/v1/tanks/                      List (filter: station)
    GET    /api/v1/tanks/{id}/readings/        Reading history
    POST   /api/v1/tanks/{id}/readings/        Ingest reading (async reconcile)
    POST   /api/v1/tanks/{id}/reconcile/       Synchronous reconcile

  Stations / pumps:
    GET    /api/v1/stations/                   List stations
    GET    /api/v1/stations/{id}/pumps/        Pumps with live status
    POST   /api/v1/reconcile/station/{id}/     Sweep all tanks of a station
    POST   /api/v1/pumps/{id}/heartbeat/       Record heartbeat
    GET    /api/v1/pumps/{id}/transactions/    Transaction history

  Transactions / receipts:
    POST   /api/v1/transactions/               Record dispensing event
    GET    /api/v1/transactions/{id}/          Fetch one
    POST   /api/v1/receipts/generate/          Issue signed receipt
    POST   /api/v1/receipts/verify/            Verify a token
    GET    /api/v1/receipts/                   List (filter: transaction)

  Rules:
    GET    /api/v1/rules/                      List rule configs
    POST   /api/v1/rules/                      Create/replace rule config
    PUT    /api/v1/rules/{id}/                 Update rule config

  Scenarios (demo data, see scenarios.go):
    GET    /api/v1/scenarios/                  List available scenarios
    GET    /api/v1/scenarios/current/          Currently loaded scenario
    POST   /api/v1/scenarios/load/             Load a scenario by id

ERROR HANDLING:
  Errors are JSON bodies {error, code, details} with status derived from
  the domain error taxonomy:
  - 400 validation_error: Rejected input
  - 404 not_found:        Missing station/tank/pump/anomaly/transaction
  - 409 conflict:         Duplicate external_ref or receipt
  - 422 insufficient_data: Fewer than two readings bracket the window
  - 503 transient:        Retryable storage failure

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Sweeper used for sync + async reconciles
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fuelguard/reconcile-engine/anomaly"
	"github.com/fuelguard/reconcile-engine/fanout"
	"github.com/fuelguard/reconcile-engine/fuel"
	"github.com/fuelguard/reconcile-engine/receipt"
	"github.com/fuelguard/reconcile-engine/recon"
	"github.com/fuelguard/reconcile-engine/rules"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     fuel.Store
	Sweeper   *Sweeper
	Anomalies *anomaly.Manager
	Rules     *rules.Evaluator
	Receipts  *receipt.Service
	Hub       *fanout.Hub

	// HeartbeatFreshness decides online/offline pump labels.
	HeartbeatFreshness time.Duration

	Log zerolog.Logger
	now func() time.Time

	scnMu           sync.Mutex
	currentScenario string
}

// NewHandler creates a handler with the given dependencies.
func NewHandler(store fuel.Store, sweeper *Sweeper, anomalies *anomaly.Manager,
	evaluator *rules.Evaluator, receipts *receipt.Service, hub *fanout.Hub,
	freshness time.Duration, log zerolog.Logger) *Handler {
	return &Handler{
		Store:              store,
		Sweeper:            sweeper,
		Anomalies:          anomalies,
		Rules:              evaluator,
		Receipts:           receipts,
		Hub:                hub,
		HeartbeatFreshness: freshness,
		Log:                log.With().Str("component", "api").Logger(),
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// STATION / PUMP HANDLERS
// =============================================================================

// ListStations returns all stations.
func (h *Handler) ListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := h.Store.ListStations(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]StationDTO, len(stations))
	for i, s := range stations {
		dtos[i] = toStationDTO(s)
	}
	writeJSON(w, http.StatusOK, ListDTO{Results: dtos})
}

// ListStationPumps returns a station's pumps with heartbeat-derived status.
func (h *Handler) ListStationPumps(w http.ResponseWriter, r *http.Request) {
	stationID := fuel.StationID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetStation(r.Context(), stationID); err != nil {
		writeDomainError(w, err)
		return
	}
	pumps, err := h.Store.ListPumpsByStation(r.Context(), stationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	now := h.now()
	dtos := make([]PumpDTO, len(pumps))
	for i, p := range pumps {
		dtos[i] = toPumpDTO(p, now, h.HeartbeatFreshness)
	}
	writeJSON(w, http.StatusOK, ListDTO{Results: dtos})
}

// PumpHeartbeat records a pump heartbeat and publishes pump.heartbeat.
// A status flip (offline → online) additionally publishes pump.updated.
func (h *Handler) PumpHeartbeat(w http.ResponseWriter, r *http.Request) {
	pumpID := fuel.PumpID(chi.URLParam(r, "id"))
	now := h.now()

	before, err := h.Store.GetPump(r.Context(), pumpID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	wasOnline := before.IsOnline(now, h.HeartbeatFreshness)

	p, err := h.Store.MarkPumpHeartbeat(r.Context(), pumpID, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.Hub.Publish(p.StationID, fanout.EventPumpHeartbeat, fanout.PumpPayload(*p))
	if !wasOnline && p.IsOnline(now, h.HeartbeatFreshness) {
		h.Hub.Publish(p.StationID, fanout.EventPumpUpdated, fanout.PumpPayload(*p))
	}

	writeJSON(w, http.StatusOK, toPumpDTO(*p, now, h.HeartbeatFreshness))
}

// ListPumpTransactions returns a pump's transaction history.
func (h *Handler) ListPumpTransactions(w http.ResponseWriter, r *http.Request) {
	pumpID := fuel.PumpID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetPump(r.Context(), pumpID); err != nil {
		writeDomainError(w, err)
		return
	}

	limit := queryInt(r, "page_size", 50)
	txs, err := h.Store.ListTransactionsByPump(r.Context(), pumpID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, ListDTO{Results: dtos})
}

// =============================================================================
// TANK / READING HANDLERS
// =============================================================================

// ListTanks returns tanks, optionally filtered by station.
func (h *Handler) ListTanks(w http.ResponseWriter, r *http.Request) {
	stationParam := r.URL.Query().Get("station")

	var tanks []fuel.Tank
	if stationParam != "" {
		list, err := h.Store.ListTanksByStation(r.Context(), fuel.StationID(stationParam))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		tanks = list
	} else {
		stations, err := h.Store.ListStations(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, s := range stations {
			list, err := h.Store.ListTanksByStation(r.Context(), s.ID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			tanks = append(tanks, list...)
		}
	}

	dtos := make([]TankDTO, len(tanks))
	for i, t := range tanks {
		dtos[i] = toTankDTO(t)
	}
	writeJSON(w, http.StatusOK, ListDTO{Results: dtos})
}

// ListTankReadings returns a tank's readings, most recent first.
func (h *Handler) ListTankReadings(w http.ResponseWriter, r *http.Request) {
	tankID := fuel.TankID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetTank(r.Context(), tankID); err != nil {
		writeDomainError(w, err)
		return
	}

	limit := queryInt(r, "page_size", 50)
	readings, err := h.Store.ListReadings(r.Context(), tankID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ReadingDTO, len(readings))
	for i, rd := range readings {
		dtos[i] = toReadingDTO(rd)
	}
	writeJSON(w, http.StatusOK, ListDTO{Results: dtos})
}

// CreateTankReading ingests one measurement, then kicks off an async
// reconcile of the tank.
func (h *Handler) CreateTankReading(w http.ResponseWriter, r *http.Request) {
	tankID := fuel.TankID(chi.URLParam(r, "id"))

	var req CreateReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
		return
	}
	if req.LevelL == nil {
		writeDomainError(w, &fuel.ValidationError{Field: "level_l", Message: "is required"})
		return
	}
	if *req.LevelL < 0 {
		writeDomainError(w, &fuel.ValidationError{Field: "level_l", Message: "must not be negative"})
		return
	}

	measuredAt := h.now()
	if req.MeasuredAt != "" {
		t, err := time.Parse(time.RFC3339, req.MeasuredAt)
		if err != nil {
			writeDomainError(w, &fuel.ValidationError{Field: "measured_at", Message: "must be RFC3339"})
			return
		}
		measuredAt = t.UTC()
	}

	source := fuel.ReadingSource(req.Source)
	switch source {
	case "":
		source = fuel.SourceSensor
	case fuel.SourceSensor, fuel.SourceManual, fuel.SourceEstimated:
	default:
		writeDomainError(w, &fuel.ValidationError{Field: "source", Message: "must be sensor, manual or estimated"})
		return
	}

	reading := fuel.TankReading{
		ID:         fuel.ReadingID(uuid.NewString()),
		TankID:     tankID,
		LevelL:     fuel.LitersFromFloat(*req.LevelL),
		MeasuredAt: measuredAt,
		Source:     source,
		CreatedAt:  h.now(),
	}
	if err := h.Store.AppendReading(r.Context(), reading); err != nil {
		writeDomainError(w, err)
		return
	}

	// Reading-triggered reconcile runs in the background; ingest latency
	// stays flat no matter how slow the reconcile path is.
	h.Sweeper.ReconcileTankAsync(tankID)

	writeJSON(w, http.StatusCreated, toReadingDTO(reading))
}

// ReconcileTank runs a synchronous reconcile, optionally over an explicit
// window, and raises a tank_mismatch anomaly when flagged (default on).
func (h *Handler) ReconcileTank(w http.ResponseWriter, r *http.Request) {
	tankID := fuel.TankID(chi.URLParam(r, "id"))

	req := ReconcileRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
			return
		}
	}

	var window *recon.Window
	if req.From != "" || req.To != "" {
		from, errFrom := time.Parse(time.RFC3339, req.From)
		to, errTo := time.Parse(time.RFC3339, req.To)
		if errFrom != nil || errTo != nil {
			writeDomainError(w, &fuel.ValidationError{Field: "from/to", Message: "must both be RFC3339"})
			return
		}
		window = &recon.Window{From: from.UTC(), To: to.UTC()}
	}

	createAnomaly := req.CreateAnomaly == nil || *req.CreateAnomaly
	result, raised, err := h.Sweeper.ReconcileTank(r.Context(), tankID, window, createAnomaly, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var anomalyID fuel.AnomalyID
	if raised != nil {
		anomalyID = raised.ID
	}
	writeJSON(w, http.StatusOK, toReconcileResultDTO(result, anomalyID))
}

// ReconcileStation sweeps every tank of a station. Per-tank isolation:
// one failing tank lands in skipped, the rest still reconcile.
func (h *Handler) ReconcileStation(w http.ResponseWriter, r *http.Request) {
	stationID := fuel.StationID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetStation(r.Context(), stationID); err != nil {
		writeDomainError(w, err)
		return
	}

	req := StationReconcileRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
			return
		}
	}

	var overrides *recon.Thresholds
	if req.ThresholdL != nil || req.ThresholdPercent != nil {
		t := h.Sweeper.Thresholds()
		if req.ThresholdL != nil {
			t.DeltaLiters = fuel.LitersFromFloat(*req.ThresholdL)
		}
		if req.ThresholdPercent != nil {
			t.DeltaPercent = fuel.LitersFromFloat(*req.ThresholdPercent)
		}
		overrides = &t
	}
	createAnomalies := req.CreateAnomalies == nil || *req.CreateAnomalies

	out, err := h.Sweeper.ReconcileStation(r.Context(), stationID, createAnomalies, overrides)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction records a dispensing event, evaluates the per-transaction
// rules and publishes transaction.created.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
		return
	}
	if req.PumpID == "" {
		writeDomainError(w, &fuel.ValidationError{Field: "pump_id", Message: "is required"})
		return
	}
	if req.VolumeL == nil || req.UnitPrice == nil || req.TotalAmount == nil {
		writeDomainError(w, &fuel.ValidationError{Field: "volume_l/unit_price/total_amount", Message: "are required"})
		return
	}

	pump, err := h.Store.GetPump(r.Context(), fuel.PumpID(req.PumpID))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ts := h.now()
	if req.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeDomainError(w, &fuel.ValidationError{Field: "timestamp", Message: "must be RFC3339"})
			return
		}
		ts = t.UTC()
	}

	status := fuel.TxStatus(req.Status)
	switch status {
	case "":
		status = fuel.TxCompleted
	case fuel.TxPending, fuel.TxCompleted, fuel.TxVoid:
	default:
		writeDomainError(w, &fuel.ValidationError{Field: "status", Message: "must be pending, completed or void"})
		return
	}

	tx := fuel.Transaction{
		ID:          fuel.TransactionID(uuid.NewString()),
		StationID:   pump.StationID,
		PumpID:      pump.ID,
		TankID:      pump.TankID,
		AttendantID: req.AttendantID,
		Timestamp:   ts,
		VolumeL:     fuel.LitersFromFloat(*req.VolumeL),
		UnitPrice:   fuel.LitersFromFloat(*req.UnitPrice),
		TotalAmount: fuel.LitersFromFloat(*req.TotalAmount),
		Status:      status,
		ExternalRef: req.ExternalRef,
		CreatedAt:   h.now(),
	}
	if err := tx.ValidateAmounts(); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Store.AppendTransaction(r.Context(), tx); err != nil {
		writeDomainError(w, err)
		return
	}

	h.evaluateRules(r.Context(), tx)
	h.Hub.Publish(tx.StationID, fanout.EventTransactionCreated, fanout.TransactionPayload(tx))

	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// evaluateRules turns rule findings into anomalies and publishes them.
func (h *Handler) evaluateRules(ctx context.Context, tx fuel.Transaction) {
	for _, f := range h.Rules.EvaluateTransaction(ctx, tx) {
		score := f.Score
		a, err := h.Anomalies.Raise(ctx, anomaly.RaiseInput{
			Rule:          f.Rule,
			Name:          f.Name,
			Severity:      f.Severity,
			Score:         &score,
			Details:       f.Details,
			StationID:     tx.StationID,
			TankID:        tx.TankID,
			PumpID:        tx.PumpID,
			TransactionID: tx.ID,
		})
		if err != nil {
			h.Log.Warn().Err(err).Str("rule", string(f.Rule)).Msg("failed to raise rule anomaly")
			continue
		}
		h.Hub.Publish(tx.StationID, fanout.EventAnomalyCreated, fanout.AnomalyPayload(*a))
	}
}

// GetTransaction returns one transaction.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Store.GetTransaction(r.Context(), fuel.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// =============================================================================
// ANOMALY HANDLERS
// =============================================================================

// ListAnomalies returns anomalies newest-first with {results, next}.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	pageSize := queryInt(r, "page_size", 50)
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}

	filter := fuel.AnomalyFilter{
		StationID: fuel.StationID(r.URL.Query().Get("station")),
		Rule:      fuel.RuleSlug(r.URL.Query().Get("rule")),
		OnlyOpen:  r.URL.Query().Get("open") == "true",
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
	}
	anomalies, err := h.Store.ListAnomalies(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]AnomalyDTO, len(anomalies))
	for i, a := range anomalies {
		dtos[i] = toAnomalyDTO(a)
	}

	var next *string
	if len(anomalies) == pageSize {
		n := nextPageURL(r.URL, page+1)
		next = &n
	}
	writeJSON(w, http.StatusOK, ListDTO{Results: dtos, Next: next})
}

// AcknowledgeAnomaly is idempotent: repeated calls return the same state.
func (h *Handler) AcknowledgeAnomaly(w http.ResponseWriter, r *http.Request) {
	id := fuel.AnomalyID(chi.URLParam(r, "id"))
	by := h.lifecycleActor(r)

	a, err := h.Anomalies.Acknowledge(r.Context(), id, by)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnomalyDTO(*a))
}

// ResolveAnomaly is terminal and idempotent.
func (h *Handler) ResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	id := fuel.AnomalyID(chi.URLParam(r, "id"))
	by := h.lifecycleActor(r)

	a, err := h.Anomalies.Resolve(r.Context(), id, by)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnomalyDTO(*a))
}

func (h *Handler) lifecycleActor(r *http.Request) string {
	var req LifecycleRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.By == "" {
		return "operator"
	}
	return req.By
}

// =============================================================================
// RECEIPT HANDLERS
// =============================================================================

// GenerateReceipt issues a signed receipt. Idempotent per transaction.
func (h *Handler) GenerateReceipt(w http.ResponseWriter, r *http.Request) {
	var req GenerateReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
		return
	}
	if req.TransactionID == "" {
		writeDomainError(w, &fuel.ValidationError{Field: "transaction_id", Message: "is required"})
		return
	}

	rec, err := h.Receipts.Issue(r.Context(), fuel.TransactionID(req.TransactionID))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.Hub.Publish(rec.StationID, fanout.EventReceiptIssued, map[string]any{
		"receipt_id":     string(rec.ID),
		"transaction_id": string(rec.TransactionID),
		"amount":         rec.Amount.InexactFloat64(),
	})

	writeJSON(w, http.StatusCreated, toReceiptDTO(rec))
}

// VerifyReceipt checks a portable token. Invalid tokens are 200 with
// valid=false — a bad token is an answer, not an error.
func (h *Handler) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	var req VerifyReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
		return
	}

	v, err := h.Receipts.Verify(r.Context(), req.Token)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := VerifyReceiptDTO{Valid: v.Valid, Reason: v.Reason}
	if v.Receipt != nil {
		dto := toReceiptDTO(*v.Receipt)
		out.Receipt = &dto
	}
	writeJSON(w, http.StatusOK, out)
}

// ListReceipts returns receipts, optionally filtered by transaction.
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	txID := fuel.TransactionID(r.URL.Query().Get("transaction"))
	limit := queryInt(r, "page_size", 50)

	receipts, err := h.Store.ListReceipts(r.Context(), txID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]ReceiptDTO, len(receipts))
	for i, rec := range receipts {
		dtos[i] = toReceiptDTO(rec)
	}
	writeJSON(w, http.StatusOK, ListDTO{Results: dtos})
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns all rule configuration rows.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListRules(r.Context(), false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]RuleDTO, len(list))
	for i, rule := range list {
		dtos[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, ListDTO{Results: dtos})
}

// CreateRule creates or replaces a rule configuration row.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
		return
	}
	if req.Slug == "" {
		writeDomainError(w, &fuel.ValidationError{Field: "slug", Message: "is required"})
		return
	}

	ruleType := req.RuleType
	if ruleType == "" {
		ruleType = req.Slug
	}
	now := h.now()
	rule := fuel.Rule{
		ID:        uuid.NewString(),
		Slug:      fuel.RuleSlug(req.Slug),
		Name:      req.Name,
		RuleType:  fuel.RuleSlug(ruleType),
		Config:    req.Config,
		Enabled:   req.Enabled == nil || *req.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rule.Name == "" {
		rule.Name = req.Slug
	}
	if err := h.Store.SaveRule(r.Context(), rule); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

// UpdateRule updates an existing rule's config/enabled/name.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	slug := fuel.RuleSlug(chi.URLParam(r, "id"))
	existing, err := h.Store.GetRuleBySlug(r.Context(), slug)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid JSON body", err)
		return
	}

	rule := *existing
	if req.Name != "" {
		rule.Name = req.Name
	}
	if req.Config != nil {
		rule.Config = req.Config
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.UpdatedAt = h.now()

	if err := h.Store.SaveRule(r.Context(), rule); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	body := errorBody{Error: message, Code: code}
	if err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}

// writeDomainError maps the error taxonomy to HTTP status + code.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *fuel.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_error", ve.Error(), nil)
	case errors.Is(err, fuel.ErrInsufficientData):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_data", err.Error(), nil)
	case errors.Is(err, fuel.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, fuel.ErrDuplicate), errors.Is(err, fuel.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), nil)
	case fuel.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case fuel.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "transient", "Storage temporarily unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", "Internal error", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// nextPageURL rebuilds the request URL with the page query bumped.
func nextPageURL(u *url.URL, page int) string {
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	next := *u
	next.RawQuery = q.Encode()
	return next.String()
}
