/*
Package fanout delivers realtime station events to websocket subscribers.

PURPOSE:
  The hub keeps one subscriber set per station. Producers publish typed
  events (transaction.created, anomaly.created, pump.heartbeat,
  pump.updated, receipt.issued) to a station and every subscriber on
  that station receives the JSON-encoded event.

DELIVERY:
  Best-effort. Each subscriber owns a bounded buffered channel; when a
  slow consumer's buffer is full the event is dropped for that consumer
  and a counter is bumped. Publishing never blocks producers and one
  slow socket never stalls the rest.

SEE ALSO:
  - api/ws.go: Websocket endpoint that attaches subscribers
*/
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fuelguard/reconcile-engine/fuel"
)

// =============================================================================
// EVENTS
// =============================================================================

// Event types pushed over the station stream.
const (
	EventTransactionCreated = "transaction.created"
	EventAnomalyCreated     = "anomaly.created"
	EventPumpHeartbeat      = "pump.heartbeat"
	EventPumpUpdated        = "pump.updated"
	EventReceiptIssued      = "receipt.issued"
)

// Event is the wire envelope: {"type": ..., "payload": {...}}.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// =============================================================================
// HUB
// =============================================================================

// DefaultSubscriberBuffer is the per-subscriber queue depth before drops.
const DefaultSubscriberBuffer = 64

// allStations is the key for subscribers that want every station's events.
const allStations = fuel.StationID("*")

// Subscriber receives pre-encoded events for one station.
type Subscriber struct {
	hub       *Hub
	stationID fuel.StationID
	ch        chan []byte
	closeOnce sync.Once
}

// C is the subscriber's event stream. It is closed on Close.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// Close detaches the subscriber and closes its stream.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.hub.detach(s)
		close(s.ch)
	})
}

// Hub routes events to per-station subscriber sets.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[fuel.StationID]map[*Subscriber]struct{}
	buffer      int
	dropped     uint64
	log         zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[fuel.StationID]map[*Subscriber]struct{}),
		buffer:      DefaultSubscriberBuffer,
		log:         log.With().Str("component", "fanout").Logger(),
	}
}

// Subscribe attaches a new subscriber to a station's stream.
func (h *Hub) Subscribe(stationID fuel.StationID) *Subscriber {
	sub := &Subscriber{
		hub:       h,
		stationID: stationID,
		ch:        make(chan []byte, h.buffer),
	}
	h.mu.Lock()
	set, ok := h.subscribers[stationID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subscribers[stationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// SubscribeAll attaches a subscriber that receives every station's events.
func (h *Hub) SubscribeAll() *Subscriber {
	return h.Subscribe(allStations)
}

func (h *Hub) detach(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sub.stationID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, sub.stationID)
	}
}

// SubscriberCount reports the current subscriber count for a station.
func (h *Hub) SubscriberCount(stationID fuel.StationID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[stationID])
}

// Dropped reports the number of events dropped on full subscriber buffers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Publish encodes the event once and enqueues it to every subscriber of
// the station. Never blocks: a full subscriber buffer drops the event
// for that subscriber only.
func (h *Hub) Publish(stationID fuel.StationID, eventType string, payload map[string]any) {
	raw, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueue(h.subscribers[stationID], raw, stationID, eventType)
	if stationID != allStations {
		h.enqueue(h.subscribers[allStations], raw, stationID, eventType)
	}
}

func (h *Hub) enqueue(set map[*Subscriber]struct{}, raw []byte, stationID fuel.StationID, eventType string) {
	for sub := range set {
		select {
		case sub.ch <- raw:
		default:
			h.dropped++
			h.log.Debug().Str("station_id", string(stationID)).Str("type", eventType).
				Msg("subscriber buffer full; event dropped")
		}
	}
}

// =============================================================================
// PAYLOAD BUILDERS
// =============================================================================

// TransactionPayload renders a transaction for the stream.
func TransactionPayload(tx fuel.Transaction) map[string]any {
	return map[string]any{
		"id":           string(tx.ID),
		"station_id":   string(tx.StationID),
		"pump_id":      string(tx.PumpID),
		"tank_id":      string(tx.TankID),
		"volume_l":     tx.VolumeL.InexactFloat64(),
		"unit_price":   tx.UnitPrice.InexactFloat64(),
		"total_amount": tx.TotalAmount.InexactFloat64(),
		"status":       string(tx.Status),
		"timestamp":    tx.Timestamp.UTC().Format(time.RFC3339),
	}
}

// AnomalyPayload renders an anomaly for the stream.
func AnomalyPayload(a fuel.Anomaly) map[string]any {
	out := map[string]any{
		"id":         string(a.ID),
		"rule":       string(a.Rule),
		"name":       a.Name,
		"severity":   string(a.Severity),
		"station_id": string(a.StationID),
		"created_at": a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.Score != nil {
		out["score"] = *a.Score
	}
	return out
}

// PumpPayload renders a pump status change or heartbeat for the stream.
func PumpPayload(p fuel.Pump) map[string]any {
	out := map[string]any{
		"id":         string(p.ID),
		"station_id": string(p.StationID),
		"number":     p.PumpNumber,
		"status":     string(p.Status),
	}
	if p.LastHeartbeat != nil {
		out["last_heartbeat"] = p.LastHeartbeat.UTC().Format(time.RFC3339)
	}
	return out
}
