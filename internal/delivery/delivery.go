// Package delivery implements the Delivery Endpoint (C3): the
// Server-Sent-Events stream a terminal holds open to receive subscription
// events for its license. A connection replays everything missed since its
// last cursor, then tails the live bus, heartbeating between events so
// proxies and the terminal's own client library can detect a dead socket.
// Ordering is only guaranteed within one license_key; a slow terminal is the
// bus's problem to drop (eventbus never blocks a publisher), not this
// endpoint's to buffer.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/eventbus"
	"github.com/aurswift/aureposweb/internal/eventstore"
	"github.com/aurswift/aureposweb/internal/ledger"
	"github.com/aurswift/aureposweb/internal/licensing"
	"github.com/aurswift/aureposweb/internal/models"
)

const (
	defaultHeartbeatInterval = 20 * time.Second
	defaultAckTimeout        = 10 * time.Second
)

// Endpoint serves the SSE stream and the companion Ack callback a terminal
// posts to once it has processed an event.
type Endpoint struct {
	store    *eventstore.Store
	bus      eventbus.Bus
	ledger   *ledger.Ledger
	licenses *licensing.Engine
	log      *zap.Logger

	heartbeatInterval time.Duration
	ackTimeout        time.Duration

	mu      sync.Mutex
	waiters map[string]chan ackResult
}

type ackResult struct {
	status           models.AckStatus
	errorMessage     string
	processingTimeMs int64
}

// New builds a delivery endpoint. Zero durations fall back to the defaults.
func New(store *eventstore.Store, bus eventbus.Bus, ledger *ledger.Ledger, licenses *licensing.Engine, log *zap.Logger, heartbeatInterval, ackTimeout time.Duration) *Endpoint {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Endpoint{
		store: store, bus: bus, ledger: ledger, licenses: licenses, log: log,
		heartbeatInterval: heartbeatInterval,
		ackTimeout:        ackTimeout,
		waiters:           make(map[string]chan ackResult),
	}
}

func waiterKey(eventID, terminalID string) string {
	return eventID + ":" + terminalID
}

func (e *Endpoint) register(eventID, terminalID string) chan ackResult {
	ch := make(chan ackResult, 1)
	e.mu.Lock()
	e.waiters[waiterKey(eventID, terminalID)] = ch
	e.mu.Unlock()
	return ch
}

func (e *Endpoint) unregister(eventID, terminalID string) {
	e.mu.Lock()
	delete(e.waiters, waiterKey(eventID, terminalID))
	e.mu.Unlock()
}

func (e *Endpoint) deliver(eventID, terminalID string, result ackResult) bool {
	e.mu.Lock()
	ch, ok := e.waiters[waiterKey(eventID, terminalID)]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- result:
		return true
	default:
		return false
	}
}

// terminal identifies the authenticated caller of a stream: a license key
// plus the activation it resolves to.
type terminal struct {
	licenseKey string
	id         string
}

func (e *Endpoint) authenticate(r *http.Request) (terminal, error) {
	key := r.URL.Query().Get("license_key")
	machineIDHash := r.URL.Query().Get("machine_id_hash")
	if key == "" || machineIDHash == "" {
		return terminal{}, fmt.Errorf("license_key and machine_id_hash are required")
	}

	lic, err := e.licenses.GetByKey(r.Context(), key)
	if err != nil {
		return terminal{}, err
	}
	if !lic.IsActive {
		return terminal{}, licensing.ErrLicenseInactive
	}

	activations, err := e.licenses.ListActivations(r.Context(), key)
	if err != nil {
		return terminal{}, err
	}
	for _, a := range activations {
		if a.MachineIDHash == machineIDHash && a.IsActive {
			return terminal{licenseKey: key, id: a.ID.String()}, nil
		}
	}
	return terminal{}, fmt.Errorf("no active activation for this machine")
}

// ServeHTTP authenticates the terminal, replays missed events, then tails
// the live bus until the client disconnects.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	term, err := e.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	cursor := time.Unix(0, 0).UTC()
	if since := r.Header.Get("Last-Event-ID"); since != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, since); err == nil {
			cursor = parsed
		}
	} else if since := r.URL.Query().Get("since"); since != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, since); err == nil {
			cursor = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	now := time.Now().UTC()
	replay, err := e.store.ReplayAfter(ctx, term.licenseKey, cursor, now)
	if err != nil {
		e.log.Warn("delivery replay failed, proceeding straight to live tail",
			zap.String("license_key", term.licenseKey), zap.Error(err))
	}
	for _, event := range replay {
		if ctx.Err() != nil {
			return
		}
		e.send(w, flusher, event)
		e.awaitAck(ctx, term, event)
	}

	sub, err := e.bus.Subscribe(ctx, term.licenseKey)
	if err != nil {
		e.log.Warn("delivery live subscribe failed", zap.String("license_key", term.licenseKey), zap.Error(err))
		return
	}
	defer sub.Cancel()

	heartbeat := time.NewTicker(e.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			e.send(w, flusher, event)
			go e.awaitAck(ctx, term, event)
		}
	}
}

func (e *Endpoint) send(w http.ResponseWriter, flusher http.Flusher, event models.Event) {
	fmt.Fprintf(w, "id: %s\n", event.EventID.String())
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", event.Payload)
	flusher.Flush()
}

// awaitAck blocks (the caller may run this in its own goroutine for the live
// tail) until the terminal's Ack handler delivers a result or ackTimeout
// elapses, recording the outcome in the ledger either way. A timeout is
// recorded as a failed ack; it is the Retry Engine's job, not this one's, to
// notice the missing success ack and re-deliver on its own schedule.
func (e *Endpoint) awaitAck(ctx context.Context, term terminal, event models.Event) {
	ch := e.register(event.EventID.String(), term.id)
	defer e.unregister(event.EventID.String(), term.id)

	select {
	case <-ctx.Done():
		return
	case result := <-ch:
		e.record(ctx, term, event, result)
	case <-time.After(e.ackTimeout):
		e.record(ctx, term, event, ackResult{status: models.AckFailed, errorMessage: "ack timeout"})
	}
}

func (e *Endpoint) record(ctx context.Context, term terminal, event models.Event, result ackResult) {
	if err := e.ledger.Record(ctx, models.Acknowledgement{
		EventID:          event.EventID,
		LicenseKey:       term.licenseKey,
		TerminalID:       term.id,
		Status:           result.status,
		ErrorMessage:     result.errorMessage,
		ProcessingTimeMs: result.processingTimeMs,
	}); err != nil {
		e.log.Warn("failed to record acknowledgement", zap.String("event_id", event.EventID.String()), zap.Error(err))
	}
}

type ackRequest struct {
	EventID          string `json:"event_id"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"error_message"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// Ack is the POST counterpart to the SSE stream: a terminal reports the
// outcome of processing one event. It both records the outcome directly
// (the durable source of truth, covering the case where the delivery loop
// already gave up and stopped waiting) and wakes a still-waiting stream so
// it can move on to the next event without paying the full ack timeout.
func (e *Endpoint) Ack(w http.ResponseWriter, r *http.Request) {
	term, err := e.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		http.Error(w, "event_id must be a valid uuid", http.StatusBadRequest)
		return
	}

	status := models.AckSuccess
	if req.Status == string(models.AckFailed) {
		status = models.AckFailed
	}
	result := ackResult{status: status, errorMessage: req.ErrorMessage, processingTimeMs: req.ProcessingTimeMs}

	e.deliver(req.EventID, term.id, result)

	if err := e.ledger.Record(r.Context(), models.Acknowledgement{
		EventID:          eventID,
		LicenseKey:       term.licenseKey,
		TerminalID:       term.id,
		Status:           status,
		ErrorMessage:     req.ErrorMessage,
		ProcessingTimeMs: req.ProcessingTimeMs,
	}); err != nil {
		http.Error(w, "failed to record acknowledgement", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
