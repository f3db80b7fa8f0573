// Package events owns the run timeline: durable appends to the per-run
// event log, payload validation against the closed taxonomy, and best-effort
// live fan-out to in-process stream subscribers.
//
// The ordering contract is append-then-publish. A subscriber that pairs
// replay from the durable log with a live subscription sees every durable
// event at least once; event ids make the overlap window safe to dedupe.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/storage"
	"github.com/foremanlabs/foreman/pkg/models"
)

// Log is the single write path for run events. Components never insert
// event rows directly: everything goes through Append so validation, id
// allocation and live publishing stay in one place.
type Log struct {
	store   storage.EventStore
	bus     *Bus
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewLog builds the event log. A nil bus gets a private one so Append can
// always publish; a nil logger is replaced with a nop.
func NewLog(store storage.EventStore, bus *Bus, logger *observability.Logger, metrics *observability.Metrics) *Log {
	if bus == nil {
		bus = NewBus(0, metrics)
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Log{store: store, bus: bus, logger: logger, metrics: metrics}
}

// Append validates, persists and publishes one event. For durable types the
// returned event carries the allocated per-run event id; bus-only types
// (heartbeat, token) are published with event id 0 and never touch storage.
//
// Validation happens before the id allocation transaction so a rejected
// payload cannot burn an id. Unknown types and unserialisable or
// schema-violating payloads come back as invalid_input.
func (l *Log) Append(ctx context.Context, runID int64, runPublicID string, typ models.EventType, payload any) (*models.RunEvent, error) {
	if !typ.Valid() {
		return nil, fault.Errorf(models.KindInvalidInput, "events.append", "unknown event type %q", typ)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fault.E(models.KindInvalidInput, "events.append", "unserialisable payload", err)
	}
	if err := validatePayload(typ, raw); err != nil {
		return nil, fault.Classify(models.KindInvalidInput, "events.append", err)
	}

	ev := &models.RunEvent{
		RunID:       runID,
		RunPublicID: runPublicID,
		Type:        typ,
		Timestamp:   time.Now().UTC(),
		Payload:     raw,
	}

	if !typ.Durable() {
		l.bus.Publish(ev)
		return ev, nil
	}

	start := time.Now()
	if err := l.store.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.RecordEventAppend(string(typ), time.Since(start).Seconds())
	}

	l.bus.Publish(ev)
	l.logger.Debug(ctx, "event appended",
		"event_type", string(typ),
		"event_id", ev.EventID,
	)
	return ev, nil
}

// List returns durable events with event_id > afterEventID in ascending
// order, at most limit rows (0 = no limit).
func (l *Log) List(ctx context.Context, runID int64, afterEventID int64, limit int) ([]*models.RunEvent, error) {
	return l.store.ListEvents(ctx, runID, afterEventID, limit)
}

// LatestEventID returns the run's high-water mark (0 for an empty log).
func (l *Log) LatestEventID(ctx context.Context, runID int64) (int64, error) {
	return l.store.LatestEventID(ctx, runID)
}

// Subscribe registers a live listener for runID on the log's bus.
func (l *Log) Subscribe(runID int64) *Subscription {
	return l.bus.Subscribe(runID)
}

// Bus exposes the fan-out bus, for transports that publish synthetic
// stream-control frames of their own.
func (l *Log) Bus() *Bus {
	return l.bus
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	return raw, nil
}
