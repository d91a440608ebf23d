package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"expertdesk/internal/domain"
	"expertdesk/internal/notify"
)

// Source is the event log as seen by the relay.
type Source interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	RelayCursor(ctx context.Context, name string) (int64, error)
	SaveRelayCursor(ctx context.Context, name string, id int64, now string) error
}

// EventData is the envelope body published for every event.
type EventData struct {
	EventID    int64           `json:"event_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// Relay forwards committed events to a publisher in id order. The stored
// cursor only moves past events the publisher accepted, so a failed publish
// is retried on the next pass.
type Relay struct {
	Name      string
	Source    Source
	Publisher notify.Publisher
	Interval  time.Duration
	BatchSize int
	Producer  string
	Log       *zap.Logger
	Now       func() time.Time
}

func (r *Relay) defaults() {
	if r.Name == "" {
		r.Name = "broker"
	}
	if r.Interval <= 0 {
		r.Interval = 2 * time.Second
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.Log == nil {
		r.Log = zap.NewNop()
	}
	if r.Now == nil {
		r.Now = time.Now
	}
}

// Run flushes on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.defaults()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.Log.Warn("event relay pass failed", zap.String("relay", r.Name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes every pending event and returns how many were delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.defaults()
	cursor, err := r.Source.RelayCursor(ctx, r.Name)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for {
		batch, err := r.Source.EventsAfter(ctx, cursor, r.BatchSize)
		if err != nil {
			return delivered, err
		}
		if len(batch) == 0 {
			return delivered, nil
		}
		for _, e := range batch {
			if err := r.Publisher.Publish(ctx, e.Type, r.envelope(e)); err != nil {
				return delivered, r.save(ctx, cursor, delivered, err)
			}
			cursor = e.ID
			delivered++
		}
		if err := r.save(ctx, cursor, delivered, nil); err != nil {
			return delivered, err
		}
		if len(batch) < r.BatchSize {
			return delivered, nil
		}
	}
}

func (r *Relay) save(ctx context.Context, cursor int64, delivered int, cause error) error {
	if delivered > 0 {
		if err := r.Source.SaveRelayCursor(ctx, r.Name, cursor, r.Now().UTC().Format(domain.TimeLayout)); err != nil {
			return err
		}
	}
	return cause
}

func (r *Relay) envelope(e domain.Event) notify.Envelope {
	ts, err := time.Parse(domain.TimeLayout, e.TS)
	if err != nil {
		ts = r.Now().UTC()
	}
	payload := json.RawMessage(e.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	meta := notify.Meta{
		ID:   strconv.FormatInt(e.ID, 10),
		Time: ts,
		Type: e.Type,
	}
	if r.Producer != "" {
		producer := r.Producer
		meta.Producer = &producer
	}
	return notify.Envelope{
		Meta: meta,
		Data: EventData{
			EventID:    e.ID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    payload,
		},
	}
}
