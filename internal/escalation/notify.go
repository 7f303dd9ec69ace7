package escalation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// Ticket event types.
const (
	EventTicketCreated      = "ticket.created"
	EventTicketAssigned     = "ticket.assigned"
	EventTicketResolved     = "ticket.resolved"
	EventTicketUnresolvable = "ticket.unresolvable"
)

// DefaultStream is the Redis stream ticket events are appended to.
const DefaultStream = "resolver:escalations"

// Event is a ticket lifecycle notification for out-of-band operators.
type Event struct {
	Type          string             `json:"-"`
	TicketID      string             `json:"ticket_id"`
	NormalizedKey string             `json:"normalized_key"`
	Kind          model.Kind         `json:"kind"`
	Status        model.TicketStatus `json:"status"`
	Assignee      string             `json:"assignee,omitempty"`
	Attempts      int                `json:"attempts"`
	OccurredAt    time.Time          `json:"-"`
}

// NewEvent builds an event describing t.
func NewEvent(eventType string, t *model.Ticket, at time.Time) Event {
	return Event{
		Type:          eventType,
		TicketID:      t.ID,
		NormalizedKey: t.NormalizedKey,
		Kind:          t.Kind,
		Status:        t.Status,
		Assignee:      t.Assignee,
		Attempts:      len(t.Attempts),
		OccurredAt:    at.UTC(),
	}
}

// Notifier delivers ticket events. Delivery failures are logged by the
// queue and never fail the ticket operation.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NopNotifier discards events.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Event) error { return nil }

// StreamAdder is the XADD subset of *redis.Client.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// envelope is the stream message wrapper.
type envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// RedisNotifier appends events to a Redis stream.
type RedisNotifier struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisNotifier creates a RedisNotifier. maxLen > 0 trims the stream
// approximately to that length on every append.
func NewRedisNotifier(client StreamAdder, stream string, maxLen int64) *RedisNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisNotifier{client: client, stream: stream, maxLen: maxLen}
}

// Notify implements Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "escalation: marshal event")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(envelope{
		EventID:        uuid.NewString(),
		EventType:      ev.Type,
		OccurredAt:     ev.OccurredAt,
		PayloadVersion: "1",
		Data:           data,
	})
	if err != nil {
		return eris.Wrap(err, "escalation: marshal envelope")
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{"envelope": raw, "event_type": ev.Type},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return eris.Wrapf(err, "escalation: xadd %s", n.stream)
	}
	return nil
}
