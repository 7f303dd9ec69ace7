// Package escalation manages tickets for requests that exhausted every
// automated tier and now wait on a human.
package escalation

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/store"
)

// DefaultCooldown is how long an unresolvable verdict suppresses new
// tickets for the same key.
const DefaultCooldown = 72 * time.Hour

var (
	// ErrNotFound is returned for unknown ticket ids.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidTransition is returned when a ticket is already closed.
	ErrInvalidTransition = store.ErrInvalidTransition
	// ErrInvalidInput is returned for empty assignees or malformed payloads.
	ErrInvalidInput = eris.New("escalation: invalid input")
)

// Queue is the escalation queue backed by a Store.
type Queue struct {
	st       store.Store
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithNotifier publishes ticket events through n.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) {
		if n != nil {
			q.notifier = n
		}
	}
}

// WithCooldown overrides DefaultCooldown. Zero disables suppression.
func WithCooldown(d time.Duration) Option {
	return func(q *Queue) { q.cooldown = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue.
func New(st store.Store, opts ...Option) *Queue {
	q := &Queue{
		st:       st,
		notifier: NopNotifier{},
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Cooldown returns the unresolvable suppression window.
func (q *Queue) Cooldown() time.Duration { return q.cooldown }

// Enqueue opens a ticket for an exhausted request. At most one open ticket
// exists per key: a repeat for a key that is already pending or assigned
// returns that ticket, and a key marked unresolvable within the cooldown
// returns the closed ticket instead of opening a new one. created reports
// whether a new ticket was written.
func (q *Queue) Enqueue(ctx context.Context, req model.Request, attempts []model.Attempt) (t *model.Ticket, created bool, err error) {
	if req.NormalizedKey == "" {
		return nil, false, eris.Wrap(ErrInvalidInput, "escalation: enqueue without normalized key")
	}

	if q.cooldown > 0 {
		last, err := q.st.LatestUnresolvable(ctx, req.NormalizedKey)
		if err != nil {
			return nil, false, storeErr("cooldown lookup", err)
		}
		if last != nil && last.ResolvedAt != nil && q.now().Sub(*last.ResolvedAt) < q.cooldown {
			zap.L().Info("escalation: suppressed within cooldown",
				zap.String("key", req.NormalizedKey),
				zap.String("ticket_id", last.ID),
				zap.Time("unresolvable_at", *last.ResolvedAt),
			)
			return last, false, nil
		}
	}

	t, created, err = q.st.EnqueueTicket(ctx, model.Ticket{
		ID:            uuid.NewString(),
		NormalizedKey: req.NormalizedKey,
		Kind:          req.Kind,
		RawFields:     req.Fields,
		Attempts:      attempts,
	})
	if err != nil {
		return nil, false, storeErr("enqueue", err)
	}

	if created {
		zap.L().Info("escalation: ticket created",
			zap.String("ticket_id", t.ID),
			zap.String("key", t.NormalizedKey),
			zap.Int("attempts", len(attempts)),
		)
		q.notify(ctx, EventTicketCreated, t)
	} else {
		zap.L().Debug("escalation: joined open ticket",
			zap.String("ticket_id", t.ID),
			zap.String("request_id", req.ID),
		)
	}
	return t, created, nil
}

// Get returns a ticket by id.
func (q *Queue) Get(ctx context.Context, id string) (*model.Ticket, error) {
	t, err := q.st.GetTicket(ctx, id)
	if err != nil {
		return nil, storeErr("get ticket", err)
	}
	return t, nil
}

// List returns tickets matching filter, oldest first.
func (q *Queue) List(ctx context.Context, filter store.TicketFilter) ([]model.Ticket, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, eris.Wrapf(ErrInvalidInput, "unknown status %q", filter.Status)
	}
	tickets, err := q.st.ListTickets(ctx, filter)
	if err != nil {
		return nil, storeErr("list tickets", err)
	}
	return tickets, nil
}

// Assign records a human claim on an open ticket.
func (q *Queue) Assign(ctx context.Context, id, assignee string) (*model.Ticket, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return nil, eris.Wrap(ErrInvalidInput, "assignee is required")
	}
	if err := q.checkTransition(ctx, id, model.TicketAssigned); err != nil {
		return nil, err
	}
	t, err := q.st.AssignTicket(ctx, id, assignee)
	if err != nil {
		return nil, storeErr("assign ticket", err)
	}
	q.notify(ctx, EventTicketAssigned, t)
	return t, nil
}

// Resolve closes a ticket with a human-supplied result, which also becomes
// the cache entry for the ticket's key.
func (q *Queue) Resolve(ctx context.Context, id string, payload json.RawMessage, resolvedBy string) (*model.Ticket, error) {
	if len(payload) == 0 || !json.Valid(payload) || string(payload) == "null" {
		return nil, eris.Wrap(ErrInvalidInput, "result must be a JSON value")
	}
	if err := q.checkTransition(ctx, id, model.TicketResolved); err != nil {
		return nil, err
	}
	t, err := q.st.ResolveTicket(ctx, id, store.Resolution{
		Payload:    payload,
		ResolvedBy: strings.TrimSpace(resolvedBy),
	})
	if err != nil {
		return nil, storeErr("resolve ticket", err)
	}
	zap.L().Info("escalation: ticket resolved",
		zap.String("ticket_id", t.ID),
		zap.String("key", t.NormalizedKey),
		zap.String("resolved_by", t.Assignee),
	)
	q.notify(ctx, EventTicketResolved, t)
	return t, nil
}

// MarkUnresolvable closes a ticket without an answer.
func (q *Queue) MarkUnresolvable(ctx context.Context, id, note string) (*model.Ticket, error) {
	if err := q.checkTransition(ctx, id, model.TicketUnresolvable); err != nil {
		return nil, err
	}
	t, err := q.st.MarkUnresolvable(ctx, id, strings.TrimSpace(note))
	if err != nil {
		return nil, storeErr("mark unresolvable", err)
	}
	zap.L().Info("escalation: ticket unresolvable",
		zap.String("ticket_id", t.ID),
		zap.String("key", t.NormalizedKey),
		zap.Duration("cooldown", q.cooldown),
	)
	q.notify(ctx, EventTicketUnresolvable, t)
	return t, nil
}

// checkTransition fails fast on closed tickets. The store re-checks the
// status in its conditional update, which is what makes this race-free.
func (q *Queue) checkTransition(ctx context.Context, id string, next model.TicketStatus) error {
	t, err := q.st.GetTicket(ctx, id)
	if err != nil {
		return storeErr("get ticket", err)
	}
	if !t.Status.CanTransition(next) {
		return eris.Wrapf(ErrInvalidTransition, "ticket %s: %s -> %s", id, t.Status, next)
	}
	return nil
}

// storeErr marks backend failures as persistence errors. Unknown tickets
// and closed-ticket conflicts pass through unchanged.
func storeErr(op string, err error) error {
	if eris.Is(err, ErrNotFound) || eris.Is(err, ErrInvalidTransition) {
		return err
	}
	return resilience.Persistence("escalation: "+op, err)
}

func (q *Queue) notify(ctx context.Context, eventType string, t *model.Ticket) {
	if err := q.notifier.Notify(ctx, NewEvent(eventType, t, q.now())); err != nil {
		zap.L().Warn("escalation: notify failed",
			zap.String("event", eventType),
			zap.String("ticket_id", t.ID),
			zap.Error(err),
		)
	}
}
