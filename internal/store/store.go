// Package store persists resolution requests, provider attempts, the result
// cache and the escalation queue. Uniqueness of cache keys and open tickets
// is enforced by database constraints so concurrent writers never need an
// application-level lock.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
)

var (
	// ErrNotFound is returned when a ticket id does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidTransition is returned when a ticket update would leave a
	// terminal state.
	ErrInvalidTransition = eris.New("store: invalid ticket transition")
)

// HumanConfidence is recorded on cache entries written from a resolved ticket.
const HumanConfidence = 1.0

// TicketFilter specifies criteria for listing tickets.
type TicketFilter struct {
	Status model.TicketStatus `json:"status,omitempty"`
	Kind   model.Kind         `json:"kind,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

func (f TicketFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Resolution is the human-supplied answer to a ticket.
type Resolution struct {
	Payload    json.RawMessage
	ResolvedBy string
}

// Stats summarizes cache and queue state for the monitor and CLI.
type Stats struct {
	CacheEntries    int64                        `json:"cache_entries"`
	StaleEntries    int64                        `json:"stale_entries"`
	CacheReads      int64                        `json:"cache_reads"`
	Tickets         map[model.TicketStatus]int64 `json:"tickets"`
	OldestOpenSince *time.Time                   `json:"oldest_open_since,omitempty"`
}

// OpenTickets returns the pending plus assigned count.
func (s *Stats) OpenTickets() int64 {
	return s.Tickets[model.TicketPending] + s.Tickets[model.TicketAssigned]
}

// Store defines the persistence interface for the resolution engine.
type Store interface {
	// Requests and attempts
	RecordRequest(ctx context.Context, req model.Request) error
	RecordAttempts(ctx context.Context, attempts []model.Attempt) error
	ListAttempts(ctx context.Context, requestID string) ([]model.Attempt, error)

	// Cache. GetCacheEntry returns nil on a miss and counts every hit.
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	CacheKeys(ctx context.Context, kind model.Kind) ([]model.CacheKey, error)
	UpsertCacheEntry(ctx context.Context, entry model.CacheEntry) error
	MarkCacheStale(ctx context.Context, key string) error
	ImportCacheEntries(ctx context.Context, entries []model.CacheEntry) (int64, error)

	// Escalation tickets. EnqueueTicket returns the open ticket for the key
	// and whether this call created it.
	EnqueueTicket(ctx context.Context, t model.Ticket) (*model.Ticket, bool, error)
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	LatestUnresolvable(ctx context.Context, key string) (*model.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]model.Ticket, error)
	AssignTicket(ctx context.Context, id, assignee string) (*model.Ticket, error)
	ResolveTicket(ctx context.Context, id string, res Resolution) (*model.Ticket, error)
	MarkUnresolvable(ctx context.Context, id, note string) (*model.Ticket, error)

	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// checkPayload rejects cache writes that would not round-trip as JSON.
func checkPayload(key string, payload json.RawMessage) error {
	if key == "" {
		return eris.New("store: empty normalized key")
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return eris.Errorf("store: invalid result payload for %s", key)
	}
	return nil
}

// rawJSON returns raw as a JSON document suitable for a JSON column, or nil.
// Non-JSON provider output is stored as a JSON string.
func rawJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}

func marshalFields(f model.Fields) ([]byte, error) {
	b, err := json.Marshal(f)
	return b, eris.Wrap(err, "store: marshal raw fields")
}

func marshalTicketParts(t model.Ticket) (fields, attempts []byte, err error) {
	fields, err = marshalFields(t.RawFields)
	if err != nil {
		return nil, nil, err
	}
	if t.Attempts == nil {
		t.Attempts = []model.Attempt{}
	}
	attempts, err = json.Marshal(t.Attempts)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal attempts")
	}
	return fields, attempts, nil
}

func unmarshalTicketParts(t *model.Ticket, fields, attempts []byte) error {
	if err := json.Unmarshal(fields, &t.RawFields); err != nil {
		return eris.Wrap(err, "store: unmarshal raw fields")
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &t.Attempts); err != nil {
			return eris.Wrap(err, "store: unmarshal attempts")
		}
	}
	return nil
}

// humanEntry builds the cache entry written when a ticket is resolved.
func humanEntry(t *model.Ticket, payload json.RawMessage, now time.Time) model.CacheEntry {
	return model.CacheEntry{
		NormalizedKey:  t.NormalizedKey,
		Kind:           t.Kind,
		ResultPayload:  payload,
		Confidence:     HumanConfidence,
		Validated:      true,
		SourceProvider: model.SourceHuman,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}
}
