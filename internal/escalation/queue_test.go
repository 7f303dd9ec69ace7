package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, opts...), st
}

func exhaustedRequest(id string) model.Request {
	return model.Request{
		ID:            id,
		Kind:          model.KindFindDocument,
		Fields:        model.Fields{Manufacturer: "Siemens", Model: "G120C"},
		NormalizedKey: "find_document:siemens|g120c",
	}
}

func threeAttempts(reqID string) []model.Attempt {
	return []model.Attempt{
		{RequestID: reqID, Provider: "jina_search", TierRank: 0, Outcome: model.OutcomeRejected, Confidence: 0.5},
		{RequestID: reqID, Provider: "serper", TierRank: 1, Outcome: model.OutcomeRejected, Confidence: 0.6},
		{RequestID: reqID, Provider: "brave", TierRank: 2, Outcome: model.OutcomeRejected, Confidence: 0.65},
	}
}

func TestEnqueue_CreatesTicketWithAttempts(t *testing.T) {
	n := &recordingNotifier{}
	q, _ := newTestQueue(t, WithNotifier(n))
	ctx := context.Background()

	tk, created, err := q.Enqueue(ctx, exhaustedRequest("req-1"), threeAttempts("req-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.TicketPending, tk.Status)
	assert.Len(t, tk.Attempts, 3)
	assert.Equal(t, "Siemens", tk.RawFields.Manufacturer)
	assert.Equal(t, []string{EventTicketCreated}, n.types())
}

func TestEnqueue_RetriedRequestReusesOpenTicket(t *testing.T) {
	n := &recordingNotifier{}
	q, _ := newTestQueue(t, WithNotifier(n))
	ctx := context.Background()

	first, _, err := q.Enqueue(ctx, exhaustedRequest("req-1"), threeAttempts("req-1"))
	require.NoError(t, err)
	second, created, err := q.Enqueue(ctx, exhaustedRequest("req-2"), threeAttempts("req-2"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	all, err := q.List(ctx, store.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, []string{EventTicketCreated}, n.types())
}

func TestEnqueue_UnresolvableSuppressesWithinCooldown(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	q, _ := newTestQueue(t, WithClock(clock), WithCooldown(72*time.Hour))
	ctx := context.Background()

	tk, _, err := q.Enqueue(ctx, exhaustedRequest("req-1"), threeAttempts("req-1"))
	require.NoError(t, err)
	_, err = q.MarkUnresolvable(ctx, tk.ID, "no manual exists")
	require.NoError(t, err)

	again, created, err := q.Enqueue(ctx, exhaustedRequest("req-2"), threeAttempts("req-2"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, tk.ID, again.ID)
	assert.Equal(t, model.TicketUnresolvable, again.Status)

	now = now.Add(73 * time.Hour)
	fresh, created, err := q.Enqueue(ctx, exhaustedRequest("req-3"), threeAttempts("req-3"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, tk.ID, fresh.ID)
}

func TestEnqueue_ZeroCooldownNeverSuppresses(t *testing.T) {
	q, _ := newTestQueue(t, WithCooldown(0))
	ctx := context.Background()

	tk, _, err := q.Enqueue(ctx, exhaustedRequest("req-1"), nil)
	require.NoError(t, err)
	_, err = q.MarkUnresolvable(ctx, tk.ID, "")
	require.NoError(t, err)

	_, created, err := q.Enqueue(ctx, exhaustedRequest("req-2"), nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEnqueue_RequiresKey(t *testing.T) {
	q, _ := newTestQueue(t)
	req := exhaustedRequest("req-1")
	req.NormalizedKey = ""

	_, _, err := q.Enqueue(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidInput))
}

func TestLifecycle_AssignThenResolveWritesCache(t *testing.T) {
	n := &recordingNotifier{}
	q, st := newTestQueue(t, WithNotifier(n))
	ctx := context.Background()

	tk, _, err := q.Enqueue(ctx, exhaustedRequest("req-1"), threeAttempts("req-1"))
	require.NoError(t, err)

	assigned, err := q.Assign(ctx, tk.ID, "  dana ")
	require.NoError(t, err)
	assert.Equal(t, "dana", assigned.Assignee)

	payload := json.RawMessage(`{"url":"https://support.example.com/g120c.pdf","title":"SINAMICS G120C"}`)
	resolved, err := q.Resolve(ctx, tk.ID, payload, "")
	require.NoError(t, err)
	assert.Equal(t, model.TicketResolved, resolved.Status)

	entry, err := st.GetCacheEntry(ctx, "find_document:siemens|g120c")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.SourceHuman, entry.SourceProvider)
	assert.JSONEq(t, string(payload), string(entry.ResultPayload))

	assert.Equal(t, []string{EventTicketCreated, EventTicketAssigned, EventTicketResolved}, n.types())
}

func TestLifecycle_TerminalStatesRejectTransitions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tk, _, err := q.Enqueue(ctx, exhaustedRequest("req-1"), nil)
	require.NoError(t, err)
	_, err = q.Resolve(ctx, tk.ID, json.RawMessage(`{"url":"https://x/y.pdf"}`), "sam")
	require.NoError(t, err)

	_, err = q.Assign(ctx, tk.ID, "dana")
	assert.True(t, eris.Is(err, ErrInvalidTransition))
	_, err = q.MarkUnresolvable(ctx, tk.ID, "")
	assert.True(t, eris.Is(err, ErrInvalidTransition))
	_, err = q.Resolve(ctx, tk.ID, json.RawMessage(`{}`), "")
	assert.True(t, eris.Is(err, ErrInvalidTransition))
}

func TestLifecycle_InputValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tk, _, err := q.Enqueue(ctx, exhaustedRequest("req-1"), nil)
	require.NoError(t, err)

	_, err = q.Assign(ctx, tk.ID, "   ")
	assert.True(t, eris.Is(err, ErrInvalidInput))
	_, err = q.Resolve(ctx, tk.ID, json.RawMessage(`{bad`), "")
	assert.True(t, eris.Is(err, ErrInvalidInput))
	_, err = q.List(ctx, store.TicketFilter{Status: "closed"})
	assert.True(t, eris.Is(err, ErrInvalidInput))

	_, err = q.Assign(ctx, "missing", "dana")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestNotifyFailureDoesNotFailOperation(t *testing.T) {
	n := &recordingNotifier{err: errors.New("redis down")}
	q, _ := newTestQueue(t, WithNotifier(n))

	tk, created, err := q.Enqueue(context.Background(), exhaustedRequest("req-1"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, tk.ID)
	assert.Len(t, n.types(), 1)
}

func TestStoreFailuresArePersistenceErrors(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	tk, _, err := q.Enqueue(ctx, exhaustedRequest("req-1"), nil)
	require.NoError(t, err)

	_, err = q.Get(ctx, "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.False(t, resilience.IsPersistence(err))

	require.NoError(t, st.Close())

	_, err = q.Get(ctx, tk.ID)
	assert.True(t, resilience.IsPersistence(err))
	_, err = q.List(ctx, store.TicketFilter{})
	assert.True(t, resilience.IsPersistence(err))
	_, err = q.Assign(ctx, tk.ID, "dana")
	assert.True(t, resilience.IsPersistence(err))
	_, _, err = q.Enqueue(ctx, exhaustedRequest("req-2"), nil)
	assert.True(t, resilience.IsPersistence(err))
}
