package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/model"
)

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1700000000000-0", f.err)
}

func TestRedisNotifier_Notify(t *testing.T) {
	fs := &fakeStream{}
	n := NewRedisNotifier(fs, "", 1000)

	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tk := &model.Ticket{
		ID: "t-1", NormalizedKey: "identify:abb|acs580", Kind: model.KindIdentify,
		Status: model.TicketPending, Attempts: make([]model.Attempt, 4),
	}
	require.NoError(t, n.Notify(context.Background(), NewEvent(EventTicketCreated, tk, at)))

	require.Len(t, fs.args, 1)
	args := fs.args[0]
	assert.Equal(t, DefaultStream, args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values, ok := args.Values.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, EventTicketCreated, values["event_type"])

	var env envelope
	require.NoError(t, json.Unmarshal(values["envelope"].([]byte), &env))
	assert.Equal(t, EventTicketCreated, env.EventType)
	assert.Equal(t, "1", env.PayloadVersion)
	assert.Equal(t, at, env.OccurredAt)
	assert.NotEmpty(t, env.EventID)

	var ev Event
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "t-1", ev.TicketID)
	assert.Equal(t, 4, ev.Attempts)
	assert.Equal(t, model.TicketPending, ev.Status)
}

func TestRedisNotifier_NoMaxLen(t *testing.T) {
	fs := &fakeStream{}
	n := NewRedisNotifier(fs, "custom", 0)

	require.NoError(t, n.Notify(context.Background(), Event{Type: EventTicketResolved, TicketID: "t-2"}))
	assert.Equal(t, "custom", fs.args[0].Stream)
	assert.Zero(t, fs.args[0].MaxLen)
	assert.False(t, fs.args[0].Approx)
}

func TestRedisNotifier_Error(t *testing.T) {
	fs := &fakeStream{err: errors.New("connection refused")}
	n := NewRedisNotifier(fs, "s", 10)

	err := n.Notify(context.Background(), Event{Type: EventTicketCreated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xadd s")
}

func TestNopNotifier(t *testing.T) {
	assert.NoError(t, NopNotifier{}.Notify(context.Background(), Event{}))
}
