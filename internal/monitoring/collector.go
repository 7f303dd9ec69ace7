package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/store"
)

// Snapshot holds a point-in-time view of cache and queue health.
type Snapshot struct {
	// Cache.
	CacheEntries int64 `json:"cache_entries"`
	StaleEntries int64 `json:"stale_entries"`
	CacheReads   int64 `json:"cache_reads"`

	// Escalation queue.
	Pending         int64   `json:"pending"`
	Assigned        int64   `json:"assigned"`
	Resolved        int64   `json:"resolved"`
	Unresolvable    int64   `json:"unresolvable"`
	OldestOpenHours float64 `json:"oldest_open_hours"`

	// Providers whose circuit is open.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// OpenTickets returns the pending plus assigned count.
func (s *Snapshot) OpenTickets() int64 { return s.Pending + s.Assigned }

// StatsSource is the store method the collector needs.
type StatsSource interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// BacklogSink receives every collected stats snapshot, typically the
// Prometheus gauges.
type BacklogSink interface {
	SetBacklog(s *store.Stats)
	SetBreakers(states map[string]resilience.CircuitState)
}

// Collector gathers a Snapshot from the store and the provider breakers.
type Collector struct {
	stats    StatsSource
	breakers *resilience.Breakers
	sink     BacklogSink
	now      func() time.Time
}

// NewCollector creates a collector. breakers and sink may be nil.
func NewCollector(stats StatsSource, breakers *resilience.Breakers, sink BacklogSink) *Collector {
	return &Collector{
		stats:    stats,
		breakers: breakers,
		sink:     sink,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	st, err := c.stats.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect stats")
	}

	now := c.now()
	snap := &Snapshot{
		CacheEntries: st.CacheEntries,
		StaleEntries: st.StaleEntries,
		CacheReads:   st.CacheReads,
		Pending:      st.Tickets[model.TicketPending],
		Assigned:     st.Tickets[model.TicketAssigned],
		Resolved:     st.Tickets[model.TicketResolved],
		Unresolvable: st.Tickets[model.TicketUnresolvable],
		CollectedAt:  now,
	}
	if st.OldestOpenSince != nil {
		snap.OldestOpenHours = now.Sub(*st.OldestOpenSince).Hours()
	}

	var states map[string]resilience.CircuitState
	if c.breakers != nil {
		states = c.breakers.States()
		for name, s := range states {
			if s == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, name)
			}
		}
	}

	if c.sink != nil {
		c.sink.SetBacklog(st)
		c.sink.SetBreakers(states)
	}
	return snap, nil
}
