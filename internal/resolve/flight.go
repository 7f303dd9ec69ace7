package resolve

import (
	"context"
	"sync"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// flightGroup coalesces concurrent resolutions of the same key. The shared
// work runs on a context detached from any single caller and is cancelled
// once every waiting caller has gone.
type flightGroup struct {
	mu    sync.Mutex
	calls map[string]*flight
}

type flight struct {
	done    chan struct{}
	resp    *model.Response
	err     error
	waiters int
	cancel  context.CancelFunc
}

func newFlightGroup() *flightGroup {
	return &flightGroup{calls: make(map[string]*flight)}
}

// Do runs fn once per key among overlapping callers. shared reports whether
// this caller joined a flight started by another.
func (g *flightGroup) Do(ctx context.Context, key string, fn func(context.Context) (*model.Response, error)) (resp *model.Response, shared bool, err error) {
	g.mu.Lock()
	if f, ok := g.calls[key]; ok {
		f.waiters++
		g.mu.Unlock()
		resp, err := g.wait(ctx, key, f)
		return resp, true, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{done: make(chan struct{}), waiters: 1, cancel: cancel}
	g.calls[key] = f
	g.mu.Unlock()

	go func() {
		defer cancel()
		f.resp, f.err = fn(runCtx)
		g.mu.Lock()
		if g.calls[key] == f {
			delete(g.calls, key)
		}
		g.mu.Unlock()
		close(f.done)
	}()

	resp, err = g.wait(ctx, key, f)
	return resp, false, err
}

func (g *flightGroup) wait(ctx context.Context, key string, f *flight) (*model.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		g.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			if g.calls[key] == f {
				delete(g.calls, key)
			}
		}
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

// inFlight returns the number of keys currently resolving.
func (g *flightGroup) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
