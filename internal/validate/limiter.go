package validate

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// hostLimiter paces requests to one host. It speeds up by 20% on success
// (up to 2x the initial rate) and halves on 429 (down to a quarter).
type hostLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newHostLimiter(r rate.Limit, burst int) *hostLimiter {
	return &hostLimiter{
		limiter: rate.NewLimiter(r, burst),
		initial: r,
		current: r,
	}
}

func (h *hostLimiter) Wait(ctx context.Context) error {
	return h.limiter.Wait(ctx)
}

func (h *hostLimiter) onSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = min(h.current*1.2, h.initial*2)
	h.limiter.SetLimit(h.current)
}

func (h *hostLimiter) onRateLimit(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = max(h.current*0.5, h.initial/4)
	h.limiter.SetLimit(h.current)
	zap.L().Warn("validate: host rate limited, slowing down",
		zap.String("host", host),
		zap.Float64("rate", float64(h.current)),
	)
}

// limiterSet lazily creates one hostLimiter per host.
type limiterSet struct {
	mu    sync.Mutex
	rate  rate.Limit
	burst int
	hosts map[string]*hostLimiter
}

func newLimiterSet(r rate.Limit, burst int) *limiterSet {
	return &limiterSet{rate: r, burst: burst, hosts: make(map[string]*hostLimiter)}
}

func (s *limiterSet) get(host string) *hostLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.hosts[host]
	if !ok {
		l = newHostLimiter(s.rate, s.burst)
		s.hosts[host] = l
	}
	return l
}
