package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/store"
)

func TestObserveAttempt(t *testing.T) {
	m := New()
	m.ObserveAttempt(model.KindIdentify, model.Attempt{Provider: "mistral_ocr", Outcome: model.OutcomeRejected, DurationMS: 800, CostUSD: 0.001})
	m.ObserveAttempt(model.KindIdentify, model.Attempt{Provider: "mistral_ocr", Outcome: model.OutcomeRejected, DurationMS: 400, CostUSD: 0.001})
	m.ObserveAttempt(model.KindIdentify, model.Attempt{Provider: "claude_haiku", Outcome: model.OutcomeFailed, ErrorKind: "transport"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("identify", "mistral_ocr", "rejected", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("identify", "claude_haiku", "failed", "transport")))
	assert.InDelta(t, 0.002, testutil.ToFloat64(m.attemptCost.WithLabelValues("identify", "mistral_ocr")), 1e-12)
	assert.Equal(t, 2, testutil.CollectAndCount(m.attemptLatency))
}

func TestObserveResolution(t *testing.T) {
	m := New()
	m.ObserveResolution(model.KindFindDocument, &model.Response{Status: model.StatusResolved, Source: model.SourceCache}, time.Millisecond)
	m.ObserveResolution(model.KindFindDocument, &model.Response{Status: model.StatusResolved, Source: "serper", Coalesced: true}, time.Second)
	m.ObserveResolution(model.KindFindDocument, &model.Response{Status: model.StatusQueued, TicketID: "t-1"}, time.Second)
	m.ObserveResolution(model.KindFindDocument, nil, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("find_document", "resolved", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("find_document", "resolved", "serper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("find_document", "queued", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.coalesced.WithLabelValues("find_document")))
}

func TestSetBacklogAndBreakers(t *testing.T) {
	m := New()
	m.SetBacklog(&store.Stats{
		CacheEntries: 42,
		StaleEntries: 3,
		Tickets:      map[model.TicketStatus]int64{model.TicketPending: 5, model.TicketResolved: 9},
	})
	m.SetBreakers(map[string]resilience.CircuitState{"brave": resilience.CircuitOpen})

	assert.Equal(t, 42.0, testutil.ToFloat64(m.cacheEntries))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.staleEntries))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.tickets.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tickets.WithLabelValues("assigned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakers.WithLabelValues("brave")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveAttempt(model.KindIdentify, model.Attempt{Provider: "tesseract", Outcome: model.OutcomeAccepted})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `resolver_provider_attempts_total{error_kind="",kind="identify",outcome="accepted",provider="tesseract"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
