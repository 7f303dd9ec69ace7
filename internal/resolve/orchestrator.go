// Package resolve composes the cache, provider chain, validator and
// escalation queue into the end-to-end resolution of one request.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/normalize"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/store"
	"github.com/sells-group/equipment-resolver/internal/waterfall"
)

// QueuedMessage is returned to requesters whose request was escalated.
const QueuedMessage = "queued for review"

// ErrInvalidRequest is returned for requests that cannot be keyed.
var ErrInvalidRequest = eris.New("resolve: invalid request")

// Input is an inbound resolution request before normalization.
type Input struct {
	Kind   model.Kind
	Fields model.Fields
	Image  *model.Image
}

// Chain runs the provider chain for a request.
type Chain interface {
	Run(ctx context.Context, req model.Request) (*waterfall.ChainResult, error)
}

// Escalator opens tickets for exhausted requests.
type Escalator interface {
	Enqueue(ctx context.Context, req model.Request, attempts []model.Attempt) (*model.Ticket, bool, error)
}

// Observer is told about every finished resolution.
type Observer func(kind model.Kind, resp *model.Response, elapsed time.Duration)

// Orchestrator resolves requests: cache first, then the provider chain,
// then escalation.
type Orchestrator struct {
	store       store.Store
	chain       Chain
	queue       Escalator
	norm        *normalize.Normalizer
	revalidator waterfall.Validator
	flights     *flightGroup
	observe     Observer
	now         func() time.Time
	newID       func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNormalizer replaces the default key normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(o *Orchestrator) {
		if n != nil {
			o.norm = n
		}
	}
}

// WithRevalidator re-checks cached documents before serving them. A cached
// document that fails the check is flagged stale and re-resolved.
func WithRevalidator(v waterfall.Validator) Option {
	return func(o *Orchestrator) { o.revalidator = v }
}

// WithObserver sets the resolution observer.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New creates an Orchestrator.
func New(st store.Store, chain Chain, queue Escalator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   st,
		chain:   chain,
		queue:   queue,
		norm:    normalize.New(),
		flights: newFlightGroup(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Normalizer returns the key normalizer shared by lookup and write.
func (o *Orchestrator) Normalizer() *normalize.Normalizer { return o.norm }

// Resolve answers one request. The response is resolved (from cache or a
// provider) or queued. Errors are ErrInvalidRequest, a
// *resilience.PersistenceError, or the caller's context error.
func (o *Orchestrator) Resolve(ctx context.Context, in Input) (*model.Response, error) {
	req, err := o.buildRequest(in)
	if err != nil {
		return nil, err
	}

	start := o.now()
	resp, shared, err := o.flights.Do(ctx, req.NormalizedKey, func(ctx context.Context) (*model.Response, error) {
		return o.resolve(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		cp := *resp
		cp.Coalesced = true
		resp = &cp
	}
	if o.observe != nil {
		o.observe(req.Kind, resp, o.now().Sub(start))
	}
	return resp, nil
}

func (o *Orchestrator) buildRequest(in Input) (model.Request, error) {
	if !in.Kind.Valid() {
		return model.Request{}, eris.Wrapf(ErrInvalidRequest, "unknown kind %q", in.Kind)
	}
	img := in.Image
	if img.Empty() {
		img = nil
	}
	if in.Kind == model.KindFindDocument && img != nil {
		return model.Request{}, eris.Wrap(ErrInvalidRequest, "image_ref is only accepted for identify")
	}
	if in.Fields.Empty() && img == nil {
		return model.Request{}, eris.Wrap(ErrInvalidRequest, "no identifying fields or image")
	}
	key := o.norm.Key(in.Kind, in.Fields, img)
	if key == "" {
		return model.Request{}, eris.Wrap(ErrInvalidRequest, "fields normalize to an empty key")
	}
	return model.Request{
		ID:            o.newID(),
		Kind:          in.Kind,
		Fields:        in.Fields,
		Image:         img,
		NormalizedKey: key,
		CreatedAt:     o.now().UTC(),
	}, nil
}

func (o *Orchestrator) resolve(ctx context.Context, req model.Request) (*model.Response, error) {
	log := zap.L().With(
		zap.String("request_id", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.String("key", req.NormalizedKey),
	)

	entry, canonical, err := o.lookup(ctx, req)
	if err != nil {
		return nil, resilience.Persistence("cache lookup", err)
	}
	if entry != nil && o.stale(ctx, entry, log) {
		if err := o.store.MarkCacheStale(ctx, entry.NormalizedKey); err != nil {
			return nil, resilience.Persistence("mark cache stale", err)
		}
		entry = nil
	}
	if entry != nil {
		log.Debug("resolve: cache hit",
			zap.String("entry_key", entry.NormalizedKey),
			zap.Int64("access_count", entry.AccessCount),
		)
		return &model.Response{
			Status:     model.StatusResolved,
			Confidence: entry.Confidence,
			Source:     model.SourceCache,
			Result:     entry.ResultPayload,
		}, nil
	}

	if err := o.store.RecordRequest(ctx, req); err != nil {
		return nil, resilience.Persistence("record request", err)
	}

	res, runErr := o.chain.Run(ctx, req)
	if res != nil && len(res.Attempts) > 0 {
		// Attempt history survives a caller that went away mid-chain.
		if err := o.store.RecordAttempts(context.WithoutCancel(ctx), res.Attempts); err != nil {
			return nil, resilience.Persistence("record attempts", err)
		}
	}

	var exhausted *resilience.ChainExhausted
	switch {
	case errors.As(runErr, &exhausted):
		t, created, err := o.queue.Enqueue(ctx, req, exhausted.Attempts)
		if err != nil {
			return nil, resilience.Persistence("escalation enqueue", err)
		}
		log.Info("resolve: escalated",
			zap.String("ticket_id", t.ID),
			zap.Bool("new_ticket", created),
			zap.String("ticket_status", string(t.Status)),
		)
		return &model.Response{
			Status:   model.StatusQueued,
			TicketID: t.ID,
			Message:  QueuedMessage,
		}, nil
	case runErr != nil:
		return nil, runErr
	}

	att := res.Accepted()
	payload, err := res.Winner.Payload()
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: encode %s result", att.Provider)
	}
	err = o.store.UpsertCacheEntry(ctx, model.CacheEntry{
		NormalizedKey:  canonical,
		Kind:           req.Kind,
		ResultPayload:  payload,
		Confidence:     att.Confidence,
		Validated:      true,
		SourceProvider: att.Provider,
	})
	if err != nil {
		return nil, resilience.Persistence("cache write", err)
	}

	log.Info("resolve: resolved",
		zap.String("provider", att.Provider),
		zap.Float64("confidence", att.Confidence),
		zap.Int("attempts", len(res.Attempts)),
		zap.Float64("cost_usd", res.TotalCostUSD()),
	)
	return &model.Response{
		Status:     model.StatusResolved,
		Confidence: att.Confidence,
		Source:     att.Provider,
		Result:     payload,
	}, nil
}

// lookup tries the exact key, then the closest fuzzy match among cached
// keys of the same kind. canonical is the key a new result is written under.
func (o *Orchestrator) lookup(ctx context.Context, req model.Request) (entry *model.CacheEntry, canonical string, err error) {
	canonical = req.NormalizedKey
	entry, err = o.store.GetCacheEntry(ctx, req.NormalizedKey)
	if err != nil || entry != nil {
		return entry, canonical, err
	}

	keys, err := o.store.CacheKeys(ctx, req.Kind)
	if err != nil {
		return nil, canonical, err
	}
	m, ok := o.norm.BestMatch(req.NormalizedKey, keys)
	if !ok {
		return nil, canonical, nil
	}
	zap.L().Debug("resolve: fuzzy cache match",
		zap.String("key", req.NormalizedKey),
		zap.String("match", m.Key),
		zap.Float64("similarity", m.Similarity),
	)
	entry, err = o.store.GetCacheEntry(ctx, m.Key)
	return entry, m.Key, err
}

// stale re-checks a cached document when a revalidator is configured.
func (o *Orchestrator) stale(ctx context.Context, entry *model.CacheEntry, log *zap.Logger) bool {
	if o.revalidator == nil || entry.Kind != model.KindFindDocument {
		return false
	}
	var doc model.DocumentRef
	if err := json.Unmarshal(entry.ResultPayload, &doc); err != nil || doc.URL == "" {
		return false
	}
	v := o.revalidator.Validate(ctx, doc)
	if v.Status.Acceptable() {
		return false
	}
	log.Warn("resolve: cached document failed revalidation",
		zap.String("entry_key", entry.NormalizedKey),
		zap.String("url", doc.URL),
		zap.String("status", string(v.Status)),
		zap.Int("http_status", v.StatusCode),
	)
	return true
}
