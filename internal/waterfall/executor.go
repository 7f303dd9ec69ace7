package waterfall

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/validate"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
)

// Validator checks a document result before it is trusted.
type Validator interface {
	Validate(ctx context.Context, doc model.DocumentRef) validate.Result
}

// Observer is notified of every finished attempt.
type Observer func(kind model.Kind, att model.Attempt)

// ChainResult is the outcome of running a chain for one request.
type ChainResult struct {
	Kind      model.Kind
	Threshold float64
	Attempts  []model.Attempt
	// Winner is the accepted provider result, nil when the chain is exhausted.
	Winner *provider.Result
}

// Accepted returns the accepted attempt, or nil.
func (r *ChainResult) Accepted() *model.Attempt {
	for i := range r.Attempts {
		if r.Attempts[i].Accepted() {
			return &r.Attempts[i]
		}
	}
	return nil
}

// TotalCostUSD sums attempt costs.
func (r *ChainResult) TotalCostUSD() float64 {
	var total float64
	for _, a := range r.Attempts {
		total += a.CostUSD
	}
	return total
}

// Executor walks a provider chain by ascending cost rank and stops at the
// first accepted attempt.
type Executor struct {
	cfg       *ChainConfig
	registry  *provider.Registry
	evaluator *Evaluator
	validator Validator
	breakers  *resilience.Breakers
	observe   Observer
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithValidator sets the document validator. Without one, document results
// are accepted on confidence alone.
func WithValidator(v Validator) Option {
	return func(e *Executor) { e.validator = v }
}

// WithEvaluator replaces the default confidence evaluator.
func WithEvaluator(ev *Evaluator) Option {
	return func(e *Executor) { e.evaluator = ev }
}

// WithBreakers shares circuit breakers across executors.
func WithBreakers(b *resilience.Breakers) Option {
	return func(e *Executor) { e.breakers = b }
}

// WithObserver registers a callback for finished attempts.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observe = o }
}

// WithNow sets the clock for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor builds an executor over the tiers of cfg that have a
// registered provider.
func NewExecutor(cfg *ChainConfig, registry *provider.Registry, opts ...Option) *Executor {
	e := &Executor{
		cfg:       cfg.Effective(registry),
		registry:  registry,
		evaluator: NewEvaluator(nil),
		breakers:  resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective chain configuration.
func (e *Executor) Config() *ChainConfig { return e.cfg }

// Run attempts each tier once. It returns a *resilience.ChainExhausted
// error, alongside the result, when no tier is accepted, and ctx.Err() if
// the caller goes away mid-chain.
func (e *Executor) Run(ctx context.Context, req model.Request) (*ChainResult, error) {
	kc, ok := e.cfg.For(req.Kind)
	if !ok {
		return nil, eris.Errorf("waterfall: no chain for kind %q", req.Kind)
	}

	res := &ChainResult{Kind: req.Kind, Threshold: kc.Threshold}
	for _, tier := range kc.Tiers {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		att, result := e.attempt(ctx, req, tier, kc.Threshold)
		if ctx.Err() != nil && att.Outcome == model.OutcomeFailed {
			return res, ctx.Err()
		}

		res.Attempts = append(res.Attempts, att)
		if e.observe != nil {
			e.observe(req.Kind, att)
		}
		if att.Accepted() {
			res.Winner = result
			return res, nil
		}
	}

	zap.L().Info("waterfall: chain exhausted",
		zap.String("request_id", req.ID),
		zap.String("key", req.NormalizedKey),
		zap.Int("attempts", len(res.Attempts)),
	)
	return res, &resilience.ChainExhausted{Kind: req.Kind, Attempts: res.Attempts}
}

func (e *Executor) attempt(ctx context.Context, req model.Request, tier TierConfig, threshold float64) (model.Attempt, *provider.Result) {
	start := e.now()
	att := model.Attempt{
		RequestID: req.ID,
		Provider:  tier.Name,
		TierRank:  tier.CostRank,
		StartedAt: start,
	}
	log := zap.L().With(
		zap.String("request_id", req.ID),
		zap.String("provider", tier.Name),
		zap.Int("tier", tier.CostRank),
	)

	p := e.registry.Get(tier.Name)
	if p == nil {
		return failed(att, eris.Errorf("waterfall: provider %s not registered", tier.Name), start, e.now()), nil
	}

	cb := e.breakers.Get(tier.Name)
	if err := cb.Allow(); err != nil {
		log.Debug("waterfall: provider skipped, circuit open")
		return failed(att, err, start, e.now()), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, tier.Timeout)
	defer cancel()

	result, err := p.Attempt(callCtx, req)
	if err == nil && result == nil {
		err = resilience.Format(tier.Name, errors.New("empty result"))
	}
	if err != nil {
		if ctx.Err() != nil {
			return failed(att, ctx.Err(), start, e.now()), nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = resilience.Transport(tier.Name, eris.Wrapf(context.DeadlineExceeded, "timed out after %s", tier.Timeout))
		}
		cb.Record(err)
		att = failed(att, err, start, e.now())
		log.Warn("waterfall: provider attempt failed",
			zap.String("error_kind", att.ErrorKind),
			zap.Error(err),
		)
		return att, nil
	}
	cb.Record(nil)

	att.CostUSD = result.CostUSD
	att.RawResult = result.Raw
	if len(att.RawResult) == 0 {
		att.RawResult, _ = result.Payload()
	}

	score := e.evaluator.Score(req, result)
	att.Confidence = score
	if score < threshold {
		att.Outcome = model.OutcomeRejected
		att.DurationMS = e.now().Sub(start).Milliseconds()
		log.Debug("waterfall: below threshold",
			zap.Float64("confidence", score),
			zap.Float64("threshold", threshold),
		)
		return att, nil
	}

	if result.Document != nil && e.validator != nil {
		v := e.validator.Validate(ctx, *result.Document)
		att.Validation = string(v.Status)
		if !v.Status.Acceptable() {
			vf := &resilience.ValidationFailure{
				Provider:   tier.Name,
				URL:        result.Document.URL,
				Status:     string(v.Status),
				Confidence: score,
			}
			att.Outcome = model.OutcomeRejected
			att.ErrorKind = string(resilience.KindValidation)
			att.Error = vf.Error()
			att.DurationMS = e.now().Sub(start).Milliseconds()
			log.Warn("waterfall: validation failure",
				zap.String("url", vf.URL),
				zap.String("status", vf.Status),
				zap.Int("http_status", v.StatusCode),
				zap.Float64("claimed_confidence", score),
			)
			return att, nil
		}
		if v.Status == validate.TooSmall {
			log.Info("waterfall: document smaller than expected",
				zap.String("url", result.Document.URL),
				zap.Int64("size_bytes", v.SizeBytes),
			)
		}
		if v.ContentType != "" {
			result.Document.ContentType = v.ContentType
		}
		if v.SizeKnown() {
			result.Document.SizeBytes = v.SizeBytes
		}
		att.Confidence = CompositeScore(score, v)
	}

	att.Outcome = model.OutcomeAccepted
	att.DurationMS = e.now().Sub(start).Milliseconds()
	log.Info("waterfall: attempt accepted", zap.Float64("confidence", att.Confidence))
	return att, result
}

func failed(att model.Attempt, err error, start, end time.Time) model.Attempt {
	att.Outcome = model.OutcomeFailed
	att.ErrorKind = string(resilience.KindOf(err))
	att.Error = err.Error()
	att.DurationMS = end.Sub(start).Milliseconds()
	return att
}
