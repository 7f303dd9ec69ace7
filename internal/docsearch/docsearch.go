// Package docsearch adapts web search APIs into find_document tiers. Each
// tier searches for the equipment's manual and offers its best hit; the
// chain's evaluator and validator decide whether to trust it.
package docsearch

import (
	"encoding/json"
	"net/url"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/cost"
	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/normalize"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
)

// DefaultResultCount is how many hits a tier asks its search API for.
const DefaultResultCount = 10

// maxQueryText bounds the raw_text portion of a query.
const maxQueryText = 120

// Hit is one search result in provider-neutral form.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// base holds what every search tier shares.
type base struct {
	name  string
	count int
	retry resilience.RetryConfig
	calc  *cost.Calculator
}

// Option configures a search tier.
type Option func(*base)

// WithRetry sets the adapter retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(b *base) { b.retry = cfg }
}

// WithCalculator prices each query.
func WithCalculator(c *cost.Calculator) Option {
	return func(b *base) { b.calc = c }
}

// WithResultCount sets how many hits to request.
func WithResultCount(n int) Option {
	return func(b *base) {
		if n > 0 {
			b.count = n
		}
	}
}

func newBase(name string, opts []Option) base {
	b := base{name: name, count: DefaultResultCount, retry: resilience.DefaultRetryConfig()}
	for _, o := range opts {
		o(&b)
	}
	return b
}

// Name implements provider.Provider.
func (b *base) Name() string { return b.name }

// Kind implements provider.Provider.
func (b *base) Kind() model.Kind { return model.KindFindDocument }

func (b *base) retryConfig(op string) resilience.RetryConfig {
	cfg := b.retry
	cfg.OnRetry = resilience.RetryLogger(b.name, op)
	return cfg
}

// Query builds the search string for a request: manufacturer and model
// when known, otherwise the leading raw text.
func Query(f model.Fields) string {
	var parts []string
	if m := normalize.CleanText(f.Manufacturer, maxQueryText); m != "" {
		parts = append(parts, m)
	}
	if m := normalize.CleanText(f.Model, maxQueryText); m != "" {
		parts = append(parts, m)
	}
	if len(parts) == 0 {
		text := normalize.CleanText(f.RawText, maxQueryText)
		if text == "" {
			return ""
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ") + " manual pdf"
}

// Pick chooses the best hit for f. The first pass wants a PDF that names
// the model, the second any hit naming the model, the third any PDF. With
// no model to match it falls back to the first hit. The returned index is
// the hit's rank.
func Pick(f model.Fields, hits []Hit) (Hit, int, bool) {
	mdl := normalize.ModelNumber(f.Model)
	usable := func(h Hit) bool {
		u, err := url.Parse(strings.TrimSpace(h.URL))
		return err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
	}
	names := func(h Hit) bool {
		return mdl != "" && strings.Contains(normalize.ModelNumber(h.Title+" "+h.URL), mdl)
	}

	passes := []func(Hit) bool{
		func(h Hit) bool { return isPDF(h.URL) && names(h) },
		names,
		func(h Hit) bool { return isPDF(h.URL) },
		func(Hit) bool { return true },
	}
	for _, pass := range passes {
		for i, h := range hits {
			if usable(h) && pass(h) {
				return h, i, true
			}
		}
	}
	return Hit{}, 0, false
}

func isPDF(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// result turns the hits of one search into a provider result.
func (b *base) result(req model.Request, query string, hits []Hit, costUSD float64) (*provider.Result, error) {
	hit, rank, ok := Pick(req.Fields, hits)
	if !ok {
		return nil, resilience.Format(b.name, eris.Errorf("docsearch: no usable results for %q", query))
	}

	raw, err := json.Marshal(map[string]any{
		"query":  query,
		"hits":   hits,
		"chosen": rank,
	})
	if err != nil {
		return nil, resilience.Format(b.name, eris.Wrap(err, "docsearch: marshal raw result"))
	}

	zap.L().Debug("docsearch: picked result",
		zap.String("provider", b.name),
		zap.String("query", query),
		zap.Int("hits", len(hits)),
		zap.Int("rank", rank),
		zap.String("url", hit.URL),
	)

	doc := &model.DocumentRef{URL: hit.URL, Title: hit.Title, Snippet: hit.Snippet}
	if isPDF(hit.URL) {
		doc.ContentType = "application/pdf"
	}
	return &provider.Result{
		Document: doc,
		Signals:  provider.Signals{Rank: rank},
		Raw:      raw,
		CostUSD:  costUSD,
	}, nil
}

func emptyQuery(name string) error {
	return resilience.Format(name, eris.New("docsearch: nothing to search for"))
}
