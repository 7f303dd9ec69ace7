package identify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/normalize"
	"github.com/sells-group/equipment-resolver/internal/ocr"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
)

// PageCoster prices OCR pages.
type PageCoster func(pages int) float64

// OCRProvider runs an OCR engine over the nameplate photo and parses the
// text. Its confidence is computed from the parsed fields, the engine's word
// confidence, and the text length.
type OCRProvider struct {
	engine       ocr.Extractor
	norm         *normalize.Normalizer
	loader       *ImageLoader
	retry        resilience.RetryConfig
	price        PageCoster
	textFallback bool
}

// OCROption configures an OCRProvider.
type OCROption func(*OCRProvider)

// WithImageLoader fetches URL images before OCR. Engines that only read
// inline bytes need one.
func WithImageLoader(l *ImageLoader) OCROption {
	return func(p *OCRProvider) { p.loader = l }
}

// WithRetry sets the adapter retry policy.
func WithRetry(cfg resilience.RetryConfig) OCROption {
	return func(p *OCRProvider) { p.retry = cfg }
}

// WithPageCost prices each call by billed pages.
func WithPageCost(fn PageCoster) OCROption {
	return func(p *OCRProvider) { p.price = fn }
}

// WithTextFallback parses the request's raw_text when no image was sent.
func WithTextFallback() OCROption {
	return func(p *OCRProvider) { p.textFallback = true }
}

// NewOCRProvider wraps an OCR engine as an identify tier.
func NewOCRProvider(engine ocr.Extractor, norm *normalize.Normalizer, opts ...OCROption) *OCRProvider {
	if norm == nil {
		norm = normalize.New()
	}
	p := &OCRProvider{engine: engine, norm: norm, retry: resilience.RetryConfig{MaxAttempts: 1}}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements provider.Provider.
func (p *OCRProvider) Name() string { return p.engine.Name() }

// Kind implements provider.Provider.
func (p *OCRProvider) Kind() model.Kind { return model.KindIdentify }

// Attempt implements provider.Provider.
func (p *OCRProvider) Attempt(ctx context.Context, req model.Request) (*provider.Result, error) {
	if req.Image.Empty() {
		if p.textFallback && strings.TrimSpace(req.Fields.RawText) != "" {
			return p.result(&ocr.Text{Content: req.Fields.RawText, Confidence: -1}, 0)
		}
		return nil, resilience.Format(p.Name(), eris.New("identify: no image to read"))
	}

	img := *req.Image
	if p.loader != nil {
		loaded, err := p.loader.Load(ctx, img)
		if err != nil {
			return nil, resilience.Transport(p.Name(), err)
		}
		img = loaded
	}

	cfg := p.retry
	cfg.OnRetry = resilience.RetryLogger(p.Name(), "ocr")
	text, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*ocr.Text, error) {
		return p.engine.Extract(ctx, img)
	})
	if err != nil {
		return nil, resilience.Transport(p.Name(), err)
	}

	var cost float64
	if p.price != nil {
		cost = p.price(text.Pages)
	}
	return p.result(text, cost)
}

func (p *OCRProvider) result(text *ocr.Text, cost float64) (*provider.Result, error) {
	if strings.TrimSpace(text.Content) == "" {
		return nil, resilience.Format(p.Name(), eris.New("identify: no text recognized"))
	}

	id := ParseNameplate(text.Content, p.norm)
	raw, err := json.Marshal(map[string]any{
		"text":       text.Content,
		"confidence": text.Confidence,
		"parsed":     id,
	})
	if err != nil {
		return nil, resilience.Format(p.Name(), err)
	}

	zap.L().Debug("identify: nameplate parsed",
		zap.String("provider", p.Name()),
		zap.String("manufacturer", id.Manufacturer),
		zap.String("model", id.Model),
		zap.Int("text_len", len(text.Content)),
	)
	return &provider.Result{
		Identity: &id,
		Signals:  provider.Signals{Clarity: max(text.Confidence, 0)},
		Raw:      raw,
		CostUSD:  cost,
	}, nil
}
