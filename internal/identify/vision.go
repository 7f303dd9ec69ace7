package identify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
	"github.com/sells-group/equipment-resolver/pkg/anthropic"
)

const visionSystemPrompt = `You read equipment nameplates for industrial maintenance teams.
Extract the identity of the equipment shown on the nameplate photo, or described in the text, and answer with a single JSON object and nothing else:
{"manufacturer": "...", "model": "...", "serial": "...", "equipment_type": "...", "attributes": {"voltage": "...", "hp": "..."}, "raw_text": "...", "confidence": 0.0}
Rules:
- manufacturer is the brand printed on the plate, not the distributor.
- model is the full catalog or model number exactly as printed.
- equipment_type is one word such as motor, drive, pump, compressor, transformer, breaker.
- raw_text is the legible plate text, at most 500 characters.
- confidence is your probability, from 0 to 1, that manufacturer and model are both correct.
- Use "" for any field you cannot read. Never guess a serial number.`

// TokenCoster prices a Claude call from its token usage.
type TokenCoster func(model string, u anthropic.TokenUsage) float64

// VisionProvider asks a Claude model to read the nameplate. The model
// reports its own confidence.
type VisionProvider struct {
	name      string
	model     string
	maxTokens int64
	client    anthropic.Client
	retry     resilience.RetryConfig
	price     TokenCoster
	cacheTTL  string
}

// VisionOption configures a VisionProvider.
type VisionOption func(*VisionProvider)

// WithVisionRetry sets the adapter retry policy.
func WithVisionRetry(cfg resilience.RetryConfig) VisionOption {
	return func(p *VisionProvider) { p.retry = cfg }
}

// WithTokenCost prices each call from its token usage.
func WithTokenCost(fn TokenCoster) VisionOption {
	return func(p *VisionProvider) { p.price = fn }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int64) VisionOption {
	return func(p *VisionProvider) {
		if n > 0 {
			p.maxTokens = n
		}
	}
}

// WithPromptCacheTTL sets the system prompt cache TTL ("5m" or "1h").
func WithPromptCacheTTL(ttl string) VisionOption {
	return func(p *VisionProvider) { p.cacheTTL = ttl }
}

// NewVisionProvider creates a Claude vision tier named name that calls model.
func NewVisionProvider(name, model string, client anthropic.Client, opts ...VisionOption) *VisionProvider {
	p := &VisionProvider{
		name:      name,
		model:     model,
		maxTokens: 1024,
		client:    client,
		retry:     resilience.DefaultRetryConfig(),
		price: func(model string, u anthropic.TokenUsage) float64 {
			return u.EstimateCost(model)
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements provider.Provider.
func (p *VisionProvider) Name() string { return p.name }

// Kind implements provider.Provider.
func (p *VisionProvider) Kind() model.Kind { return model.KindIdentify }

// Attempt implements provider.Provider.
func (p *VisionProvider) Attempt(ctx context.Context, req model.Request) (*provider.Result, error) {
	msg := anthropic.Message{Role: "user", Content: visionUserText(req.Fields)}
	if !req.Image.Empty() {
		msg.Images = []anthropic.Image{{
			MediaType: req.Image.MediaType,
			Data:      req.Image.Data,
			URL:       req.Image.URL,
		}}
	} else if req.Fields.Empty() {
		return nil, resilience.Format(p.name, eris.New("identify: nothing to read"))
	}

	temp := 0.0
	cfg := p.retry
	cfg.OnRetry = resilience.RetryLogger(p.name, "create_message")
	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return p.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       p.model,
			MaxTokens:   p.maxTokens,
			System:      anthropic.BuildCachedSystemBlocks(visionSystemPrompt, p.cacheTTL),
			Messages:    []anthropic.Message{msg},
			Temperature: &temp,
		})
	})
	if err != nil {
		return nil, resilience.Transport(p.name, err)
	}
	resp.Usage.LogCost(p.model, p.name)

	cost := p.price(p.model, resp.Usage)
	text := resp.Text()
	parsed, err := parseVisionReply(text)
	if err != nil {
		return nil, resilience.Format(p.name, err)
	}

	res := &provider.Result{
		Identity: &parsed.EquipmentIdentity,
		Raw:      json.RawMessage(extractJSON(text)),
		CostUSD:  cost,
	}
	if parsed.Confidence != nil {
		res.Confidence = provider.SelfReported(*parsed.Confidence)
	}
	return res, nil
}

type visionReply struct {
	model.EquipmentIdentity
	Confidence *float64 `json:"confidence"`
}

func visionUserText(f model.Fields) string {
	var sb strings.Builder
	sb.WriteString("Identify the equipment on this nameplate.")
	if f.Manufacturer != "" {
		sb.WriteString("\nThe requester believes the manufacturer is: " + f.Manufacturer)
	}
	if f.Model != "" {
		sb.WriteString("\nThe requester believes the model is: " + f.Model)
	}
	if f.RawText != "" {
		sb.WriteString("\nText transcribed by the requester:\n" + f.RawText)
	}
	return sb.String()
}

func parseVisionReply(text string) (*visionReply, error) {
	body := extractJSON(text)
	if body == "" {
		return nil, eris.New("identify: no JSON object in reply")
	}
	var r visionReply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, eris.Wrap(err, "identify: decode reply")
	}
	r.Manufacturer = strings.TrimSpace(r.Manufacturer)
	r.Model = strings.TrimSpace(r.Model)
	r.Serial = strings.TrimSpace(r.Serial)
	r.EquipmentType = strings.ToLower(strings.TrimSpace(r.EquipmentType))
	if r.Manufacturer == "" && r.Model == "" {
		return nil, eris.New("identify: reply has neither manufacturer nor model")
	}
	if len(r.RawText) > maxRawText {
		r.RawText = r.RawText[:maxRawText]
	}
	return &r, nil
}

// extractJSON returns the outermost {...} span, tolerating code fences and
// prose around the object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
