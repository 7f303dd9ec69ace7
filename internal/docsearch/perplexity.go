package docsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
	"github.com/sells-group/equipment-resolver/pkg/perplexity"
)

const perplexityPrompt = `Find the official manufacturer documentation (installation or operating manual, or datasheet) for this industrial equipment:
%s
Prefer a direct PDF link on the manufacturer's own website.
Answer with a single JSON object and nothing else:
{"url": "...", "title": "...", "confidence": 0.0}
confidence is your probability, from 0 to 1, that the URL is the documentation for exactly this model.
Use "" for url if you found nothing.`

// Perplexity asks an online LLM for the manual. It is the costliest search
// tier and the only one that reports its own confidence.
type Perplexity struct {
	base
	client perplexity.Client
}

// NewPerplexity creates the perplexity tier.
func NewPerplexity(client perplexity.Client, opts ...Option) *Perplexity {
	return &Perplexity{base: newBase("perplexity", opts), client: client}
}

type perplexityReply struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Confidence *float64 `json:"confidence"`
}

// Attempt implements provider.Provider.
func (p *Perplexity) Attempt(ctx context.Context, req model.Request) (*provider.Result, error) {
	query := Query(req.Fields)
	if query == "" {
		return nil, emptyQuery(p.name)
	}

	temp := 0.0
	resp, err := resiliently(ctx, &p.base, "chat_completion", func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages: []perplexity.Message{
				{Role: "user", Content: fmt.Sprintf(perplexityPrompt, describe(req.Fields))},
			},
			Temperature: &temp,
		})
	})
	if err != nil {
		return nil, err
	}

	var price float64
	if p.calc != nil {
		price = p.calc.PerplexityQuery()
	}

	reply, err := parsePerplexityReply(resp.Content())
	if err != nil {
		return nil, resilience.Format(p.name, err)
	}

	// The answer's own URL wins. Without one, fall back to the sources it
	// cited and let the feature score judge them.
	if reply.URL == "" {
		return p.result(req, query, citedHits(resp), price)
	}

	raw, err := json.Marshal(map[string]any{
		"query":     query,
		"reply":     reply,
		"citations": resp.Citations,
	})
	if err != nil {
		return nil, resilience.Format(p.name, eris.Wrap(err, "docsearch: marshal raw result"))
	}

	doc := &model.DocumentRef{URL: reply.URL, Title: reply.Title}
	if isPDF(reply.URL) {
		doc.ContentType = "application/pdf"
	}
	res := &provider.Result{Document: doc, Raw: raw, CostUSD: price}
	if reply.Confidence != nil {
		res.Confidence = provider.SelfReported(*reply.Confidence)
	}
	return res, nil
}

func parsePerplexityReply(content string) (*perplexityReply, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, eris.New("docsearch: no JSON object in reply")
	}
	var r perplexityReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return nil, eris.Wrap(err, "docsearch: decode reply")
	}
	r.URL = strings.TrimSpace(r.URL)
	r.Title = strings.TrimSpace(r.Title)
	return &r, nil
}

func citedHits(resp *perplexity.ChatCompletionResponse) []Hit {
	hits := make([]Hit, 0, len(resp.SearchResults)+len(resp.Citations))
	seen := make(map[string]bool)
	for _, sr := range resp.SearchResults {
		if sr.URL == "" || seen[sr.URL] {
			continue
		}
		seen[sr.URL] = true
		hits = append(hits, Hit{Title: sr.Title, URL: sr.URL})
	}
	for _, c := range resp.Citations {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		hits = append(hits, Hit{URL: c})
	}
	return hits
}

func describe(f model.Fields) string {
	var sb strings.Builder
	if f.Manufacturer != "" {
		sb.WriteString("Manufacturer: " + strings.TrimSpace(f.Manufacturer) + "\n")
	}
	if f.Model != "" {
		sb.WriteString("Model: " + strings.TrimSpace(f.Model) + "\n")
	}
	if f.RawText != "" {
		sb.WriteString("Nameplate text: " + truncate(f.RawText, 500) + "\n")
	}
	return strings.TrimSpace(sb.String())
}
