// Package cost prices provider attempts.
package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Mistral    MistralRate          `yaml:"mistral" mapstructure:"mistral"`
	Jina       JinaRate             `yaml:"jina" mapstructure:"jina"`
	Serper     QueryRate            `yaml:"serper" mapstructure:"serper"`
	Brave      QueryRate            `yaml:"brave" mapstructure:"brave"`
	Perplexity QueryRate            `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// MistralRate holds Mistral OCR pricing.
type MistralRate struct {
	PerThousandPages float64 `yaml:"per_thousand_pages" mapstructure:"per_thousand_pages"`
}

// JinaRate holds Jina search pricing.
type JinaRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// QueryRate is a flat price per search query.
type QueryRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call. Unknown models cost 0.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// MistralPages computes the cost of OCR over n pages.
func (c *Calculator) MistralPages(n int) float64 {
	return float64(n) / 1000 * c.rates.Mistral.PerThousandPages
}

// Jina computes the cost for Jina search token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Jina.PerMTok
}

// SerperQuery returns the flat cost per Serper query.
func (c *Calculator) SerperQuery() float64 { return c.rates.Serper.PerQuery }

// BraveQuery returns the flat cost per Brave query.
func (c *Calculator) BraveQuery() float64 { return c.rates.Brave.PerQuery }

// PerplexityQuery returns the flat cost per Perplexity query.
func (c *Calculator) PerplexityQuery() float64 { return c.rates.Perplexity.PerQuery }

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Mistral:    MistralRate{PerThousandPages: 1.00},
		Jina:       JinaRate{PerMTok: 0.02},
		Serper:     QueryRate{PerQuery: 0.001},
		Brave:      QueryRate{PerQuery: 0.005},
		Perplexity: QueryRate{PerQuery: 0.005},
	}
}
