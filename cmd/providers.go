package main

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/config"
	"github.com/sells-group/equipment-resolver/internal/cost"
	doc "github.com/sells-group/equipment-resolver/internal/docsearch"
	"github.com/sells-group/equipment-resolver/internal/identify"
	"github.com/sells-group/equipment-resolver/internal/normalize"
	"github.com/sells-group/equipment-resolver/internal/ocr"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
	anthropicpkg "github.com/sells-group/equipment-resolver/pkg/anthropic"
	"github.com/sells-group/equipment-resolver/pkg/brave"
	"github.com/sells-group/equipment-resolver/pkg/jina"
	"github.com/sells-group/equipment-resolver/pkg/perplexity"
	"github.com/sells-group/equipment-resolver/pkg/serper"
)

// buildRegistry registers every provider whose credentials are present.
// Tiers named in the chain config without a registered provider are
// dropped by ChainConfig.Effective.
func buildRegistry(c *config.Config, norm *normalize.Normalizer, calc *cost.Calculator, hc *http.Client) *provider.Registry {
	reg := provider.NewRegistry()
	retry := resilience.FromRetryConfig(c.Chain.RetryMaxAttempts, c.Chain.RetryInitialBackoffMs)
	loader := identify.NewImageLoader(hc, identify.DefaultMaxImageBytes)

	// Identify chain.
	if c.Tesseract.Enabled {
		engine, err := ocr.NewTesseract(c.Tesseract.Languages)
		switch {
		case err == nil:
			reg.Register(identify.NewOCRProvider(engine, norm,
				identify.WithImageLoader(loader),
				identify.WithTextFallback(),
			))
		case errors.Is(err, ocr.ErrUnavailable):
			zap.L().Info("tesseract tier unavailable in this build")
		default:
			zap.L().Warn("tesseract init failed, tier disabled", zap.Error(err))
		}
	}
	if c.Mistral.Key != "" {
		engine := ocr.NewMistralOCR(c.Mistral.Key, c.Mistral.Model,
			ocr.WithEndpoint(c.Mistral.Endpoint),
			ocr.WithHTTPClient(hc),
		)
		reg.Register(identify.NewOCRProvider(engine, norm,
			identify.WithRetry(retry),
			identify.WithPageCost(calc.MistralPages),
		))
	}
	if c.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(c.Anthropic.Key)
		price := func(model string, u anthropicpkg.TokenUsage) float64 {
			return calc.Claude(model, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
		}
		for _, tier := range []struct{ name, model string }{
			{"claude_haiku", c.Anthropic.HaikuModel},
			{"claude_sonnet", c.Anthropic.SonnetModel},
		} {
			if tier.model == "" {
				continue
			}
			reg.Register(identify.NewVisionProvider(tier.name, tier.model, client,
				identify.WithVisionRetry(retry),
				identify.WithTokenCost(price),
				identify.WithMaxTokens(c.Anthropic.MaxTokens),
				identify.WithPromptCacheTTL(c.Anthropic.PromptCacheTTL),
			))
		}
	}

	// Document chain.
	docOpts := []doc.Option{
		doc.WithRetry(retry),
		doc.WithCalculator(calc),
		doc.WithResultCount(c.Chain.SearchResults),
	}
	if c.Jina.Key != "" {
		client := jina.NewClient(c.Jina.Key, jina.WithSearchBaseURL(c.Jina.SearchBaseURL), jina.WithHTTPClient(hc))
		reg.Register(doc.NewJina(client, c.Jina.SiteFilter, docOpts...))
	}
	if c.Serper.Key != "" {
		client := serper.NewClient(c.Serper.Key, serper.WithBaseURL(c.Serper.BaseURL), serper.WithHTTPClient(hc))
		reg.Register(doc.NewSerper(client, docOpts...))
	}
	if c.Brave.Key != "" {
		client := brave.NewClient(c.Brave.Key, brave.WithBaseURL(c.Brave.BaseURL), brave.WithHTTPClient(hc))
		reg.Register(doc.NewBrave(client, docOpts...))
	}
	if c.Perplexity.Key != "" {
		client := perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
			perplexity.WithHTTPClient(hc),
		)
		reg.Register(doc.NewPerplexity(client, docOpts...))
	}

	zap.L().Debug("providers registered", zap.Strings("providers", reg.List()))
	return reg
}
