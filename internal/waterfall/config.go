package waterfall

import (
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
)

const (
	DefaultIdentifyThreshold = 0.70
	DefaultDocumentThreshold = 0.75
	DefaultVisionTimeout     = 30 * time.Second
	DefaultSearchTimeout     = 15 * time.Second
)

// ChainConfig enumerates the tiers, timeouts, and thresholds for each kind.
// It is built once at startup and never mutated.
type ChainConfig struct {
	Identify     KindConfig `yaml:"identify"`
	FindDocument KindConfig `yaml:"find_document"`
}

// KindConfig is the chain for one request kind.
type KindConfig struct {
	Threshold float64      `yaml:"threshold"`
	Tiers     []TierConfig `yaml:"tiers"`
}

// TierConfig is one provider in a chain.
type TierConfig struct {
	Name     string        `yaml:"name"`
	CostRank int           `yaml:"cost_rank"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultChainConfig returns the built-in chains: local OCR, hosted OCR, then
// two vision models for identification; four search providers in order of
// cost for document lookup.
func DefaultChainConfig() *ChainConfig {
	return &ChainConfig{
		Identify: KindConfig{
			Threshold: DefaultIdentifyThreshold,
			Tiers: []TierConfig{
				{Name: "tesseract", CostRank: 0, Timeout: DefaultVisionTimeout},
				{Name: "mistral_ocr", CostRank: 1, Timeout: DefaultVisionTimeout},
				{Name: "claude_haiku", CostRank: 2, Timeout: DefaultVisionTimeout},
				{Name: "claude_sonnet", CostRank: 3, Timeout: DefaultVisionTimeout},
			},
		},
		FindDocument: KindConfig{
			Threshold: DefaultDocumentThreshold,
			Tiers: []TierConfig{
				{Name: "jina_search", CostRank: 0, Timeout: DefaultSearchTimeout},
				{Name: "serper", CostRank: 1, Timeout: DefaultSearchTimeout},
				{Name: "brave", CostRank: 2, Timeout: DefaultSearchTimeout},
				{Name: "perplexity", CostRank: 3, Timeout: DefaultSearchTimeout},
			},
		},
	}
}

// LoadChainConfig reads chain config from a YAML file with a top-level
// "chain" key. Missing thresholds and timeouts take the defaults.
func LoadChainConfig(path string) (*ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "waterfall: read chain config %s", path)
	}

	var wrapper struct {
		Chain ChainConfig `yaml:"chain"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "waterfall: parse chain config")
	}

	cfg := &wrapper.Chain
	applyDefaults(&cfg.Identify, DefaultIdentifyThreshold, DefaultVisionTimeout)
	applyDefaults(&cfg.FindDocument, DefaultDocumentThreshold, DefaultSearchTimeout)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(kc *KindConfig, threshold float64, timeout time.Duration) {
	if kc.Threshold == 0 {
		kc.Threshold = threshold
	}
	for i := range kc.Tiers {
		if kc.Tiers[i].Timeout <= 0 {
			kc.Tiers[i].Timeout = timeout
		}
	}
}

// Validate checks thresholds are in (0,1] and tier names are unique per kind.
func (c *ChainConfig) Validate() error {
	for kind, kc := range map[model.Kind]KindConfig{
		model.KindIdentify:     c.Identify,
		model.KindFindDocument: c.FindDocument,
	} {
		if kc.Threshold <= 0 || kc.Threshold > 1 {
			return eris.Errorf("waterfall: %s threshold %.2f out of range", kind, kc.Threshold)
		}
		seen := make(map[string]bool, len(kc.Tiers))
		for _, t := range kc.Tiers {
			if t.Name == "" {
				return eris.Errorf("waterfall: %s tier with empty name", kind)
			}
			if seen[t.Name] {
				return eris.Errorf("waterfall: %s tier %q listed twice", kind, t.Name)
			}
			seen[t.Name] = true
		}
	}
	return nil
}

// For returns the chain for kind.
func (c *ChainConfig) For(kind model.Kind) (KindConfig, bool) {
	switch kind {
	case model.KindIdentify:
		return c.Identify, true
	case model.KindFindDocument:
		return c.FindDocument, true
	default:
		return KindConfig{}, false
	}
}

// Effective returns a copy of c keeping only tiers whose provider is
// registered for the matching kind, sorted by ascending cost rank.
func (c *ChainConfig) Effective(reg *provider.Registry) *ChainConfig {
	return &ChainConfig{
		Identify:     effectiveKind(model.KindIdentify, c.Identify, reg),
		FindDocument: effectiveKind(model.KindFindDocument, c.FindDocument, reg),
	}
}

func effectiveKind(kind model.Kind, kc KindConfig, reg *provider.Registry) KindConfig {
	out := KindConfig{Threshold: kc.Threshold, Tiers: make([]TierConfig, 0, len(kc.Tiers))}
	for _, t := range kc.Tiers {
		p := reg.Get(t.Name)
		if p == nil || p.Kind() != kind {
			zap.L().Info("waterfall: tier disabled, provider not configured",
				zap.String("kind", string(kind)),
				zap.String("tier", t.Name),
			)
			continue
		}
		out.Tiers = append(out.Tiers, t)
	}
	sort.SliceStable(out.Tiers, func(i, j int) bool {
		return out.Tiers[i].CostRank < out.Tiers[j].CostRank
	})
	return out
}
