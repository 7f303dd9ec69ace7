package waterfall

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
)

func writeChain(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadChainConfig(t *testing.T) {
	path := writeChain(t, `
chain:
  identify:
    threshold: 0.8
    tiers:
      - { name: tesseract, cost_rank: 0, timeout: 10s }
      - { name: claude_sonnet, cost_rank: 5 }
  find_document:
    tiers:
      - { name: serper, cost_rank: 0 }
`)

	cfg, err := LoadChainConfig(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.8, cfg.Identify.Threshold, 0.0001)
	require.Len(t, cfg.Identify.Tiers, 2)
	assert.Equal(t, 10*time.Second, cfg.Identify.Tiers[0].Timeout)
	assert.Equal(t, DefaultVisionTimeout, cfg.Identify.Tiers[1].Timeout)

	assert.InDelta(t, DefaultDocumentThreshold, cfg.FindDocument.Threshold, 0.0001)
	assert.Equal(t, DefaultSearchTimeout, cfg.FindDocument.Tiers[0].Timeout)
}

func TestLoadChainConfig_Errors(t *testing.T) {
	_, err := LoadChainConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadChainConfig(writeChain(t, "chain: [not, a, map"))
	assert.Error(t, err)

	_, err = LoadChainConfig(writeChain(t, `
chain:
  identify:
    threshold: 1.5
`))
	assert.Error(t, err)

	_, err = LoadChainConfig(writeChain(t, `
chain:
  find_document:
    tiers:
      - { name: serper }
      - { name: serper }
`))
	assert.Error(t, err)
}

func TestDefaultChainConfig(t *testing.T) {
	cfg := DefaultChainConfig()
	require.NoError(t, cfg.Validate())

	assert.InDelta(t, 0.70, cfg.Identify.Threshold, 0.0001)
	assert.InDelta(t, 0.75, cfg.FindDocument.Threshold, 0.0001)
	for _, tier := range cfg.Identify.Tiers {
		assert.Equal(t, 30*time.Second, tier.Timeout, tier.Name)
	}
	for _, tier := range cfg.FindDocument.Tiers {
		assert.Equal(t, 15*time.Second, tier.Timeout, tier.Name)
	}

	kc, ok := cfg.For(model.KindFindDocument)
	require.True(t, ok)
	assert.Equal(t, "jina_search", kc.Tiers[0].Name)
	_, ok = cfg.For("lookup")
	assert.False(t, ok)
}

type kindOnly struct {
	name string
	kind model.Kind
}

func (k kindOnly) Name() string     { return k.name }
func (k kindOnly) Kind() model.Kind { return k.kind }
func (k kindOnly) Attempt(context.Context, model.Request) (*provider.Result, error) {
	return nil, nil
}

func TestEffective_DropsWrongKind(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(kindOnly{name: "tesseract", kind: model.KindIdentify})
	reg.Register(kindOnly{name: "serper", kind: model.KindIdentify})

	eff := DefaultChainConfig().Effective(reg)
	require.Len(t, eff.Identify.Tiers, 1)
	assert.Equal(t, "tesseract", eff.Identify.Tiers[0].Name)
	assert.Empty(t, eff.FindDocument.Tiers)
	assert.InDelta(t, DefaultDocumentThreshold, eff.FindDocument.Threshold, 0.0001)
}
