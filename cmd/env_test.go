package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/config"
	"github.com/sells-group/equipment-resolver/internal/cost"
	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resolve"
	"github.com/sells-group/equipment-resolver/internal/store"
)

// loadTestConfig points the global config at a temp SQLite file with every
// hosted provider disabled, then applies env overrides.
func loadTestConfig(t *testing.T, env map[string]string) {
	t.Helper()
	t.Setenv("RESOLVER_STORE_DRIVER", "sqlite")
	t.Setenv("RESOLVER_STORE_DATABASE_URL", filepath.Join(t.TempDir(), "resolver.db"))
	t.Setenv("RESOLVER_TESSERACT_ENABLED", "false")
	for _, k := range []string{"ANTHROPIC_KEY", "MISTRAL_KEY", "JINA_KEY", "SERPER_KEY", "BRAVE_KEY", "PERPLEXITY_KEY", "REDIS_ADDR"} {
		t.Setenv("RESOLVER_"+k, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	c, err := config.Load()
	require.NoError(t, err)
	cfg = c
	t.Cleanup(func() { cfg = nil })
}

func TestInitEnv_ResolvesThenServesFromCache(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/siemens/g120c_operating_instructions.pdf" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Length", "250000")
		w.WriteHeader(http.StatusOK)
	}))
	defer docs.Close()

	var searches atomic.Int32
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		searches.Add(1)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"organic": []map[string]any{
				{
					"title":   "SINAMICS G120C Operating Instructions",
					"link":    docs.URL + "/siemens/g120c_operating_instructions.pdf",
					"snippet": "Converter with integrated control unit",
				},
			},
		})
	}))
	defer search.Close()

	loadTestConfig(t, map[string]string{
		"RESOLVER_SERPER_KEY":      "test-key",
		"RESOLVER_SERPER_BASE_URL": search.URL,
	})

	ctx := context.Background()
	env, err := initEnv(ctx, "resolve")
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, []string{"serper"}, tierNames(env.Chain.FindDocument))
	assert.Empty(t, env.Chain.Identify.Tiers)

	first, err := env.Orchestrator.Resolve(ctx, resolve.Input{
		Kind:   model.KindFindDocument,
		Fields: model.Fields{Manufacturer: "Siemens", Model: "G120C"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, first.Status)
	assert.Equal(t, "serper", first.Source)
	assert.GreaterOrEqual(t, first.Confidence, 0.75)

	second, err := env.Orchestrator.Resolve(ctx, resolve.Input{
		Kind:   model.KindFindDocument,
		Fields: model.Fields{Manufacturer: "SIEMENS", Model: "G-120-C"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.SourceCache, second.Source)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, int32(1), searches.Load())
}

func TestInitEnv_NoProvidersEscalatesOnce(t *testing.T) {
	loadTestConfig(t, nil)

	ctx := context.Background()
	env, err := initEnv(ctx, "resolve")
	require.NoError(t, err)
	defer env.Close()

	in := resolve.Input{Kind: model.KindIdentify, Fields: model.Fields{RawText: "ACME PUMP MODEL X-200"}}
	first, err := env.Orchestrator.Resolve(ctx, in)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, first.Status)
	assert.Equal(t, resolve.QueuedMessage, first.Message)

	second, err := env.Orchestrator.Resolve(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.TicketID, second.TicketID)

	tickets, err := env.Queue.List(ctx, store.TicketFilter{Status: model.TicketPending})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	loadTestConfig(t, map[string]string{"RESOLVER_STORE_DRIVER": "mysql"})
	_, err := initEnv(context.Background(), "resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestChainConfig(t *testing.T) {
	t.Run("defaults with threshold overrides", func(t *testing.T) {
		c := &config.Config{Chain: config.ChainConfig{IdentifyThreshold: 0.6, DocumentThreshold: 0.8}}
		chain, err := chainConfig(c)
		require.NoError(t, err)
		assert.InDelta(t, 0.6, chain.Identify.Threshold, 1e-9)
		assert.InDelta(t, 0.8, chain.FindDocument.Threshold, 1e-9)
		assert.Len(t, chain.Identify.Tiers, 4)
		assert.Len(t, chain.FindDocument.Tiers, 4)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chain.yaml")
		require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
chain:
  find_document:
    tiers:
      - name: brave
        cost_rank: 0
      - name: serper
        cost_rank: 1
`)), 0o600))
		c := &config.Config{Chain: config.ChainConfig{ConfigPath: path, DocumentThreshold: 0.9}}
		chain, err := chainConfig(c)
		require.NoError(t, err)
		assert.Equal(t, []string{"brave", "serper"}, tierNames(chain.FindDocument))
		assert.InDelta(t, 0.9, chain.FindDocument.Threshold, 1e-9)
	})

	t.Run("file threshold kept when config leaves it unset", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chain.yaml")
		require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
chain:
  identify:
    threshold: 0.6
    tiers:
      - name: tesseract
`)), 0o600))
		loadTestConfig(t, map[string]string{"RESOLVER_CHAIN_CONFIG_PATH": path})

		chain, err := chainConfig(cfg)
		require.NoError(t, err)
		assert.InDelta(t, 0.6, chain.Identify.Threshold, 1e-9)
		assert.InDelta(t, 0.75, chain.FindDocument.Threshold, 1e-9)
	})

	t.Run("missing file", func(t *testing.T) {
		c := &config.Config{Chain: config.ChainConfig{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")}}
		_, err := chainConfig(c)
		assert.Error(t, err)
	})
}

func TestBuildRegistry(t *testing.T) {
	c := &config.Config{}
	c.Mistral.Key = "m"
	c.Mistral.Model = "mistral-ocr-latest"
	c.Anthropic.Key = "a"
	c.Anthropic.HaikuModel = "claude-haiku-4-5-20251001"
	c.Jina.Key = "j"
	c.Brave.Key = "b"

	reg := buildRegistry(c, newNormalizer(c), cost.NewCalculator(cost.DefaultRates()), http.DefaultClient)

	names := reg.List()
	assert.ElementsMatch(t, []string{"mistral_ocr", "claude_haiku", "jina_search", "brave"}, names)
	assert.Equal(t, model.KindIdentify, reg.Get("claude_haiku").Kind())
	assert.Equal(t, model.KindFindDocument, reg.Get("brave").Kind())
	assert.Nil(t, reg.Get("claude_sonnet"), "sonnet tier needs a model name")
	assert.Nil(t, reg.Get("serper"))
}
