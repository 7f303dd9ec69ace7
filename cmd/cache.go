package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/normalize"
)

// SourceImport marks cache entries seeded from a file.
const SourceImport = "import"

var cacheImportPath string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Seed and inspect the resolution cache",
}

var cacheImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Seed the cache from a JSONL file of known answers",
	Long: "Each line is {\"kind\", \"fields\", \"result\", \"confidence\"?, \"source\"?}. " +
		"Keys are normalized exactly as live requests are, and existing entries are replaced.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := os.Open(cacheImportPath)
		if err != nil {
			return eris.Wrapf(err, "open %s", cacheImportPath)
		}
		defer f.Close() //nolint:errcheck

		entries, err := readCacheSeed(f, newNormalizer(cfg))
		if err != nil {
			return err
		}

		st, err := initStoreOnly(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.ImportCacheEntries(ctx, entries)
		if err != nil {
			return eris.Wrap(err, "import cache entries")
		}

		zap.L().Info("cache import complete",
			zap.Int64("imported", n),
			zap.String("file", cacheImportPath),
		)
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache and escalation queue counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := initStoreOnly(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.Stats(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "cache stats")
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

// seedLine is one line of a cache seed file.
type seedLine struct {
	Kind       model.Kind      `json:"kind"`
	Fields     model.Fields    `json:"fields"`
	Result     json.RawMessage `json:"result"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source"`
}

// readCacheSeed parses a seed file. Any malformed line fails the whole
// import so a partial seed is never written.
func readCacheSeed(r io.Reader, norm *normalize.Normalizer) ([]model.CacheEntry, error) {
	var entries []model.CacheEntry
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var s seedLine
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, eris.Wrapf(err, "cache seed line %d", line)
		}
		if !s.Kind.Valid() {
			return nil, eris.Errorf("cache seed line %d: unknown kind %q", line, s.Kind)
		}
		if len(s.Result) == 0 || !json.Valid(s.Result) || string(s.Result) == "null" {
			return nil, eris.Errorf("cache seed line %d: result must be a JSON value", line)
		}
		key := norm.Key(s.Kind, s.Fields, nil)
		if key == "" {
			return nil, eris.Errorf("cache seed line %d: fields normalize to an empty key", line)
		}
		if s.Confidence <= 0 || s.Confidence > 1 {
			s.Confidence = 1
		}
		if s.Source == "" {
			s.Source = SourceImport
		}

		entry := model.CacheEntry{
			NormalizedKey:  key,
			Kind:           s.Kind,
			ResultPayload:  s.Result,
			Confidence:     s.Confidence,
			Validated:      true,
			SourceProvider: s.Source,
		}
		// Later lines win for duplicate keys, matching UPSERT order.
		if i, ok := seen[key]; ok {
			entries[i] = entry
			continue
		}
		seen[key] = len(entries)
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "read cache seed")
	}
	return entries, nil
}

func init() {
	cacheImportCmd.Flags().StringVar(&cacheImportPath, "file", "", "path to JSONL seed file (required)")
	_ = cacheImportCmd.MarkFlagRequired("file")
	cacheCmd.AddCommand(cacheImportCmd, cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}
