// Package normalize turns free-text equipment identifiers into stable cache keys.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// DefaultCutoff is the minimum similarity for two keys to be treated as the
// same equipment.
const DefaultCutoff = 0.85

const maxRawTextKey = 160

var (
	nonAlnumRe = regexp.MustCompile(`[^a-z0-9&]+`)
	modelSepRe = regexp.MustCompile(`[\s\-_./\\:]+`)
)

// Normalizer builds normalized keys. It is safe for concurrent use once built.
type Normalizer struct {
	aliases    map[string]string
	similarity Similarity
	cutoff     float64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithAliases adds or overrides alias entries. Both sides are normalized
// before they are stored.
func WithAliases(aliases map[string]string) Option {
	return func(n *Normalizer) {
		for from, to := range aliases {
			f := stripSuffixes(cleanName(from))
			if f == "" {
				continue
			}
			n.aliases[f] = stripSuffixes(cleanName(to))
		}
	}
}

// WithSimilarity swaps the similarity function used for fuzzy matching.
func WithSimilarity(s Similarity) Option {
	return func(n *Normalizer) {
		if s != nil {
			n.similarity = s
		}
	}
}

// WithCutoff sets the fuzzy match cutoff.
func WithCutoff(c float64) Option {
	return func(n *Normalizer) {
		if c > 0 && c <= 1 {
			n.cutoff = c
		}
	}
}

// New creates a Normalizer with the built-in alias table.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		aliases:    make(map[string]string, len(defaultAliases)),
		similarity: EditSimilarity,
		cutoff:     DefaultCutoff,
	}
	for k, v := range defaultAliases {
		n.aliases[k] = v
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Cutoff returns the configured fuzzy match cutoff.
func (n *Normalizer) Cutoff() float64 { return n.cutoff }

// Key returns the normalized key for a request. The same function is used for
// cache lookups and cache writes.
func (n *Normalizer) Key(kind model.Kind, f model.Fields, img *model.Image) string {
	prefix := string(kind) + ":"

	mfr := n.Manufacturer(f.Manufacturer)
	mdl := ModelNumber(f.Model)
	if mfr != "" || mdl != "" {
		return prefix + mfr + "|" + mdl
	}

	if raw := rawText(f.RawText); raw != "" {
		return prefix + "text:" + raw
	}

	if !img.Empty() {
		return prefix + "img:" + imageDigest(img)
	}
	return ""
}

// Manufacturer canonicalizes a manufacturer name: accents folded, lower-cased,
// punctuation removed, corporate suffixes dropped, and aliases resolved.
func (n *Normalizer) Manufacturer(s string) string {
	name := stripSuffixes(cleanName(s))
	if canon, ok := n.aliases[name]; ok {
		return canon
	}
	return name
}

// DetectManufacturer finds the first known manufacturer or alias mentioned in
// free text. It returns the canonical name, or "" when none is found.
func (n *Normalizer) DetectManufacturer(text string) string {
	padded := " " + cleanName(text) + " "
	if strings.TrimSpace(padded) == "" {
		return ""
	}

	best, bestPos := "", -1
	consider := func(needle, canon string) {
		if len(needle) < 3 {
			return
		}
		pos := strings.Index(padded, " "+needle+" ")
		if pos < 0 {
			return
		}
		if bestPos < 0 || pos < bestPos || (pos == bestPos && len(canon) > len(best)) {
			best, bestPos = canon, pos
		}
	}
	for _, m := range knownManufacturers {
		consider(m, m)
	}
	for alias, canon := range n.aliases {
		consider(alias, canon)
	}
	return best
}

// ModelNumber lower-cases a model number and drops separators so that
// "G-120 C" and "g120c" compare equal.
func ModelNumber(s string) string {
	s = strings.ToLower(foldAccents(CleanText(s, 0)))
	return modelSepRe.ReplaceAllString(s, "")
}

// KindOf returns the request kind encoded in a normalized key.
func KindOf(key string) model.Kind {
	kind, _, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	return model.Kind(kind)
}

func cleanName(s string) string {
	s = strings.ToLower(foldAccents(s))
	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&", " ")
	return strings.Join(strings.Fields(s), " ")
}

func stripSuffixes(name string) string {
	tokens := strings.Fields(name)
	for len(tokens) > 1 && corporateSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

func rawText(s string) string {
	return CleanText(strings.ToLower(foldAccents(s)), maxRawTextKey)
}

// CleanText collapses whitespace, drops control characters and invalid
// UTF-8, and cuts the result to at most max bytes without splitting a rune.
// A max of zero or less means no limit.
func CleanText(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if r == utf8.RuneError || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

// foldAccents decomposes s and removes combining marks ("Société" -> "Societe").
func foldAccents(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func imageDigest(img *model.Image) string {
	if len(img.Data) == 0 {
		sum := sha256.Sum256([]byte(img.URL))
		return hex.EncodeToString(sum[:16])
	}
	sum := sha256.Sum256(img.Data)
	return hex.EncodeToString(sum[:16])
}
