package normalize

import (
	"strings"

	"github.com/agext/levenshtein"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// Similarity scores two normalized strings in [0,1], 1 meaning identical.
type Similarity func(a, b string) float64

// EditSimilarity is the normalized edit-distance ratio between a and b.
func EditSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// Match is a fuzzy cache key match.
type Match struct {
	Key        string
	Similarity float64
}

// BestMatch picks the candidate most similar to key. Candidates must share
// the key's kind; image-digest keys only ever match exactly. Ties resolve to
// the higher similarity, then to the most recently accessed candidate.
func (n *Normalizer) BestMatch(key string, candidates []model.CacheKey) (Match, bool) {
	kind, body, ok := strings.Cut(key, ":")
	if !ok || body == "" {
		return Match{}, false
	}
	fuzzy := !strings.HasPrefix(body, "img:")

	var (
		best     Match
		bestSeen model.CacheKey
		found    bool
	)
	for _, c := range candidates {
		ck, cbody, ok := strings.Cut(c.Key, ":")
		if !ok || ck != kind {
			continue
		}

		var score float64
		switch {
		case cbody == body:
			score = 1
		case !fuzzy || strings.HasPrefix(cbody, "img:"):
			continue
		default:
			score = n.similarity(body, cbody)
		}
		if score < n.cutoff {
			continue
		}

		if !found || score > best.Similarity ||
			(score == best.Similarity && c.LastAccessedAt.After(bestSeen.LastAccessedAt)) {
			best = Match{Key: c.Key, Similarity: score}
			bestSeen = c
			found = true
		}
	}
	return best, found
}
