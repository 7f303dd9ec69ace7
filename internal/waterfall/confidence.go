package waterfall

import (
	"net/url"
	"path"
	"strings"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/normalize"
	"github.com/sells-group/equipment-resolver/internal/validate"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
)

// ValidationBonus is added to a document's score when its artifact is
// reachable and of a reasonable size.
const ValidationBonus = 0.05

var manualKeywords = []string{
	"manual", "datasheet", "data sheet", "guide", "instruction",
	"handbook", "catalog", "specification", "installation",
}

// Evaluator turns a provider result into a confidence in [0,1]. A
// self-reported confidence is used as-is; otherwise one is computed from
// response features.
type Evaluator struct {
	norm *normalize.Normalizer
}

// NewEvaluator creates an Evaluator that matches manufacturers through n.
func NewEvaluator(n *normalize.Normalizer) *Evaluator {
	if n == nil {
		n = normalize.New()
	}
	return &Evaluator{norm: n}
}

// Score returns the result's confidence for req.
func (e *Evaluator) Score(req model.Request, r *provider.Result) float64 {
	if r == nil {
		return 0
	}
	if r.Confidence != nil {
		return clamp(*r.Confidence)
	}
	switch {
	case r.Identity != nil:
		return identityScore(r.Identity, r.Signals)
	case r.Document != nil:
		return e.documentScore(req.Fields, r.Document, r.Signals)
	}
	return 0
}

// identityScore weighs field completeness, OCR clarity, and extracted text
// length 0.5/0.3/0.2.
func identityScore(id *model.EquipmentIdentity, sig provider.Signals) float64 {
	var completeness float64
	if strings.TrimSpace(id.Manufacturer) != "" {
		completeness += 0.35
	}
	if strings.TrimSpace(id.Model) != "" {
		completeness += 0.35
	}
	if strings.TrimSpace(id.Serial) != "" {
		completeness += 0.2
	}
	if strings.TrimSpace(id.EquipmentType) != "" {
		completeness += 0.1
	}

	clarity := sig.Clarity
	if clarity <= 0 {
		clarity = 0.5
	}

	length := min(float64(len(strings.TrimSpace(id.RawText)))/40, 1)

	return clamp(0.5*completeness + 0.3*clamp(clarity) + 0.2*length)
}

func (e *Evaluator) documentScore(f model.Fields, doc *model.DocumentRef, sig provider.Signals) float64 {
	u, err := url.Parse(strings.TrimSpace(doc.URL))
	if err != nil || u.Host == "" {
		return 0
	}

	haystack := strings.ToLower(doc.Title + " " + u.Host + " " + u.Path)
	compact := normalize.ModelNumber(doc.Title + u.Path)

	var score float64
	mdl := normalize.ModelNumber(f.Model)
	mfrTokens := e.manufacturerTokens(f.Manufacturer)
	if mdl == "" && len(mfrTokens) == 0 {
		score += 0.6 * tokenCoverage(f.RawText, haystack)
	} else {
		if mdl != "" && strings.Contains(compact, mdl) {
			score += 0.35
		}
		for _, tok := range mfrTokens {
			if strings.Contains(haystack, tok) {
				score += 0.25
				break
			}
		}
	}

	if strings.EqualFold(path.Ext(u.Path), ".pdf") || strings.Contains(doc.ContentType, "pdf") {
		score += 0.2
	}
	for _, kw := range manualKeywords {
		if strings.Contains(haystack, kw) {
			score += 0.1
			break
		}
	}
	switch sig.Rank {
	case 0:
		score += 0.1
	case 1:
		score += 0.05
	}
	return clamp(score)
}

// manufacturerTokens returns the words of both the raw and the canonical
// manufacturer name, so a URL on rockwellautomation.com matches a request
// for Allen-Bradley.
func (e *Evaluator) manufacturerTokens(raw string) []string {
	var out []string
	seen := map[string]bool{}
	for _, name := range []string{strings.ToLower(raw), e.norm.Manufacturer(raw)} {
		for _, tok := range strings.FieldsFunc(name, func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			if len(tok) < 3 || seen[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

func tokenCoverage(text, haystack string) float64 {
	tokens := strings.Fields(strings.ToLower(text))
	var total, hit int
	for _, tok := range tokens {
		if len(tok) < 3 {
			continue
		}
		total++
		if strings.Contains(haystack, tok) {
			hit++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}

// CompositeScore folds a validation outcome into a document's confidence.
func CompositeScore(score float64, v validate.Result) float64 {
	if v.Bonus {
		score += ValidationBonus
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
