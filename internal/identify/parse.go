// Package identify implements the nameplate identification tiers: local and
// hosted OCR followed by a nameplate parser, and Claude vision extraction.
package identify

import (
	"regexp"
	"strings"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/normalize"
)

const maxRawText = 500

var (
	modelLabelRe  = regexp.MustCompile(`(?i)\b(?:model(?:\s*(?:no|number))?|mod\.?\s*no|m/n|cat(?:alog)?\.?\s*no|part\s*(?:no|number)|p/n|type)\s*[:#.]?\s*([a-z0-9][a-z0-9\-./]{1,30})`)
	serialLabelRe = regexp.MustCompile(`(?i)\b(?:serial(?:\s*(?:no|number))?|s/n|ser\.?\s*no|sn)\s*[:#.]?\s*([a-z0-9][a-z0-9\-]{2,30})`)
	// Tokens that mix letters and digits are model candidates when no label
	// is found; electrical ratings are excluded.
	alnumTokenRe  = regexp.MustCompile(`\b[A-Za-z0-9][A-Za-z0-9\-]{3,24}\b`)
	nonWordRe     = regexp.MustCompile(`[^a-z0-9]+`)
	ratingRe      = regexp.MustCompile(`(?i)^\d+(?:\.\d+)?(?:v|vac|vdc|a|hp|kw|kva|hz|rpm|ph|c|f)$`)

	attributeRes = map[string]*regexp.Regexp{
		"voltage": regexp.MustCompile(`(?i)\b(\d{2,4}(?:\s*/\s*\d{2,4})?)\s*(?:v|vac|volts?)\b`),
		"hp":      regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*hp\b`),
		"kw":      regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*kw\b`),
		"rpm":     regexp.MustCompile(`(?i)\b(\d{3,5})\s*(?:rpm|r/min|min-1)\b`),
		"hz":      regexp.MustCompile(`(?i)\b(\d{2}(?:\s*/\s*\d{2})?)\s*hz\b`),
		"amps":    regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(?:a|amps?)\b`),
		"phase":   regexp.MustCompile(`(?i)\b([13])\s*(?:ph|phase)\b`),
	}
)

// equipmentTypes maps nameplate keywords to an equipment type. The keyword
// appearing first in the text wins, so "gear motor" is a gearbox.
var equipmentTypes = []struct{ keyword, kind string }{
	{"gear reducer", "gearbox"},
	{"gearmotor", "gearbox"},
	{"gear motor", "gearbox"},
	{"gearbox", "gearbox"},
	{"variable frequency", "drive"},
	{"inverter", "drive"},
	{"vfd", "drive"},
	{"drive", "drive"},
	{"transformer", "transformer"},
	{"circuit breaker", "breaker"},
	{"breaker", "breaker"},
	{"contactor", "contactor"},
	{"starter", "starter"},
	{"compressor", "compressor"},
	{"chiller", "chiller"},
	{"boiler", "boiler"},
	{"generator", "generator"},
	{"pump", "pump"},
	{"blower", "fan"},
	{"fan", "fan"},
	{"controller", "controller"},
	{"plc", "controller"},
	{"motor", "motor"},
}

// ParseNameplate extracts an equipment identity from OCR text. Fields that
// cannot be found are left empty; the confidence evaluator scores
// completeness.
func ParseNameplate(text string, norm *normalize.Normalizer) model.EquipmentIdentity {
	clean := strings.Join(strings.Fields(text), " ")
	id := model.EquipmentIdentity{
		Manufacturer: norm.DetectManufacturer(clean),
		Model:        labelled(modelLabelRe, clean),
		Serial:       labelled(serialLabelRe, clean),
		RawText:      truncate(clean, maxRawText),
	}
	if id.Model == "" {
		id.Model = modelCandidate(clean, id.Serial)
	}
	id.EquipmentType = equipmentType(clean)
	id.Attributes = attributes(clean)
	return id
}

func labelled(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	v := strings.Trim(m[1], ".-/")
	// "TYPE: INDUCTION" labels a description, not a model number.
	if !hasDigit(v) {
		return ""
	}
	return strings.ToUpper(v)
}

func modelCandidate(text, serial string) string {
	for _, tok := range alnumTokenRe.FindAllString(text, -1) {
		if !hasDigit(tok) || !hasLetter(tok) || ratingRe.MatchString(tok) {
			continue
		}
		if strings.EqualFold(tok, serial) {
			continue
		}
		return strings.ToUpper(tok)
	}
	return ""
}

func equipmentType(text string) string {
	padded := " " + strings.Join(strings.Fields(nonWordRe.ReplaceAllString(strings.ToLower(text), " ")), " ") + " "
	best, bestPos := "", -1
	for _, et := range equipmentTypes {
		pos := strings.Index(padded, " "+et.keyword+" ")
		if pos < 0 {
			pos = strings.Index(padded, " "+et.keyword+"s ")
		}
		if pos < 0 {
			continue
		}
		if bestPos < 0 || pos < bestPos {
			best, bestPos = et.kind, pos
		}
	}
	return best
}

func attributes(text string) map[string]string {
	out := map[string]string{}
	for name, re := range attributeRes {
		if m := re.FindStringSubmatch(text); m != nil {
			out[name] = strings.ReplaceAll(m[1], " ", "")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}

func hasLetter(s string) bool {
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	return normalize.CleanText(s, n)
}
