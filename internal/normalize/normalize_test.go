package normalize

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/model"
)

func TestKey_CaseAndSeparators(t *testing.T) {
	n := New()

	a := n.Key(model.KindFindDocument, model.Fields{Manufacturer: "Siemens", Model: "G120C"}, nil)
	b := n.Key(model.KindFindDocument, model.Fields{Manufacturer: "SIEMENS", Model: "G-120-C"}, nil)

	assert.Equal(t, "find_document:siemens|g120c", a)
	assert.Equal(t, a, b)
}

func TestKey_KindPrefix(t *testing.T) {
	n := New()
	f := model.Fields{Manufacturer: "ABB", Model: "ACS580"}

	assert.Equal(t, "identify:abb|acs580", n.Key(model.KindIdentify, f, nil))
	assert.Equal(t, "find_document:abb|acs580", n.Key(model.KindFindDocument, f, nil))
}

func TestKey_Deterministic(t *testing.T) {
	n := New()
	f := model.Fields{Manufacturer: "  Allen-Bradley ", Model: "1756-L72"}
	first := n.Key(model.KindFindDocument, f, nil)
	for range 20 {
		assert.Equal(t, first, n.Key(model.KindFindDocument, f, nil))
	}
}

func TestManufacturer_Aliases(t *testing.T) {
	n := New()

	tests := []struct {
		in   string
		want string
	}{
		{"Allen-Bradley", "rockwell automation"},
		{"Rockwell Automation, Inc.", "rockwell automation"},
		{"Square D", "schneider electric"},
		{"Telemecanique", "schneider electric"},
		{"Cutler-Hammer", "eaton"},
		{"GE", "general electric"},
		{"Siemens AG", "siemens"},
		{"SEW-Eurodrive GmbH & Co KG", "sew eurodrive"},
		{"Société Générale", "societe generale"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Manufacturer(tt.in))
		})
	}
}

func TestWithAliases(t *testing.T) {
	n := New(WithAliases(map[string]string{"Acme Drives Inc": "ACME"}))
	assert.Equal(t, "acme", n.Manufacturer("acme drives"))
	assert.Equal(t, "rockwell automation", n.Manufacturer("allen bradley"))
}

func TestWithAliases_SuffixedNames(t *testing.T) {
	n := New(WithAliases(map[string]string{"Acme Drives Inc": "Rockwell Automation, Inc."}))

	want := "find_document:rockwell automation|x1"
	for _, mfr := range []string{"Acme Drives Inc", "ACME DRIVES", "Acme Drives, Inc.", "Rockwell Automation"} {
		assert.Equal(t, want, n.Key(model.KindFindDocument, model.Fields{Manufacturer: mfr, Model: "X1"}, nil), mfr)
	}
}

func TestModelNumber(t *testing.T) {
	assert.Equal(t, "6sl32101ke123ub2", ModelNumber("6SL3210-1KE12-3UB2"))
	assert.Equal(t, "g120c", ModelNumber(" G 120_C "))
	assert.Equal(t, "acs580", ModelNumber("ACS.580"))
}

func TestKey_RawTextAndImage(t *testing.T) {
	n := New()

	k := n.Key(model.KindIdentify, model.Fields{RawText: "  MOTOR   3 PH\n60 HZ "}, nil)
	assert.Equal(t, "identify:text:motor 3 ph 60 hz", k)

	img := &model.Image{Data: []byte("jpeg-bytes")}
	k1 := n.Key(model.KindIdentify, model.Fields{}, img)
	k2 := n.Key(model.KindIdentify, model.Fields{}, &model.Image{Data: []byte("jpeg-bytes")})
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "identify:img:")
	assert.Len(t, k1, len("identify:img:")+32)

	assert.Empty(t, n.Key(model.KindIdentify, model.Fields{}, nil))
}

func TestKey_RawTextIsCleanUTF8(t *testing.T) {
	n := New()

	long := strings.Repeat("a", 159) + " 日本製モーター"
	k := n.Key(model.KindIdentify, model.Fields{RawText: long}, nil)
	raw := strings.TrimPrefix(k, "identify:text:")
	assert.True(t, utf8.ValidString(k))
	assert.LessOrEqual(t, len(raw), maxRawTextKey)
	assert.Equal(t, strings.Repeat("a", 159), raw)

	k = n.Key(model.KindIdentify, model.Fields{RawText: "abc\x00def\x07 \xff60 hz"}, nil)
	assert.Equal(t, "identify:text:abcdef 60 hz", k)

	assert.Equal(t, "find_document:siemens|g120c",
		n.Key(model.KindFindDocument, model.Fields{Manufacturer: "Siemens", Model: "G120\x00C"}, nil))
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"whitespace collapsed", "  a\t\tb\n c ", 0, "a b c"},
		{"controls dropped", "a\x00b\x1bc", 0, "abc"},
		{"cut on rune boundary", "ab日本", 4, "ab"},
		{"exact fit", "ab日", 5, "ab日"},
		{"trailing space trimmed", "abc def", 4, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanText(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestDetectManufacturer(t *testing.T) {
	n := New()

	assert.Equal(t, "siemens", n.DetectManufacturer("SIEMENS SINAMICS G120C 6SL3210"))
	assert.Equal(t, "rockwell automation", n.DetectManufacturer("Allen-Bradley PowerFlex 525"))
	assert.Equal(t, "schneider electric", n.DetectManufacturer("SQUARE D  Class 8536"))
	assert.Empty(t, n.DetectManufacturer("3 PHASE INDUCTION MOTOR"))
	assert.Empty(t, n.DetectManufacturer(""))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, model.KindFindDocument, KindOf("find_document:siemens|g120c"))
	assert.Equal(t, model.KindIdentify, KindOf("identify:img:abcd"))
	assert.Equal(t, model.Kind(""), KindOf("garbage"))
}

func TestBestMatch_Exact(t *testing.T) {
	n := New()
	m, ok := n.BestMatch("find_document:siemens|g120c", []model.CacheKey{
		{Key: "find_document:abb|acs580"},
		{Key: "find_document:siemens|g120c"},
	})
	require.True(t, ok)
	assert.Equal(t, "find_document:siemens|g120c", m.Key)
	assert.InDelta(t, 1.0, m.Similarity, 0.0001)
}

func TestBestMatch_FuzzyAboveCutoff(t *testing.T) {
	n := New()
	m, ok := n.BestMatch("find_document:siemens|g120c", []model.CacheKey{
		{Key: "find_document:siemens|g120cpn"},
		{Key: "find_document:yaskawa|v1000"},
	})
	require.True(t, ok)
	assert.Equal(t, "find_document:siemens|g120cpn", m.Key)
	assert.GreaterOrEqual(t, m.Similarity, DefaultCutoff)
}

func TestBestMatch_BelowCutoff(t *testing.T) {
	n := New()
	_, ok := n.BestMatch("find_document:siemens|g120c", []model.CacheKey{
		{Key: "find_document:siemens|3rw4036"},
	})
	assert.False(t, ok)
}

func TestBestMatch_KindIsolation(t *testing.T) {
	n := New()
	_, ok := n.BestMatch("find_document:siemens|g120c", []model.CacheKey{
		{Key: "identify:siemens|g120c"},
	})
	assert.False(t, ok)
}

func TestBestMatch_ImageKeysExactOnly(t *testing.T) {
	n := New()
	_, ok := n.BestMatch("identify:img:0011223344556677", []model.CacheKey{
		{Key: "identify:img:0011223344556678"},
	})
	assert.False(t, ok)
}

func TestBestMatch_TieBreaksOnRecency(t *testing.T) {
	constant := func(a, b string) float64 { return 0.9 }
	n := New(WithSimilarity(constant))

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m, ok := n.BestMatch("find_document:x|1", []model.CacheKey{
		{Key: "find_document:x|2", LastAccessedAt: now.Add(-time.Hour)},
		{Key: "find_document:x|3", LastAccessedAt: now},
		{Key: "find_document:x|4", LastAccessedAt: now.Add(-2 * time.Hour)},
	})
	require.True(t, ok)
	assert.Equal(t, "find_document:x|3", m.Key)
}

func TestBestMatch_HigherSimilarityWinsOverRecency(t *testing.T) {
	n := New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m, ok := n.BestMatch("find_document:siemens|g120c", []model.CacheKey{
		{Key: "find_document:siemens|g120cpn", LastAccessedAt: now},
		{Key: "find_document:siemens|g120cp", LastAccessedAt: now.Add(-time.Hour)},
	})
	require.True(t, ok)
	assert.Equal(t, "find_document:siemens|g120cp", m.Key)
}

func TestWithCutoff(t *testing.T) {
	n := New(WithCutoff(0.99))
	assert.InDelta(t, 0.99, n.Cutoff(), 0.0001)
	_, ok := n.BestMatch("find_document:siemens|g120c", []model.CacheKey{
		{Key: "find_document:siemens|g120cp"},
	})
	assert.False(t, ok)

	assert.InDelta(t, DefaultCutoff, New(WithCutoff(0)).Cutoff(), 0.0001)
}

func TestEditSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, EditSimilarity("abc", "abc"), 0.0001)
	assert.Less(t, EditSimilarity("abc", "xyz"), 0.5)
}
