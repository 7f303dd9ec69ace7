package docsearch

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/equipment-resolver/internal/model"
)

func TestQuery(t *testing.T) {
	tests := []struct {
		name   string
		fields model.Fields
		want   string
	}{
		{"manufacturer and model", model.Fields{Manufacturer: " Siemens ", Model: "G120C"}, "Siemens G120C manual pdf"},
		{"model only", model.Fields{Model: "ACS580"}, "ACS580 manual pdf"},
		{"raw text", model.Fields{RawText: "SEW\n  EURODRIVE   R37"}, "SEW EURODRIVE R37 manual pdf"},
		{"nothing", model.Fields{RawText: "   "}, ""},
		{"control bytes dropped", model.Fields{Manufacturer: "ABB\x00", Model: "ACS\x1b580"}, "ABB ACS580 manual pdf"},
		{"long raw text cut on rune boundary", model.Fields{RawText: strings.Repeat("x", 119) + "製"}, strings.Repeat("x", 119) + " manual pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Query(tt.fields)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestPick(t *testing.T) {
	f := model.Fields{Manufacturer: "Siemens", Model: "G-120C"}
	tests := []struct {
		name     string
		fields   model.Fields
		hits     []Hit
		wantURL  string
		wantRank int
		wantOK   bool
	}{
		{
			name:   "pdf naming the model wins over earlier hits",
			fields: f,
			hits: []Hit{
				{Title: "SINAMICS G120C overview", URL: "https://siemens.com/g120c"},
				{Title: "Catalog", URL: "https://siemens.com/catalog.pdf"},
				{Title: "G120C Operating Instructions", URL: "https://cache.siemens.com/g120c_op_instr.pdf"},
			},
			wantURL:  "https://cache.siemens.com/g120c_op_instr.pdf",
			wantRank: 2,
			wantOK:   true,
		},
		{
			name:   "model match beats a bare pdf",
			fields: f,
			hits: []Hit{
				{Title: "Catalog", URL: "https://siemens.com/catalog.pdf"},
				{Title: "SINAMICS G120C overview", URL: "https://siemens.com/g120c"},
			},
			wantURL:  "https://siemens.com/g120c",
			wantRank: 1,
			wantOK:   true,
		},
		{
			name:   "pdf when nothing names the model",
			fields: f,
			hits: []Hit{
				{Title: "Forum", URL: "https://forum.example.com/t/1"},
				{Title: "Catalog", URL: "https://siemens.com/catalog.PDF"},
			},
			wantURL:  "https://siemens.com/catalog.PDF",
			wantRank: 1,
			wantOK:   true,
		},
		{
			name:   "first usable hit otherwise",
			fields: model.Fields{RawText: "some motor"},
			hits: []Hit{
				{Title: "broken", URL: "not a url"},
				{Title: "ftp", URL: "ftp://files.example.com/x"},
				{Title: "Forum", URL: "https://forum.example.com/t/1"},
			},
			wantURL:  "https://forum.example.com/t/1",
			wantRank: 2,
			wantOK:   true,
		},
		{
			name:   "no hits",
			fields: f,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hit, rank, ok := Pick(tt.fields, tt.hits)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantURL, hit.URL)
			assert.Equal(t, tt.wantRank, rank)
		})
	}
}
