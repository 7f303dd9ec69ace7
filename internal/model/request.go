package model

import (
	"strings"
	"time"
)

// Kind selects which resolution chain handles a request.
type Kind string

const (
	KindIdentify     Kind = "identify"
	KindFindDocument Kind = "find_document"
)

// Valid reports whether k is a known request kind.
func (k Kind) Valid() bool {
	return k == KindIdentify || k == KindFindDocument
}

// Fields holds the free-text identifying fields supplied by the requester.
type Fields struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	RawText      string `json:"raw_text,omitempty"`
}

// Empty reports whether no identifying text was supplied.
func (f Fields) Empty() bool {
	return strings.TrimSpace(f.Manufacturer) == "" &&
		strings.TrimSpace(f.Model) == "" &&
		strings.TrimSpace(f.RawText) == ""
}

// Image is a nameplate photograph, either inline bytes or a URL to fetch.
type Image struct {
	Data      []byte `json:"-"`
	MediaType string `json:"media_type,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Empty reports whether the image carries neither bytes nor a URL.
func (i *Image) Empty() bool {
	return i == nil || (len(i.Data) == 0 && i.URL == "")
}

// Request is a single resolution request. It is built once by the
// orchestrator and passed by value afterwards.
type Request struct {
	ID            string    `json:"request_id"`
	Kind          Kind      `json:"kind"`
	Fields        Fields    `json:"raw_fields"`
	Image         *Image    `json:"image,omitempty"`
	NormalizedKey string    `json:"normalized_key"`
	CreatedAt     time.Time `json:"created_at"`
}
