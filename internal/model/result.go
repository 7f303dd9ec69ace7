package model

import "encoding/json"

// EquipmentIdentity is the structured result of nameplate identification.
type EquipmentIdentity struct {
	Manufacturer  string            `json:"manufacturer"`
	Model         string            `json:"model"`
	Serial        string            `json:"serial,omitempty"`
	EquipmentType string            `json:"equipment_type,omitempty"`
	RawText       string            `json:"raw_text,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// DocumentRef points to an equipment manual or datasheet.
type DocumentRef struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// ResponseStatus is the user-visible outcome of a resolution.
type ResponseStatus string

const (
	StatusResolved ResponseStatus = "resolved"
	StatusQueued   ResponseStatus = "queued"
	StatusError    ResponseStatus = "error"
)

// SourceCache is reported when a response was served from the cache.
const SourceCache = "cache"

// Response is returned to the requester.
type Response struct {
	Status     ResponseStatus  `json:"status"`
	Confidence float64         `json:"confidence,omitempty"`
	Source     string          `json:"source,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	TicketID   string          `json:"ticket_id,omitempty"`
	Message    string          `json:"message,omitempty"`
	Coalesced  bool            `json:"-"`
}
