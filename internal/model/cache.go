package model

import (
	"encoding/json"
	"time"
)

// SourceHuman marks cache entries written from a resolved escalation ticket.
const SourceHuman = "human"

// CacheEntry is a resolved key to result pair.
type CacheEntry struct {
	NormalizedKey  string          `json:"normalized_key"`
	Kind           Kind            `json:"kind"`
	ResultPayload  json.RawMessage `json:"result_payload"`
	Confidence     float64         `json:"confidence"`
	Validated      bool            `json:"validated"`
	SourceProvider string          `json:"source_provider"`
	AccessCount    int64           `json:"access_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
}

// CacheKey is a fuzzy-match candidate: a stored key and when it was last read.
type CacheKey struct {
	Key            string
	LastAccessedAt time.Time
}
