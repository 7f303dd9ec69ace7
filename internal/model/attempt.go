package model

import (
	"encoding/json"
	"time"
)

// Outcome is the tagged result of a single provider attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Attempt records one provider invocation for a request. Attempts are
// append-only and ordered by tier rank.
type Attempt struct {
	RequestID  string          `json:"request_id"`
	Provider   string          `json:"provider"`
	TierRank   int             `json:"tier_rank"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
	RawResult  json.RawMessage `json:"raw_result,omitempty"`
	Confidence float64         `json:"confidence"`
	Outcome    Outcome         `json:"outcome"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	Validation string          `json:"validation,omitempty"`
	CostUSD    float64         `json:"cost_usd"`
}

// Accepted reports whether the attempt cleared its threshold and validation.
func (a Attempt) Accepted() bool {
	return a.Outcome == OutcomeAccepted
}

// Duration returns the attempt wall time.
func (a Attempt) Duration() time.Duration {
	return time.Duration(a.DurationMS) * time.Millisecond
}
