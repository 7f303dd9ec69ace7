package model

import (
	"encoding/json"
	"time"
)

// TicketStatus is the lifecycle state of an escalation ticket.
type TicketStatus string

const (
	TicketPending      TicketStatus = "pending"
	TicketAssigned     TicketStatus = "assigned"
	TicketResolved     TicketStatus = "resolved"
	TicketUnresolvable TicketStatus = "unresolvable"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketPending, TicketAssigned, TicketResolved, TicketUnresolvable:
		return true
	}
	return false
}

// Open reports whether the ticket still awaits a human.
func (s TicketStatus) Open() bool {
	return s == TicketPending || s == TicketAssigned
}

// CanTransition reports whether moving from s to next is allowed.
// Terminal states never transition.
func (s TicketStatus) CanTransition(next TicketStatus) bool {
	switch s {
	case TicketPending:
		return next == TicketAssigned || next == TicketResolved || next == TicketUnresolvable
	case TicketAssigned:
		return next == TicketAssigned || next == TicketResolved || next == TicketUnresolvable
	}
	return false
}

// Ticket is a durable record of a request that exhausted every tier.
type Ticket struct {
	ID                string          `json:"ticket_id"`
	NormalizedKey     string          `json:"normalized_key"`
	Kind              Kind            `json:"kind"`
	RawFields         Fields          `json:"raw_fields"`
	Attempts          []Attempt       `json:"attempts"`
	Status            TicketStatus    `json:"status"`
	Assignee          string          `json:"assignee,omitempty"`
	ResolutionPayload json.RawMessage `json:"resolution_payload,omitempty"`
	Note              string          `json:"note,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}
