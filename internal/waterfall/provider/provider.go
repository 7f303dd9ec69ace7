// Package provider defines the uniform contract every resolution tier implements.
package provider

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/equipment-resolver/internal/model"
)

// Signals are response features used when a provider does not report its
// own confidence.
type Signals struct {
	// Clarity is the OCR engine's mean word confidence in [0,1]; 0 if unknown.
	Clarity float64
	// Rank is the result's position in the provider's list, 0-based.
	Rank int
}

// Result is a successful provider response. Exactly one of Identity or
// Document is set, matching the provider's kind.
type Result struct {
	Identity   *model.EquipmentIdentity
	Document   *model.DocumentRef
	Confidence *float64
	Signals    Signals
	Raw        json.RawMessage
	CostUSD    float64
}

// SelfReported wraps a provider-supplied confidence.
func SelfReported(c float64) *float64 { return &c }

// Payload returns the JSON form of the result written to the cache.
func (r *Result) Payload() (json.RawMessage, error) {
	switch {
	case r == nil:
		return nil, eris.New("provider: nil result")
	case r.Identity != nil:
		b, err := json.Marshal(r.Identity)
		return b, eris.Wrap(err, "provider: marshal identity")
	case r.Document != nil:
		b, err := json.Marshal(r.Document)
		return b, eris.Wrap(err, "provider: marshal document")
	default:
		return nil, eris.New("provider: empty result")
	}
}

// Provider is one tier of a resolution chain.
type Provider interface {
	// Name matches the tier name in the chain config.
	Name() string
	// Kind is the request kind the provider resolves.
	Kind() model.Kind
	// Attempt resolves a request once. Transport and parse failures are
	// returned as errors; ctx carries the tier timeout.
	Attempt(ctx context.Context, req model.Request) (*Result, error)
}

// Registry holds the providers that are configured and usable.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns registered provider names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
