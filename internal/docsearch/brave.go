package docsearch

import (
	"context"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
	"github.com/sells-group/equipment-resolver/pkg/brave"
)

// Brave searches the Brave web index.
type Brave struct {
	base
	client brave.Client
}

// NewBrave creates the brave tier.
func NewBrave(client brave.Client, opts ...Option) *Brave {
	return &Brave{base: newBase("brave", opts), client: client}
}

// Attempt implements provider.Provider.
func (p *Brave) Attempt(ctx context.Context, req model.Request) (*provider.Result, error) {
	query := Query(req.Fields)
	if query == "" {
		return nil, emptyQuery(p.name)
	}

	resp, err := resiliently(ctx, &p.base, "web_search", func(ctx context.Context) (*brave.SearchResponse, error) {
		return p.client.WebSearch(ctx, query, p.count)
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		hits = append(hits, Hit{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}

	var price float64
	if p.calc != nil {
		price = p.calc.BraveQuery()
	}
	return p.result(req, query, hits, price)
}
