package docsearch

import (
	"context"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
	"github.com/sells-group/equipment-resolver/pkg/serper"
)

// Serper searches Google through serper.dev.
type Serper struct {
	base
	client serper.Client
}

// NewSerper creates the serper tier.
func NewSerper(client serper.Client, opts ...Option) *Serper {
	return &Serper{base: newBase("serper", opts), client: client}
}

// Attempt implements provider.Provider.
func (p *Serper) Attempt(ctx context.Context, req model.Request) (*provider.Result, error) {
	query := Query(req.Fields)
	if query == "" {
		return nil, emptyQuery(p.name)
	}

	resp, err := resiliently(ctx, &p.base, "search", func(ctx context.Context) (*serper.SearchResponse, error) {
		return p.client.Search(ctx, serper.SearchRequest{Query: query, Num: p.count})
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Organic))
	for _, o := range resp.Organic {
		hits = append(hits, Hit{Title: o.Title, URL: o.Link, Snippet: o.Snippet})
	}

	var price float64
	if p.calc != nil {
		price = p.calc.SerperQuery()
	}
	return p.result(req, query, hits, price)
}
