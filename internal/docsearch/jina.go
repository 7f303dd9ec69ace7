package docsearch

import (
	"context"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/waterfall/provider"
	"github.com/sells-group/equipment-resolver/pkg/jina"
)

// Jina is the cheapest search tier. An optional site filter restricts hits
// to one domain.
type Jina struct {
	base
	client jina.Client
	site   string
}

// NewJina creates the jina_search tier.
func NewJina(client jina.Client, site string, opts ...Option) *Jina {
	return &Jina{base: newBase("jina_search", opts), client: client, site: site}
}

// Attempt implements provider.Provider.
func (p *Jina) Attempt(ctx context.Context, req model.Request) (*provider.Result, error) {
	query := Query(req.Fields)
	if query == "" {
		return nil, emptyQuery(p.name)
	}

	var searchOpts []jina.SearchOption
	if p.site != "" {
		searchOpts = append(searchOpts, jina.WithSiteFilter(p.site))
	}
	resp, err := resiliently(ctx, &p.base, "search", func(ctx context.Context) (*jina.SearchResponse, error) {
		return p.client.Search(ctx, query, searchOpts...)
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(resp.Data))
	for _, d := range resp.Data {
		snippet := d.Description
		if snippet == "" {
			snippet = truncate(d.Content, 300)
		}
		hits = append(hits, Hit{Title: d.Title, URL: d.URL, Snippet: snippet})
	}
	if len(hits) > p.count {
		hits = hits[:p.count]
	}

	var price float64
	if p.calc != nil {
		price = p.calc.Jina(resp.Tokens())
	}
	return p.result(req, query, hits, price)
}
