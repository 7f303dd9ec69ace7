package docsearch

import (
	"context"

	"github.com/sells-group/equipment-resolver/internal/normalize"
	"github.com/sells-group/equipment-resolver/internal/resilience"
)

// resiliently runs fn under the tier's retry policy and tags a final
// failure as a transport error.
func resiliently[T any](ctx context.Context, b *base, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := resilience.DoVal(ctx, b.retryConfig(op), fn)
	if err != nil {
		var zero T
		return zero, resilience.Transport(b.name, err)
	}
	return v, nil
}

func truncate(s string, n int) string {
	return normalize.CleanText(s, n)
}
