// Package opctx bounds single cache round trips.
package opctx

import (
	"context"
	"time"
)

// WithTimeout derives a context for one backend call.
// d <= 0 leaves ctx untouched and returns a no-op cancel.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
