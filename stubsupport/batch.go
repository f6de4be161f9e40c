package stubsupport

import (
	"context"

	"github.com/joeycumines/go-dirmi/chanpool"
)

// batchContextKey is the context value key carrying the calling goroutine's
// pinned batch channel, per spec.md §5: Go has no native thread-local
// storage, so the "goroutine-local batch pin" invariant is rendered as a
// value threaded explicitly through context.Context rather than ambient
// TLS -- Unbatch/Rebatch thread the override explicitly, which is itself a
// more idiomatic-Go rendition of the same invariant.
type batchContextKey struct{}

// WithBatch returns a context carrying ch as the calling goroutine's pinned
// batch channel, for the duration of calls made with it.
func WithBatch(ctx context.Context, ch *chanpool.Channel) context.Context {
	return context.WithValue(ctx, batchContextKey{}, ch)
}

// BatchFromContext retrieves the pinned batch channel, if any. A pin
// explicitly cleared by Unbatch (stored as a typed nil) reports ok=false,
// same as no pin ever having been set.
func BatchFromContext(ctx context.Context) (*chanpool.Channel, bool) {
	ch, ok := ctx.Value(batchContextKey{}).(*chanpool.Channel)
	if !ok || ch == nil {
		return nil, false
	}
	return ch, true
}
