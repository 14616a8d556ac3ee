// Package ctxutil provides small context helpers shared across the engine.
package ctxutil

import "context"

// Canceled reports the context error when ctx is already done. Store and
// service operations call it at entry so cancellation surfaces before any
// locks are taken or transitions written. ctx.Err() is nil while the context
// is live, so no select is needed.
func Canceled(ctx context.Context) error {
	return ctx.Err()
}
