package logging

import (
	"context"
	"time"
)

// DetachContextWithTimeout returns a context that keeps parent's values,
// including a zerolog logger attached with WithContext, but is not cancelled
// with parent. It expires after timeout instead. Bookkeeping writes such as
// tracker rows, router flushes and status probes run under it so they
// finish after the caller's prompt was cancelled.
//
//	sctx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	status, err := rest.Status(sctx)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
