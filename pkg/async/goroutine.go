package async

import (
	"context"
	"time"

	"github.com/platinummonkey/conveyor/pkg/observability"
)

// SafeGo executes fn in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, logger, 5*time.Second, "webhook emit", func(ctx context.Context) error {
//	    return emitter.Emit(ctx, event)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			// Log and move on; fire-and-forget work is never critical
			logger.WithError(err).WithField("task", taskName).Error("async task failed")
		}
	}()
}

// SafeGoDetached is like SafeGo but detaches from the parent's
// cancellation while keeping its values. Use for work that must outlive
// the request that started it, such as dispatching a claimed run: once
// the run is marked processing, cancelling the HTTP request must not
// abandon the dispatch.
func SafeGoDetached(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	SafeGo(context.WithoutCancel(parentCtx), logger, timeout, taskName, fn)
}
