package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veloce/authz/pkg/observability"
)

// Go runs fn in a goroutine with panic recovery and, when timeout is
// positive, a deadline. Errors and panics are logged, never propagated.
// The returned channel closes when fn has returned.
//
//	async.Go(ctx, logger, 30*time.Second, "cache warmup", func(ctx context.Context) error {
//		return resolver.Warm(ctx, ranks, 4)
//	})
func Go(parent context.Context, logger *observability.Logger, timeout time.Duration, task string, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.Nop()
	}
	done := make(chan struct{})

	go func() {
		defer close(done)

		ctx := parent
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, timeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  task,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("PANIC recovered in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", task).Warn("background task failed")
		}
	}()

	return done
}

// Batch calls fn for every item with at most workers calls in flight and
// returns the errors of the calls that failed. A failure does not stop
// the remaining items. Each call gets its own timeout when positive.
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		if ctx.Err() != nil {
			record(ctx.Err())
			break
		}
		g.Go(func() (err error) {
			itemCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				itemCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(itemCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
