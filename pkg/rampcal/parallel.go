package rampcal

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type workersKey struct{}

// WithWorkers bounds the number of integrations the stage functions process
// concurrently under ctx. Zero or less means runtime.GOMAXPROCS(0).
func WithWorkers(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, workersKey{}, n)
}

func workersFrom(ctx context.Context) int {
	if n, ok := ctx.Value(workersKey{}).(int); ok && n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// forEachIntegration runs fn for every integration and returns once all of
// them completed. Each call must only write integration-indexed state.
func forEachIntegration(ctx context.Context, nint int, fn func(ctx context.Context, integ int) error) error {
	limit := workersFrom(ctx)
	if limit == 1 || nint == 1 {
		for i := 0; i < nint; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, i); err != nil {
				return errors.Wrapf(err, "integration %d", i)
			}
		}
		return nil
	}

	errGrp, gCtx := errgroup.WithContext(ctx)
	errGrp.SetLimit(limit)
	for i := 0; i < nint; i++ {
		integ := i
		errGrp.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			if err := fn(gCtx, integ); err != nil {
				return errors.Wrapf(err, "integration %d", integ)
			}
			return nil
		})
	}
	return errGrp.Wait()
}
