package enrich

import (
	"context"
	"errors"
)

var errNoOperations = errors.New("no operations to race")

// FirstSuccess runs all operations concurrently and returns the first successful result.
// Params: ctx parent context (canceled for losers once a winner settles); ops independent operations.
// Returns: first successful value, or joined errors when every operation fails.
func FirstSuccess[T any](ctx context.Context, ops ...func(context.Context) (T, error)) (T, error) {
	var zero T
	if len(ops) == 0 {
		return zero, errNoOperations
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	results := make(chan outcome, len(ops))
	for _, op := range ops {
		go func(run func(context.Context) (T, error)) {
			value, err := run(raceCtx)
			results <- outcome{value: value, err: err}
		}(op)
	}

	errs := make([]error, 0, len(ops))
	for range ops {
		select {
		case result := <-results:
			if result.err == nil {
				return result.value, nil
			}
			errs = append(errs, result.err)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, errors.Join(errs...)
}
