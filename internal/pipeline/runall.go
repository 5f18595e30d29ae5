package pipeline

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"odsflow/internal/schema"
)

// Factory builds the runner for one pipeline.
type Factory func(d *schema.Descriptor) (*Runner, error)

// RunAll runs every pipeline, at most concurrency at a time. A failing
// pipeline does not stop the others; runs on the same table still queue on
// the table lock. Results are returned in descriptor order and the error
// joins every failure.
func RunAll(ctx context.Context, descriptors []*schema.Descriptor, concurrency int, newRunner Factory) ([]*Result, error) {
	results := make([]*Result, len(descriptors))
	errs := make([]error, len(descriptors))

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for i, d := range descriptors {
		i, d := i, d
		g.Go(func() error {
			r, err := newRunner(d)
			if err != nil {
				errs[i] = err
				results[i] = &Result{Pipeline: d.Name, Table: d.Table, Status: StatusFailure, State: StateIdle, Error: err.Error()}
				return nil
			}
			results[i], errs[i] = r.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
