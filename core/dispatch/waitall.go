package dispatch

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"
)

// WaitAll collects the result of every handle, in handle order. It fails
// fast: the first job error cancels the remaining waits (the jobs
// themselves keep running; cancel them explicitly if needed).
func WaitAll(ctx context.Context, handles []*JobHandle) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(handles))
	g, ctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			value, err := h.Result(ctx)
			if err != nil {
				return err
			}
			results[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
