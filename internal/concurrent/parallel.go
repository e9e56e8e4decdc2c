package concurrent

import (
	"context"
	"fmt"
	"sync"
)

// Result holds the outcome of one task, Index is the input position
type Result[T any] struct {
	Value T
	Err   error
	Index int
}

// MapWithLimit applies fn to every item using at most limit goroutines at
// once. Results keep input order. A panicking fn is reported as an error for
// that item only. Items not started before ctx is done get ctx.Err().
func MapWithLimit[In, Out any](ctx context.Context, items []In, limit int, fn func(context.Context, In) (Out, error)) []Result[Out] {
	results := make([]Result[Out], len(items))
	if len(items) == 0 {
		return results
	}

	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i, item := range items {
		results[i].Index = i

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i].Err = ctx.Err()
			continue
		}

		wg.Add(1)
		go func(i int, item In) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("task panicked: %v", r)
				}
			}()

			results[i].Value, results[i].Err = fn(ctx, item)
		}(i, item)
	}

	wg.Wait()
	return results
}

// CountErrors returns how many tasks failed
func CountErrors[T any](results []Result[T]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
