// Package parallel maps values concurrently with a bounded number of workers.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map runs mapFunc for every input element with at most limit calls in
// flight and yields results in completion order. Input and output are
// iterators:
//
//	for d, err := range parallel.NewMap(ctx, 4, probe).Iter(parallel.All(paths)) {}
//
// A canceled context stops the workers and ends the iteration.
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one extra slot for the feeding goroutine
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan result[D], limit),
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		for entry, nerr := range seq {
			if nerr != nil {
				s.send(result[D]{e: nerr})
				continue
			}
			if s.gctx.Err() != nil {
				return s.gctx.Err()
			}
			s.g.Go(func() error {
				d, err := s.mapFunc(s.gctx, entry)
				return s.send(result[D]{d: d, e: err})
			})
		}
		return nil
	})
}

func (s *Map[E, D]) send(r result[D]) error {
	select {
	case <-s.gctx.Done():
		return s.gctx.Err()
	case s.mapped <- r:
		return nil
	}
}

// Iter starts the workers and returns the results. It must be consumed once.
func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer func() {
			s.cancelParent()
			// drain so blocked senders can observe the cancellation
			for range s.mapped {
			}
		}()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}

// All adapts a slice to the input of Iter.
func All[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}
