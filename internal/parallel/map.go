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

// Map applies mapFunc to the entries of a sequence with at most limit calls
// in flight. Results come back in completion order. Errors of the input
// sequence are passed through, so callers see every failure.
//
//	for removed, err := range parallel.NewMap(ctx, 4, sweepPair).Iter(pairs) {}
//
// Cancelling ctx or breaking out of the loop stops the remaining work.
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit <= 0 {
		limit = 1
	}
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one slot is taken by the feeding goroutine
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

func (m *Map[E, D]) send(r result[D]) bool {
	select {
	case m.mapped <- r:
		return true
	case <-m.gctx.Done():
		return false
	}
}

func (m *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	m.g.Go(func() error {
		for entry, err := range seq {
			if m.gctx.Err() != nil {
				return m.gctx.Err()
			}
			if err != nil {
				var zero D
				if !m.send(result[D]{d: zero, e: err}) {
					return m.gctx.Err()
				}
				continue
			}
			m.g.Go(func() error {
				d, err := m.mapFunc(m.gctx, entry)
				if !m.send(result[D]{d: d, e: err}) {
					return m.gctx.Err()
				}
				return nil
			})
		}
		return nil
	})
}

func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer m.cancelParent()
		m.goWorkers(seq)

		go func() {
			_ = m.g.Wait()
			close(m.mapped)
		}()

		for r := range m.mapped {
			if m.parentCtx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
