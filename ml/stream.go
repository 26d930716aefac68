package ml

import "golang.org/x/sync/errgroup"

// Stream models one of the secondary execution streams ShadowKV choreographs
// around the primary attention stream during a decode step (the copy stream
// and the reconstruction stream, spec ref §5). Work is enqueued with Go and
// observed complete, with its error, via Wait — the explicit "wait edge" the
// design requires instead of relying on goroutine scheduling order.
//
// A Stream is single-use: one Go call followed by one Wait call, scoped to
// a single decode step. Callers create a fresh Stream per step.
type Stream struct {
	name string
	done chan error
}

// NewStream creates a named, idle stream.
func NewStream(name string) *Stream {
	return &Stream{name: name, done: make(chan error, 1)}
}

// Go enqueues fn to run on this stream's goroutine. It returns immediately;
// the caller observes completion (and any error) via Wait.
func (s *Stream) Go(fn func() error) {
	go func() {
		s.done <- fn()
	}()
}

// Wait blocks until the work enqueued by Go has completed, returning its
// error. Wait is the explicit happens-before edge the attention barrier
// requires before consuming data the stream produced.
func (s *Stream) Wait() error {
	return <-s.done
}

func (s *Stream) String() string { return s.name }

// Barrier waits on every stream, collecting the first non-nil error via
// errgroup.Group the same way ollama's runner packages fan out bounded
// concurrent work with error propagation. It is used at the attention
// hand-off point where both the copy stream and the reconstruction stream
// must have completed.
func Barrier(streams ...*Stream) error {
	var g errgroup.Group
	for _, s := range streams {
		s := s
		g.Go(s.Wait)
	}
	return g.Wait()
}
