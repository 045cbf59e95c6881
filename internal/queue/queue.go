// Package queue sequences output-format processing for one session. Formats
// are drained strictly FIFO with at most one in flight at a time, which
// keeps session merges race-free by construction even when the user toggles
// several formats in rapid succession.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/microjpeg/gateway/internal/tier"
)

// State is the queue's tagged state: Idle (InFlight == ""), Processing
// (InFlight set, Pending empty), or Draining (InFlight set, Pending
// non-empty). Transitions are pure functions over this value.
type State struct {
	InFlight string
	Pending  []string
}

// Idle reports whether nothing is processing and nothing is queued.
func (s State) Idle() bool { return s.InFlight == "" && len(s.Pending) == 0 }

// enqueue appends format and returns the new state plus the format to
// dispatch immediately, which is non-empty only when the queue was idle.
// A format already in flight or already pending is a no-op.
func enqueue(s State, format string) (State, string) {
	if s.InFlight == format {
		return s, ""
	}
	for _, p := range s.Pending {
		if p == format {
			return s, ""
		}
	}
	if s.InFlight == "" {
		s.InFlight = format
		return s, format
	}
	s.Pending = append(s.Pending, format)
	return s, ""
}

// complete clears the in-flight marker and pops the next pending format, if
// any, returning it as the next dispatch.
func complete(s State) (State, string) {
	s.InFlight = ""
	if len(s.Pending) == 0 {
		return s, ""
	}
	next := s.Pending[0]
	s.Pending = append([]string(nil), s.Pending[1:]...)
	s.InFlight = next
	return s, next
}

// remove drops a pending format. In-flight work is never cancelled and the
// pinned default format cannot be removed.
func remove(s State, format string) State {
	if format == tier.DefaultFormat {
		return s
	}
	out := s.Pending[:0:0]
	for _, p := range s.Pending {
		if p != format {
			out = append(out, p)
		}
	}
	s.Pending = out
	return s
}

// Dispatcher performs the actual backend call for one format.
type Dispatcher func(ctx context.Context, format string) error

// Queue drives the state machine with a single consumer goroutine.
type Queue struct {
	mu    sync.Mutex
	state State
	wg    sync.WaitGroup

	dispatch Dispatcher
	// skip re-checks, immediately before dispatch, whether every currently
	// selected file already has a result for the format; skipped formats
	// produce no backend call.
	skip func(format string) bool
	// onError observes a failed format. The queue keeps draining
	// afterwards: one failure never discards queued work.
	onError func(format string, err error)
	// onDone observes every dequeued format, whether it dispatched,
	// failed, was skipped, or hit a cancelled context.
	onDone func(format string)
}

// Option configures a Queue.
type Option func(*Queue)

// WithSkip sets the pre-dispatch dedup check.
func WithSkip(skip func(format string) bool) Option {
	return func(q *Queue) { q.skip = skip }
}

// WithErrorHandler sets the failed-format observer.
func WithErrorHandler(h func(format string, err error)) Option {
	return func(q *Queue) { q.onError = h }
}

// WithDone sets an observer that runs once per dequeued format on every
// outcome. Callers releasing per-batch markers must use this rather than
// the dispatcher, which the skip and cancel paths never reach.
func WithDone(done func(format string)) Option {
	return func(q *Queue) { q.onDone = done }
}

// New creates a queue around the given dispatcher.
func New(dispatch Dispatcher, opts ...Option) *Queue {
	q := &Queue{dispatch: dispatch}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue requests processing of a format. If the queue is idle the format
// dispatches immediately on the runner goroutine; otherwise it joins the
// FIFO tail. Duplicate requests are no-ops.
func (q *Queue) Enqueue(ctx context.Context, format string) {
	format = tier.NormalizeFormat(format)

	q.mu.Lock()
	next := ""
	q.state, next = enqueue(q.state, format)
	if next != "" {
		q.wg.Add(1)
		go q.run(ctx, next)
	}
	q.mu.Unlock()
}

// Remove drops a not-yet-processed format from the queue. Removing the
// pinned default format is a no-op.
func (q *Queue) Remove(format string) {
	format = tier.NormalizeFormat(format)
	q.mu.Lock()
	q.state = remove(q.state, format)
	q.mu.Unlock()
}

// Snapshot returns the current state.
func (q *Queue) Snapshot() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.state
	s.Pending = append([]string(nil), s.Pending...)
	return s
}

// Wait blocks until the queue has fully drained.
func (q *Queue) Wait() { q.wg.Wait() }

// run is the single consumer: it processes the given format, then keeps
// popping until the queue is empty. Only one run loop exists at a time
// because enqueue hands out a dispatch only from the Idle state.
func (q *Queue) run(ctx context.Context, format string) {
	defer q.wg.Done()

	for format != "" {
		q.process(ctx, format)
		if q.onDone != nil {
			q.onDone(format)
		}

		q.mu.Lock()
		q.state, format = complete(q.state)
		q.mu.Unlock()
	}
}

func (q *Queue) process(ctx context.Context, format string) {
	if ctx.Err() != nil {
		return
	}
	if q.skip != nil && q.skip(format) {
		slog.Debug("queue: format already processed, skipping", "format", format)
		return
	}
	if err := q.dispatch(ctx, format); err != nil {
		slog.Error("queue: format failed, continuing with remaining queue",
			"format", format, "error", err)
		if q.onError != nil {
			q.onError(format, err)
		}
	}
}
