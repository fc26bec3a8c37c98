package device

import (
	"context"
	"sync"
	"time"
)

// EventKind classifies what an Event tracks, for profiling reports.
type EventKind int

const (
	// KindTransfer marks events produced by Device.Transfer.
	KindTransfer EventKind = iota
	// KindInvoke marks events produced by Device.Invoke.
	KindInvoke
	// KindHostStep marks events produced by CPU-side pipeline steps.
	KindHostStep
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindInvoke:
		return "invoke"
	case KindHostStep:
		return "hoststep"
	default:
		return "event"
	}
}

// Event is a one-shot completion signal for an asynchronous operation.
//
// The producer calls MarkStarted when the operation actually begins
// executing (after its wait set has signaled) and Complete exactly once when
// it finishes. Consumers wait via Wait or Done; after the event has
// signaled, Err and the timestamps are stable and safe to read from any
// goroutine.
type Event struct {
	kind  EventKind
	label string

	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	err      error
	queued   time.Time
	started  time.Time
	finished time.Time
}

// NewEvent creates an unsignaled event. The queued timestamp is taken now.
func NewEvent(kind EventKind, label string) *Event {
	return &Event{
		kind:   kind,
		label:  label,
		done:   make(chan struct{}),
		queued: time.Now(),
	}
}

// Completed returns an already-signaled event carrying err. Useful for
// operations that fail before they can be issued.
func Completed(kind EventKind, label string, err error) *Event {
	e := NewEvent(kind, label)
	e.Complete(err)
	return e
}

// Kind returns the event's classification.
func (e *Event) Kind() EventKind { return e.kind }

// Label returns the identifier given at creation.
func (e *Event) Label() string { return e.label }

// MarkStarted records the instant the underlying operation began executing.
// Producers call it at most once, before Complete.
func (e *Event) MarkStarted() {
	e.mu.Lock()
	if e.started.IsZero() {
		e.started = time.Now()
	}
	e.mu.Unlock()
}

// Complete signals the event. The first call wins; later calls are ignored,
// preserving the one-shot contract.
func (e *Event) Complete(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.finished = time.Now()
		if e.started.IsZero() {
			e.started = e.finished
		}
		e.mu.Unlock()
		close(e.done)
	})
}

// Done returns a channel closed when the event signals.
func (e *Event) Done() <-chan struct{} { return e.done }

// Signaled reports whether the event has completed.
func (e *Event) Signaled() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the event signals or ctx is canceled. It returns the
// operation's error, if any.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the operation's error. Valid only after the event signaled.
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Times returns the queued, started and finished timestamps. Started and
// finished are zero until the corresponding transition happened; after the
// event signals, all three are stable.
func (e *Event) Times() (queued, started, finished time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued, e.started, e.finished
}

// WaitAll blocks until every event has signaled or ctx is canceled,
// returning the first error encountered in argument order.
func WaitAll(ctx context.Context, events ...*Event) error {
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := e.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
