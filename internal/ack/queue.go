package ack

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oriys/ackflow/internal/logging"
	"github.com/oriys/ackflow/internal/metrics"
)

// ErrorSink receives errors raised by envelope callbacks during a drain
// pass. Sinks must be safe for concurrent use.
type ErrorSink func(error)

// DiscardErrors is an ErrorSink that drops every error.
func DiscardErrors(error) {}

// logErrors is the default sink; callback failures are operational events
// worth surfacing even when the caller installed nothing.
func logErrors(err error) {
	logging.Op().Error("ack callback failed during drain", "error", err)
}

// completer performs the completion transition on an envelope, returning
// whether this call performed it.
type completer[T any] func(*Envelope[T]) bool

// policy decides whether a completion attempt may trigger a drain pass.
// It is the single point where the ordered and unordered variants differ.
type policy[T any] func(q *Queue[T], e *Envelope[T], c completer[T]) bool

// Queue is a thread-safe FIFO ledger of in-flight envelopes. Envelopes are
// added in emission order and completed in any order from any goroutine;
// callbacks run strictly in insertion order, on whichever goroutine happens
// to win the drain token. Construct with NewOrdered or NewUnordered.
//
// The drain side is serialized without a mutex: drainsInProgress counts
// pending drain requests, and only the goroutine that raises it from zero
// runs the loop. Every other completer increments the counter and leaves;
// the active drainer re-checks the head until it has absorbed all requests
// that arrived while it was running. No completion is ever lost and no two
// goroutines execute callbacks concurrently.
type Queue[T any] struct {
	mu   sync.Mutex
	fifo fifo[T]

	drainsInProgress atomic.Int64

	policy    policy[T]
	sink      ErrorSink
	collector *metrics.AckCollector
}

// fifo is a singly-linked list; access is guarded by Queue.mu.
type fifo[T any] struct {
	first *fifoNode[T]
	last  *fifoNode[T]
}

type fifoNode[T any] struct {
	next *fifoNode[T]
	env  *Envelope[T]
}

func (f *fifo[T]) add(e *Envelope[T]) {
	n := &fifoNode[T]{env: e}
	if f.first == nil {
		f.first = n
	} else {
		f.last.next = n
	}
	f.last = n
}

func (f *fifo[T]) peek() *Envelope[T] {
	if f.first == nil {
		return nil
	}
	return f.first.env
}

func (f *fifo[T]) remove() {
	if f.first != nil {
		f.first = f.first.next
		if f.first == nil {
			f.last = nil
		}
	}
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithErrorSink routes callback failures raised during drain to sink
// instead of the operational logger.
func WithErrorSink[T any](sink ErrorSink) Option[T] {
	return func(q *Queue[T]) {
		if sink != nil {
			q.sink = sink
		}
	}
}

// WithCollector wires queue activity into an AckCollector.
func WithCollector[T any](c *metrics.AckCollector) Option[T] {
	return func(q *Queue[T]) { q.collector = c }
}

// NewUnordered returns a queue that admits completions on any envelope:
// each completion marks its envelope and drains the longest completed
// prefix. Release order is still strict FIFO; only the completion order is
// free. This is the variant for concurrent downstream stages.
func NewUnordered[T any](opts ...Option[T]) *Queue[T] {
	return newQueue(unorderedPolicy[T], opts)
}

// NewOrdered returns a queue that only admits a completion on the current
// head envelope. Completing any other envelope is rejected: the envelope is
// not marked completed and the call returns zero. Callers must re-attempt
// the completion once the head has moved; the queue does not remember
// rejected attempts. Use this variant only where the completer runs in
// emission order, such as a per-partition single-goroutine consumer.
func NewOrdered[T any](opts ...Option[T]) *Queue[T] {
	return newQueue(orderedPolicy[T], opts)
}

func newQueue[T any](p policy[T], opts []Option[T]) *Queue[T] {
	q := &Queue[T]{policy: p, sink: logErrors}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func unorderedPolicy[T any](_ *Queue[T], e *Envelope[T], c completer[T]) bool {
	c(e)
	// Drain regardless of whether this call won the completion race: a
	// redundant completion may still be the first to observe a completed
	// head.
	return true
}

func orderedPolicy[T any](q *Queue[T], e *Envelope[T], c completer[T]) bool {
	q.mu.Lock()
	head := q.fifo.peek()
	q.mu.Unlock()
	if head != e {
		return false
	}
	return c(e)
}

// Add constructs an in-flight envelope bound to the given callbacks and
// appends it to the tail. Enqueue order is the release order.
func (q *Queue[T]) Add(ackFn func(), nackFn func(error)) *Envelope[T] {
	var zero T
	e := New(zero, ackFn, nackFn)
	q.mu.Lock()
	q.fifo.add(e)
	q.mu.Unlock()
	if q.collector != nil {
		q.collector.EnvelopeAdded()
	}
	return e
}

// Complete attempts to positively complete e and, when the queue's policy
// admits it, runs a drain pass. Returns the number of envelopes whose
// callbacks were executed by this call.
func (q *Queue[T]) Complete(e *Envelope[T]) uint64 {
	return q.complete(e, (*Envelope[T]).Acknowledge)
}

// CompleteExceptionally attempts to negatively complete e with err and,
// when admitted, runs a drain pass. Returns the number of envelopes whose
// callbacks were executed by this call.
func (q *Queue[T]) CompleteExceptionally(e *Envelope[T], err error) uint64 {
	return q.complete(e, func(env *Envelope[T]) bool {
		return env.Nacknowledge(err)
	})
}

func (q *Queue[T]) complete(e *Envelope[T], c completer[T]) uint64 {
	if e == nil {
		return 0
	}
	if !q.policy(q, e, c) {
		return 0
	}
	return q.drain()
}

// drain releases the completed prefix of the queue. At most one goroutine
// runs the loop body at a time; concurrent callers hand their work to the
// active drainer through the counter and return immediately with zero.
func (q *Queue[T]) drain() uint64 {
	if q.drainsInProgress.Add(1) != 1 {
		return 0
	}
	var drained uint64
	missed := int64(1)
	for {
		for {
			q.mu.Lock()
			head := q.fifo.peek()
			if head == nil || head.InFlight() {
				q.mu.Unlock()
				break
			}
			q.fifo.remove()
			q.mu.Unlock()
			q.execute(head)
			drained++
		}
		// Absorb drain requests that arrived while the loop ran. A zero
		// result means nobody asked again and the token is released.
		missed = q.drainsInProgress.Add(-missed)
		if missed == 0 {
			if q.collector != nil && drained > 0 {
				q.collector.Drained(drained)
			}
			return drained
		}
	}
}

// execute runs one envelope's callback, converting a panic into an error
// for the sink. A failing callback does not stop the drain; the envelope is
// executed either way and will not fire again.
func (q *Queue[T]) execute(e *Envelope[T]) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("ack: callback panic: %v", r)
			}
			q.sink(err)
		}
	}()
	e.Execute()
}

// Len returns the number of envelopes currently held, completed or not.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for node := q.fifo.first; node != nil; node = node.next {
		n++
	}
	return n
}
