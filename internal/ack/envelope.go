// Package ack implements the acknowledgement core for at-least-once message
// processing over brokered sources.
//
// Consumers of Kafka, AMQP or SQS must commit positions only after downstream
// work has finished, but downstream stages complete work out of order and on
// arbitrary goroutines. The package bridges the two worlds with three pieces:
//
//   - Envelope: a per-message state machine coupling a payload with an
//     acknowledger and a negative acknowledger, firing at most once.
//   - Queue: a thread-safe ledger of in-flight envelopes that admits
//     completions in any order but releases callbacks strictly in FIFO
//     insertion order, serialized onto a single draining goroutine without
//     a lock.
//   - Publisher: a single-use reactive adapter that wraps an upstream
//     stream, re-emits each value inside an envelope, and fires one
//     source-level acknowledger once the upstream has terminated and every
//     emitted envelope has been resolved.
//
// The package performs no I/O. Broker clients live in internal/bridge and
// only call into this package.
package ack

import (
	"errors"
	"sync/atomic"
)

// Envelope states. Completion (the decision) and execution (running the
// callback) are separate transitions so that many goroutines may complete
// envelopes concurrently while a queue serializes callback execution.
const (
	stateInFlight int32 = iota
	stateCompleted
	stateExecuted
)

// ErrNackedWithoutCause is recorded when Nacknowledge is called with a nil
// error, so that the nack callback always receives a non-nil cause.
var ErrNackedWithoutCause = errors.New("ack: nacknowledged without cause")

// Envelope couples a payload with its acknowledgement callbacks and tracks
// their at-most-once execution. All methods are safe for concurrent use.
//
// An envelope moves IN_FLIGHT → COMPLETED → EXECUTED. Acknowledge and
// Nacknowledge perform the first transition; Execute performs the second and
// runs exactly one of the two callbacks. Envelopes emitted by a Publisher
// skip the middle state: there is no queue to serialize them, so completion
// executes directly on the completing goroutine.
type Envelope[T any] struct {
	value  T
	ack    func()
	nack   func(error)
	state  atomic.Int32
	err    atomic.Pointer[error]
	direct bool
}

// New returns an in-flight envelope wrapping value. Panics when ackFn or
// nackFn is nil: a missing callback is a programming error, not a runtime
// condition.
func New[T any](value T, ackFn func(), nackFn func(error)) *Envelope[T] {
	if ackFn == nil {
		panic("ack: nil ack callback")
	}
	if nackFn == nil {
		panic("ack: nil nack callback")
	}
	return &Envelope[T]{value: value, ack: ackFn, nack: nackFn}
}

// newDirect returns an envelope whose completion executes its callback
// immediately, without an intermediate COMPLETED state. Used by Publisher,
// where no queue serializes execution.
func newDirect[T any](value T, ackFn func(), nackFn func(error)) *Envelope[T] {
	e := New(value, ackFn, nackFn)
	e.direct = true
	return e
}

// Get returns the payload.
func (e *Envelope[T]) Get() T {
	return e.value
}

// Acknowledge marks the envelope positively completed. It reports whether
// this call performed the transition; redundant calls return false and have
// no effect.
func (e *Envelope[T]) Acknowledge() bool {
	if e.direct {
		if !e.state.CompareAndSwap(stateInFlight, stateExecuted) {
			return false
		}
		e.dispatch()
		return true
	}
	return e.state.CompareAndSwap(stateInFlight, stateCompleted)
}

// Nacknowledge marks the envelope negatively completed with err. The first
// nack's error is the one delivered even when later acknowledgements race
// in: the error slot is claimed with its own one-shot swap before the state
// transition. Reports whether this call both recorded the error and
// performed the transition.
func (e *Envelope[T]) Nacknowledge(err error) bool {
	if err == nil {
		err = ErrNackedWithoutCause
	}
	if !e.err.CompareAndSwap(nil, &err) {
		return false
	}
	if e.direct {
		if !e.state.CompareAndSwap(stateInFlight, stateExecuted) {
			return false
		}
		e.dispatch()
		return true
	}
	return e.state.CompareAndSwap(stateInFlight, stateCompleted)
}

// Execute runs the envelope's callback: nack when an error was recorded,
// ack otherwise. A second Execute, or an Execute after a direct completion,
// is a no-op. A panicking callback propagates to the caller; the envelope
// remains executed and will not fire again.
func (e *Envelope[T]) Execute() {
	if e.state.Swap(stateExecuted) == stateExecuted {
		return
	}
	e.dispatch()
}

func (e *Envelope[T]) dispatch() {
	if errp := e.err.Load(); errp != nil {
		e.nack(*errp)
		return
	}
	e.ack()
}

// InFlight reports whether the envelope has not yet been completed. The
// answer is a racy snapshot: it may be stale by the time the caller acts on
// it, so correctness-critical consumers must re-check under their own
// synchronization. The queue's drain loop does exactly that.
func (e *Envelope[T]) InFlight() bool {
	return e.state.Load() == stateInFlight
}

// Err returns the recorded nack cause, or nil when the envelope has not
// been nacknowledged.
func (e *Envelope[T]) Err() error {
	if errp := e.err.Load(); errp != nil {
		return *errp
	}
	return nil
}
