// Package stream defines the minimal reactive contracts the acknowledgement
// pipeline is built on: a Publisher that emits values to a single Subscriber,
// which controls delivery through a Subscription.
//
// The protocol follows the usual reactive handshake: Subscribe installs the
// subscriber, the publisher calls OnSubscribe exactly once, then delivers
// zero or more OnNext calls bounded by the outstanding demand, and finishes
// with exactly one of OnComplete or OnError. After Cancel no further
// signals are delivered, though signals already in flight may still arrive.
package stream

import "reflect"

// Subscription controls the flow of values from a Publisher to its
// Subscriber. Implementations must be safe for concurrent use.
type Subscription interface {
	// Request adds n to the outstanding demand. Non-positive n is ignored.
	Request(n int64)

	// Cancel stops delivery. Idempotent.
	Cancel()
}

// Subscriber receives values and terminal signals from a Publisher.
type Subscriber[T any] interface {
	// OnSubscribe is invoked once, before any other signal.
	OnSubscribe(Subscription)

	// OnNext delivers the next value. Never invoked concurrently by a
	// well-behaved publisher.
	OnNext(T)

	// OnComplete signals normal termination. Terminal.
	OnComplete()

	// OnError signals abnormal termination. Terminal.
	OnError(error)
}

// Publisher emits a stream of values to a Subscriber.
type Publisher[T any] interface {
	// Subscribe installs the subscriber and begins delivery. Returns a
	// non-nil error when the subscription is rejected (for example a
	// single-use publisher that is already subscribed); in that case no
	// signals are delivered to sub.
	Subscribe(sub Subscriber[T]) error
}

// IsNil reports whether v is a nil value of a nilable kind. Values fed
// through the acknowledgement pipeline must not be nil: a nil payload has no
// identity to track and would make envelope resolution ambiguous.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
