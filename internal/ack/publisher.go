package ack

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/oriys/ackflow/internal/metrics"
	"github.com/oriys/ackflow/internal/stream"
)

// Publisher subscription states. ACTIVE while the upstream may still emit,
// IN_FLIGHT once the upstream has terminated normally (or the downstream
// cancelled) but envelopes are still unresolved, EXECUTED once a terminal
// callback has fired.
const (
	pubActive int32 = iota
	pubInFlight
	pubExecuted
)

// ErrAlreadySubscribed is returned by Publisher.Subscribe when the single
// permitted subscription has already been claimed.
var ErrAlreadySubscribed = errors.New("ack: publisher permits a single subscription")

// ErrNilValue is the failure delivered when the upstream emits a nil value.
// Nil payloads are a protocol violation: they carry no identity to track.
var ErrNilValue = errors.New("ack: upstream emitted a nil value")

// Publisher wraps an upstream stream of T and re-emits every value inside
// an Envelope. It tracks each emitted envelope until it is acknowledged or
// nacknowledged and fires exactly one of two source-level callbacks:
//
//   - srcAck, once the upstream has terminated normally (or the downstream
//     cancelled) and every emitted envelope has been acknowledged;
//   - srcNack, as soon as the upstream errors or any envelope is
//     nacknowledged, with the first observed error.
//
// Downstream stages may resolve envelopes in any order from any goroutine.
// The publisher is single-use: the second Subscribe is rejected
// synchronously with ErrAlreadySubscribed.
//
// Envelopes track pending values by opaque monotonically assigned handles
// rather than by payload identity, so a downstream transform that drops the
// original value cannot confuse the ledger.
type Publisher[T any] struct {
	upstream stream.Publisher[T]
	srcAck   func()
	srcNack  func(error)

	// Per-value hooks, run on the completing goroutine before the terminal
	// bookkeeping. Bridges bind broker commit machinery here.
	onValueAck  func(T)
	onValueNack func(T, error)

	collector  *metrics.AckCollector
	subscribed atomic.Bool
}

// PublisherOption configures a Publisher.
type PublisherOption[T any] func(*Publisher[T])

// WithValueHooks installs per-value completion hooks. onAck runs when an
// emitted envelope is acknowledged, onNack when one is nacknowledged; both
// run at most once per envelope, on the completing goroutine. Either may be
// nil.
func WithValueHooks[T any](onAck func(T), onNack func(T, error)) PublisherOption[T] {
	return func(p *Publisher[T]) {
		p.onValueAck = onAck
		p.onValueNack = onNack
	}
}

// WithPublisherCollector wires envelope activity into an AckCollector.
func WithPublisherCollector[T any](c *metrics.AckCollector) PublisherOption[T] {
	return func(p *Publisher[T]) { p.collector = c }
}

// NewPublisher wraps upstream with acknowledgement tracking. Panics when
// srcAck or srcNack is nil.
func NewPublisher[T any](upstream stream.Publisher[T], srcAck func(), srcNack func(error), opts ...PublisherOption[T]) *Publisher[T] {
	if upstream == nil {
		panic("ack: nil upstream publisher")
	}
	if srcAck == nil {
		panic("ack: nil source acknowledger")
	}
	if srcNack == nil {
		panic("ack: nil source nacknowledger")
	}
	p := &Publisher[T]{upstream: upstream, srcAck: srcAck, srcNack: srcNack}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe installs the single permitted downstream subscriber and
// subscribes to the upstream.
func (p *Publisher[T]) Subscribe(down stream.Subscriber[*Envelope[T]]) error {
	if down == nil {
		return stream.ErrNilSubscriber
	}
	if !p.subscribed.CompareAndSwap(false, true) {
		return ErrAlreadySubscribed
	}
	s := &pubSession[T]{
		p:       p,
		down:    down,
		unacked: make(map[uint64]struct{}),
	}
	return p.upstream.Subscribe(s)
}

// pubSession is the per-subscription state: it subscribes to the upstream
// and relays signals to the downstream subscriber.
type pubSession[T any] struct {
	p    *Publisher[T]
	down stream.Subscriber[*Envelope[T]]
	up   stream.Subscription

	state atomic.Int32

	// unacked holds the handles of emitted-but-unresolved envelopes.
	// Guarded by mu; critical sections are O(1) except the terminal clear.
	mu         sync.Mutex
	unacked    map[uint64]struct{}
	nextHandle uint64
}

func (s *pubSession[T]) OnSubscribe(up stream.Subscription) {
	s.up = up
	s.down.OnSubscribe(&pubSubscription[T]{s: s})
}

func (s *pubSession[T]) OnNext(v T) {
	if stream.IsNil(v) {
		s.up.Cancel()
		s.fireSrcNack(ErrNilValue)
		s.down.OnError(ErrNilValue)
		return
	}

	var h uint64
	tracked := false
	s.mu.Lock()
	if s.state.Load() == pubActive {
		s.nextHandle++
		h = s.nextHandle
		s.unacked[h] = struct{}{}
		tracked = true
	}
	s.mu.Unlock()

	env := newDirect(v,
		func() { s.valueAcked(v, h, tracked) },
		func(err error) { s.valueNacked(v, err) },
	)
	if s.p.collector != nil {
		s.p.collector.EnvelopeEmitted()
	}
	s.down.OnNext(env)
}

func (s *pubSession[T]) OnComplete() {
	if s.state.CompareAndSwap(pubActive, pubInFlight) {
		s.maybeFireSrcAck()
	}
	s.down.OnComplete()
}

func (s *pubSession[T]) OnError(err error) {
	s.fireSrcNack(err)
	s.down.OnError(err)
}

func (s *pubSession[T]) valueAcked(v T, h uint64, tracked bool) {
	if s.p.onValueAck != nil {
		s.p.onValueAck(v)
	}
	if s.p.collector != nil {
		s.p.collector.Acked()
	}
	if tracked {
		s.mu.Lock()
		delete(s.unacked, h)
		s.mu.Unlock()
	}
	s.maybeFireSrcAck()
}

func (s *pubSession[T]) valueNacked(v T, err error) {
	if s.p.onValueNack != nil {
		s.p.onValueNack(v, err)
	}
	if s.p.collector != nil {
		s.p.collector.Nacked()
	}
	s.fireSrcNack(err)
}

// maybeFireSrcAck fires the source acknowledger when the subscription is
// IN_FLIGHT and the unacked ledger is empty. The terminal CAS makes the
// fire single-shot even when the last acknowledgement races with
// OnComplete or a downstream cancel.
func (s *pubSession[T]) maybeFireSrcAck() {
	if s.state.Load() != pubInFlight {
		return
	}
	s.mu.Lock()
	empty := len(s.unacked) == 0
	s.mu.Unlock()
	if !empty {
		return
	}
	if s.state.CompareAndSwap(pubInFlight, pubExecuted) {
		s.p.srcAck()
	}
}

// fireSrcNack transitions any non-terminal state to EXECUTED and fires the
// source nacknowledger with err. Later errors lose the race and are
// dropped; the ledger is cleared so stragglers cannot fire srcAck.
func (s *pubSession[T]) fireSrcNack(err error) {
	for {
		st := s.state.Load()
		if st == pubExecuted {
			return
		}
		if s.state.CompareAndSwap(st, pubExecuted) {
			break
		}
	}
	s.mu.Lock()
	clear(s.unacked)
	s.mu.Unlock()
	s.p.srcNack(err)
}

// pubSubscription is the subscription handed to the downstream subscriber.
// Cancel propagates upstream, then lets the already-emitted envelopes run
// to completion: a downstream that stops consuming still completes the
// work it accepted, so pending envelopes are not auto-nacked.
type pubSubscription[T any] struct {
	s *pubSession[T]
}

func (ps *pubSubscription[T]) Request(n int64) {
	ps.s.up.Request(n)
}

func (ps *pubSubscription[T]) Cancel() {
	ps.s.up.Cancel()
	if ps.s.state.CompareAndSwap(pubActive, pubInFlight) {
		ps.s.maybeFireSrcAck()
	}
}
