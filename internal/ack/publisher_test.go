package ack

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/oriys/ackflow/internal/stream"
)

// recordingSub collects emitted envelopes and terminal signals.
type recordingSub[T any] struct {
	mu        sync.Mutex
	sub       stream.Subscription
	envs      []*Envelope[T]
	completes int
	errs      []error
	request   int64 // 0 means unbounded
}

func (r *recordingSub[T]) OnSubscribe(sub stream.Subscription) {
	r.mu.Lock()
	r.sub = sub
	n := r.request
	r.mu.Unlock()
	if n <= 0 {
		n = math.MaxInt64
	}
	sub.Request(n)
}

func (r *recordingSub[T]) OnNext(e *Envelope[T]) {
	r.mu.Lock()
	r.envs = append(r.envs, e)
	r.mu.Unlock()
}

func (r *recordingSub[T]) OnComplete() {
	r.mu.Lock()
	r.completes++
	r.mu.Unlock()
}

func (r *recordingSub[T]) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingSub[T]) envelopes() []*Envelope[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Envelope[T](nil), r.envs...)
}

type terminals struct {
	acks  atomic.Int32
	nacks atomic.Int32
	err   atomic.Pointer[error]
}

func (tm *terminals) srcAck() { tm.acks.Add(1) }

func (tm *terminals) srcNack(err error) {
	tm.nacks.Add(1)
	tm.err.Store(&err)
}

// Scenario S4: the publisher permits exactly one subscription; the second
// attempt is rejected synchronously and the first is unaffected.
func TestPublisherSingleSubscription(t *testing.T) {
	var tm terminals
	p := NewPublisher(stream.FromSlice(1, 2, 3), tm.srcAck, tm.srcNack)

	first := &recordingSub[int]{}
	if err := p.Subscribe(first); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if err := p.Subscribe(&recordingSub[int]{}); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("second Subscribe = %v, want ErrAlreadySubscribed", err)
	}

	envs := first.envelopes()
	if len(envs) != 3 {
		t.Fatalf("first subscriber received %d envelopes, want 3", len(envs))
	}
	for _, e := range envs {
		e.Acknowledge()
	}
	if tm.acks.Load() != 1 {
		t.Errorf("srcAck fired %d times, want 1", tm.acks.Load())
	}
}

// Scenario S5: out-of-order downstream acks; srcAck fires exactly once,
// after the last one, and srcNack never fires.
func TestPublisherSrcAckAfterAllResolved(t *testing.T) {
	var tm terminals
	p := NewPublisher(stream.FromSlice("v1", "v2", "v3"), tm.srcAck, tm.srcNack)

	sub := &recordingSub[string]{}
	if err := p.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	envs := sub.envelopes()
	if len(envs) != 3 {
		t.Fatalf("received %d envelopes, want 3", len(envs))
	}
	if sub.completes != 1 {
		t.Fatalf("downstream OnComplete fired %d times, want 1", sub.completes)
	}

	envs[1].Acknowledge()
	if tm.acks.Load() != 0 {
		t.Fatal("srcAck fired before all envelopes resolved")
	}
	envs[0].Acknowledge()
	if tm.acks.Load() != 0 {
		t.Fatal("srcAck fired before all envelopes resolved")
	}
	envs[2].Acknowledge()

	if tm.acks.Load() != 1 {
		t.Errorf("srcAck fired %d times, want 1", tm.acks.Load())
	}
	if tm.nacks.Load() != 0 {
		t.Errorf("srcNack fired %d times, want 0", tm.nacks.Load())
	}
}

// Scenario S6: a nack fires srcNack immediately; a later ack on another
// envelope must not fire srcAck.
func TestPublisherSrcNackOnEnvelopeNack(t *testing.T) {
	errBoom := errors.New("downstream failure")
	var tm terminals
	p := NewPublisher(stream.FromSlice("v1", "v2"), tm.srcAck, tm.srcNack)

	sub := &recordingSub[string]{}
	if err := p.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	envs := sub.envelopes()
	if len(envs) != 2 {
		t.Fatalf("received %d envelopes, want 2", len(envs))
	}

	envs[0].Nacknowledge(errBoom)
	if tm.nacks.Load() != 1 {
		t.Fatalf("srcNack fired %d times, want 1", tm.nacks.Load())
	}
	if got := *tm.err.Load(); got != errBoom {
		t.Errorf("srcNack error = %v, want %v", got, errBoom)
	}

	envs[1].Acknowledge()
	if tm.acks.Load() != 0 {
		t.Errorf("srcAck fired %d times after nack, want 0", tm.acks.Load())
	}
	if tm.nacks.Load() != 1 {
		t.Errorf("srcNack fired %d times, want 1", tm.nacks.Load())
	}
}

func TestPublisherEmptyUpstreamFiresSrcAck(t *testing.T) {
	var tm terminals
	p := NewPublisher(stream.FromSlice[int](), tm.srcAck, tm.srcNack)
	if err := p.Subscribe(&recordingSub[int]{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if tm.acks.Load() != 1 {
		t.Errorf("srcAck fired %d times on empty upstream, want 1", tm.acks.Load())
	}
}

func TestPublisherUpstreamErrorForwardedAndSrcNack(t *testing.T) {
	errUp := errors.New("upstream broke")
	var tm terminals

	// Hand-rolled upstream that emits one value then errors.
	up := &manualPublisher[int]{}
	p := NewPublisher[int](up, tm.srcAck, tm.srcNack)
	sub := &recordingSub[int]{}
	if err := p.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	up.next(7)
	up.fail(errUp)

	if tm.nacks.Load() != 1 {
		t.Fatalf("srcNack fired %d times, want 1", tm.nacks.Load())
	}
	if len(sub.errs) != 1 || sub.errs[0] != errUp {
		t.Errorf("downstream errors = %v, want [%v]", sub.errs, errUp)
	}

	// The already-emitted envelope resolves without reviving srcAck.
	sub.envelopes()[0].Acknowledge()
	if tm.acks.Load() != 0 {
		t.Errorf("srcAck fired %d times after upstream error, want 0", tm.acks.Load())
	}
}

func TestPublisherNilValueIsProtocolError(t *testing.T) {
	var tm terminals
	up := &manualPublisher[*string]{}
	p := NewPublisher[*string](up, tm.srcAck, tm.srcNack)
	sub := &recordingSub[*string]{}
	if err := p.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	up.next(nil)

	if !up.cancelled.Load() {
		t.Error("upstream should be cancelled on nil value")
	}
	if len(sub.errs) != 1 || !errors.Is(sub.errs[0], ErrNilValue) {
		t.Errorf("downstream errors = %v, want [ErrNilValue]", sub.errs)
	}
	if tm.nacks.Load() != 1 {
		t.Errorf("srcNack fired %d times, want 1", tm.nacks.Load())
	}
}

// Downstream cancellation propagates upstream and still completes the
// subscription once the already-emitted envelopes resolve. Pending
// envelopes are not auto-nacked.
func TestPublisherCancelCompletesAfterPendingResolve(t *testing.T) {
	var tm terminals
	up := &manualPublisher[int]{}
	p := NewPublisher[int](up, tm.srcAck, tm.srcNack)
	sub := &recordingSub[int]{}
	if err := p.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	up.next(1)
	up.next(2)
	sub.sub.Cancel()

	if !up.cancelled.Load() {
		t.Error("cancel should propagate upstream")
	}
	if tm.acks.Load() != 0 {
		t.Fatal("srcAck fired with envelopes still pending")
	}
	if tm.nacks.Load() != 0 {
		t.Fatal("cancel must not nack pending envelopes")
	}

	envs := sub.envelopes()
	envs[0].Acknowledge()
	envs[1].Acknowledge()
	if tm.acks.Load() != 1 {
		t.Errorf("srcAck fired %d times after pending resolved, want 1", tm.acks.Load())
	}
}

// Property 5: exactly one terminal fires exactly once under concurrent
// out-of-order acknowledgement from many goroutines.
func TestPublisherTerminalUniquenessUnderConcurrency(t *testing.T) {
	const n = 200
	values := make([]int, n)
	for i := range values {
		values[i] = i
	}

	for round := 0; round < 20; round++ {
		var tm terminals
		p := NewPublisher(stream.FromSlice(values...), tm.srcAck, tm.srcNack)
		sub := &recordingSub[int]{}
		if err := p.Subscribe(sub); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		envs := sub.envelopes()
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			w := w
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := w; i < n; i += 8 {
					envs[i].Acknowledge()
				}
			}()
		}
		wg.Wait()

		if tm.acks.Load() != 1 {
			t.Fatalf("round %d: srcAck fired %d times, want 1", round, tm.acks.Load())
		}
		if tm.nacks.Load() != 0 {
			t.Fatalf("round %d: srcNack fired %d times, want 0", round, tm.nacks.Load())
		}
	}
}

// Value hooks bind broker commit machinery: an unordered queue behind the
// hooks commits in FIFO order no matter the ack order.
func TestPublisherValueHooksDriveQueue(t *testing.T) {
	q := NewUnordered[struct{}]()

	var commits []string
	queueEnvs := make(map[string]*Envelope[struct{}])
	for _, name := range []string{"v1", "v2", "v3"} {
		name := name
		queueEnvs[name] = q.Add(func() { commits = append(commits, name) }, func(error) {})
	}

	var tm terminals
	p := NewPublisher(stream.FromSlice("v1", "v2", "v3"), tm.srcAck, tm.srcNack,
		WithValueHooks(
			func(v string) { q.Complete(queueEnvs[v]) },
			func(v string, err error) { q.CompleteExceptionally(queueEnvs[v], err) },
		),
	)
	sub := &recordingSub[string]{}
	if err := p.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	envs := sub.envelopes()
	envs[2].Acknowledge()
	if len(commits) != 0 {
		t.Fatalf("commits after acking v3 = %v, want none", commits)
	}
	envs[0].Acknowledge()
	envs[1].Acknowledge()

	want := []string{"v1", "v2", "v3"}
	if len(commits) != len(want) {
		t.Fatalf("commits = %v, want %v", commits, want)
	}
	for i := range want {
		if commits[i] != want[i] {
			t.Fatalf("commits = %v, want %v", commits, want)
		}
	}
	if tm.acks.Load() != 1 {
		t.Errorf("srcAck fired %d times, want 1", tm.acks.Load())
	}
}

// manualPublisher drives signals by hand from the test body.
type manualPublisher[T any] struct {
	sub       stream.Subscriber[T]
	cancelled atomic.Bool
}

func (m *manualPublisher[T]) Subscribe(sub stream.Subscriber[T]) error {
	m.sub = sub
	sub.OnSubscribe(&manualSubscription[T]{m: m})
	return nil
}

func (m *manualPublisher[T]) next(v T)       { m.sub.OnNext(v) }
func (m *manualPublisher[T]) fail(err error) { m.sub.OnError(err) }

type manualSubscription[T any] struct {
	m *manualPublisher[T]
}

func (s *manualSubscription[T]) Request(int64) {}
func (s *manualSubscription[T]) Cancel()       { s.m.cancelled.Store(true) }
