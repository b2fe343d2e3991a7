// Package relay runs the consume side of a pipeline: it subscribes to a
// broker source, hands each message to a handler on a bounded worker pool,
// and resolves the envelope from the handler's result. A circuit breaker
// can hold deliveries back while the handler's downstream dependency is
// failing, which keeps redelivery storms off the broker.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/ackflow/internal/broker"
	"github.com/oriys/ackflow/internal/circuitbreaker"
	"github.com/oriys/ackflow/internal/logging"
	"github.com/oriys/ackflow/internal/stream"
)

// Handler processes one message. A nil return acknowledges the message; an
// error nacknowledges it with that cause.
type Handler func(ctx context.Context, msg *broker.Message) error

// Config configures a Relay.
type Config struct {
	Workers        int           // default 8
	HandlerTimeout time.Duration // default 30s

	// Breaker guards the handler; a zero config disables it.
	Breaker circuitbreaker.Config

	// BreakerBackoff is how long a worker waits before re-checking an open
	// breaker. Default 500ms.
	BreakerBackoff time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.HandlerTimeout <= 0 {
		out.HandlerTimeout = 30 * time.Second
	}
	if out.BreakerBackoff <= 0 {
		out.BreakerBackoff = 500 * time.Millisecond
	}
	return out
}

// Relay consumes one source with one handler. Single-use: Run may be
// called once.
type Relay struct {
	source  broker.Source
	handler Handler
	cfg     Config
	breaker *circuitbreaker.Breaker

	mu      sync.Mutex
	started bool
}

// New creates a relay over source and handler.
func New(source broker.Source, handler Handler, cfg Config) (*Relay, error) {
	if source == nil {
		return nil, errors.New("relay: nil source")
	}
	if handler == nil {
		return nil, errors.New("relay: nil handler")
	}
	cfg = cfg.withDefaults()
	r := &Relay{source: source, handler: handler, cfg: cfg}
	if cfg.Breaker.Enabled() {
		r.breaker = circuitbreaker.New(cfg.Breaker)
	}
	return r, nil
}

// Run consumes until ctx is cancelled or the source terminates. It returns
// the source's terminal error, ctx.Err() on cancellation, or nil when the
// source completed normally.
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("relay: already run")
	}
	r.started = true
	r.mu.Unlock()

	envCh := make(chan *broker.Envelope, r.cfg.Workers*2)
	done := make(chan struct{})
	var doneOnce sync.Once
	var termErr error

	var subscription stream.Subscription
	sub := &stream.SubscriberFuncs[*broker.Envelope]{
		OnSubscribeFunc: func(s stream.Subscription) {
			subscription = s
			// Demand mirrors buffer capacity; each handled message requests
			// one more, so OnNext never blocks on a full channel.
			s.Request(int64(cap(envCh)))
		},
		OnNextFunc: func(e *broker.Envelope) {
			envCh <- e
		},
		OnCompleteFunc: func() {
			doneOnce.Do(func() { close(done) })
		},
		OnErrorFunc: func(err error) {
			doneOnce.Do(func() {
				termErr = err
				close(done)
			})
		},
	}
	if err := r.source.Subscribe(sub); err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range envCh {
				r.process(ctx, e)
				subscription.Request(1)
			}
		}()
	}

	select {
	case <-ctx.Done():
		subscription.Cancel()
	case <-done:
	}

	// Close waits for the source's fetch loop, so no OnNext can race the
	// channel close below.
	if err := r.source.Close(); err != nil {
		logging.Op().Error("relay source close failed", "error", err)
	}
	close(envCh)
	wg.Wait()

	if termErr != nil {
		return termErr
	}
	return ctx.Err()
}

func (r *Relay) process(ctx context.Context, e *broker.Envelope) {
	msg := e.Get()

	if r.breaker != nil {
		for !r.breaker.Allow() {
			select {
			case <-ctx.Done():
				e.Nacknowledge(ctx.Err())
				return
			case <-time.After(r.cfg.BreakerBackoff):
			}
		}
	}

	err := r.invoke(ctx, msg)
	if err != nil {
		if r.breaker != nil {
			r.breaker.RecordFailure()
		}
		logging.Op().Warn("handler failed",
			"topic", msg.Topic, "message_id", msg.ID, "error", err)
		e.Nacknowledge(err)
		return
	}
	if r.breaker != nil {
		r.breaker.RecordSuccess()
	}
	e.Acknowledge()
}

// invoke runs the handler under its timeout, converting a panic into an
// error so one bad message cannot take the worker down.
func (r *Relay) invoke(ctx context.Context, msg *broker.Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("relay: handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, msg)
}
