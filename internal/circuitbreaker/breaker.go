// Package circuitbreaker implements the trip switch that keeps relay
// workers from hammering a failing delivery target. When the sink is down,
// every delivery fails, every failure nacks, and every nack makes the
// broker redeliver — the breaker interrupts that loop by holding deliveries
// back until a probe succeeds, so redelivery storms never reach the broker.
//
// The breaker follows the usual three-state model:
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// The error rate is measured over a ring of fixed-duration buckets covering
// the last WindowDuration. Buckets hold only two counters each, so memory
// stays constant no matter how fast deliveries arrive, and expiring old
// results is a cursor rotation rather than a slice scan. MinSamples keeps a
// quiet pipeline from tripping on its first nack: with one delivery in the
// window, a single failure is a 100% error rate but not a signal.
//
// All public methods are safe for concurrent use; the relay's workers share
// one breaker per source.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // deliveries pass through
	StateOpen                  // deliveries are held back
	StateHalfOpen              // limited probe deliveries are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// numBuckets is how many ring buckets the window is divided into. More
// buckets expire stale results sooner at the cost of a longer sum in
// checkThreshold; ten keeps expiry within 10% of the window.
const numBuckets = 10

// Config holds the circuit breaker configuration. A zero ErrorPct,
// WindowDuration or OpenDuration disables the breaker.
type Config struct {
	ErrorPct       float64       // error percentage threshold to trip the breaker (0-100)
	WindowDuration time.Duration // sliding window for error rate calculation
	OpenDuration   time.Duration // how long deliveries are held back before probing
	HalfOpenProbes int           // probe deliveries allowed in half-open state
	MinSamples     int           // deliveries required in the window before the breaker may trip
}

// Enabled reports whether the configuration describes an active breaker.
func (c Config) Enabled() bool {
	return c.ErrorPct > 0 && c.WindowDuration > 0 && c.OpenDuration > 0
}

// bucket accumulates delivery outcomes for one slice of the window.
type bucket struct {
	successes int
	failures  int
}

// Breaker guards handler execution for one source.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state    State
	openedAt time.Time

	// Ring of outcome buckets; cursor points at the bucket accumulating
	// now, cursorAt is that bucket's start time.
	buckets    [numBuckets]bucket
	bucketSpan time.Duration
	cursor     int
	cursorAt   time.Time

	probesSent int // probe deliveries handed out in half-open
	probesOK   int // probe deliveries that succeeded
}

// New creates a circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	return &Breaker{
		cfg:        cfg,
		bucketSpan: cfg.WindowDuration / numBuckets,
	}
}

// Allow checks whether a delivery may be handed to the handler. Workers
// that get false back off and re-check; the message stays unresolved, so
// the broker sees neither ack nor nack while the breaker holds it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.toHalfOpen()
			b.probesSent++
			return true
		}
		return false
	case StateHalfOpen:
		if b.probesSent < b.cfg.HalfOpenProbes {
			b.probesSent++
			return true
		}
		return false
	}
	return true
}

// RecordSuccess records a delivered message.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.advance(now)
		b.buckets[b.cursor].successes++
	case StateHalfOpen:
		b.probesOK++
		if b.probesOK >= b.cfg.HalfOpenProbes {
			// The target recovered; start the window fresh so stale
			// failures from before the outage cannot re-trip it.
			b.state = StateClosed
			b.resetWindow()
		}
	}
}

// RecordFailure records a failed delivery.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.advance(now)
		b.buckets[b.cursor].failures++
		b.checkThreshold(now)
	case StateHalfOpen:
		// Probe failed, hold deliveries back again.
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		b.toHalfOpen()
	}
	return b.state
}

// toHalfOpen begins a probe round. Must be called under lock.
func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.probesSent = 0
	b.probesOK = 0
}

// advance rotates the ring so the cursor bucket covers now, zeroing every
// bucket it passes over. Must be called under lock.
func (b *Breaker) advance(now time.Time) {
	if b.cursorAt.IsZero() {
		b.cursorAt = now
		return
	}
	steps := int(now.Sub(b.cursorAt) / b.bucketSpan)
	if steps <= 0 {
		return
	}
	if steps >= numBuckets {
		b.resetWindow()
		b.cursorAt = now
		return
	}
	for i := 0; i < steps; i++ {
		b.cursor = (b.cursor + 1) % numBuckets
		b.buckets[b.cursor] = bucket{}
	}
	b.cursorAt = b.cursorAt.Add(time.Duration(steps) * b.bucketSpan)
}

// checkThreshold trips the breaker when the windowed error rate crosses the
// configured threshold, provided the window holds enough deliveries to
// mean anything. Must be called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	var successes, failures int
	for _, bk := range b.buckets {
		successes += bk.successes
		failures += bk.failures
	}
	total := successes + failures
	if total < b.cfg.MinSamples {
		return
	}
	if float64(failures)/float64(total)*100 >= b.cfg.ErrorPct {
		b.state = StateOpen
		b.openedAt = now
	}
}

// resetWindow clears every bucket. Must be called under lock.
func (b *Breaker) resetWindow() {
	b.buckets = [numBuckets]bucket{}
	b.cursor = 0
	b.cursorAt = time.Time{}
}
