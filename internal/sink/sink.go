// Package sink defines where relayed messages go. A Sink is the relay
// handler's destination; a delivery error nacknowledges the message, so a
// sink only needs to report failure honestly to get broker-level retry.
// Implementations must be safe for concurrent use.
package sink

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/oriys/ackflow/internal/broker"
)

// Sink delivers relayed messages to their destination.
type Sink interface {
	// Deliver hands one message to the destination. An error triggers a
	// nacknowledgement of the message.
	Deliver(ctx context.Context, msg *broker.Message) error

	// Close releases any resources held by the sink.
	Close() error
}

// StdoutSink writes one line per message to standard output. Useful for
// pipeline smoke tests.
type StdoutSink struct {
	mu sync.Mutex
}

// NewStdoutSink creates a sink that prints deliveries.
func NewStdoutSink() *StdoutSink { return &StdoutSink{} }

func (s *StdoutSink) Deliver(_ context.Context, msg *broker.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(os.Stdout, "%s %s %s\n", msg.Topic, msg.ID, msg.Payload)
	return err
}

func (s *StdoutSink) Close() error { return nil }

// DiscardSink accepts every delivery and drops it. Useful for draining a
// queue and for benchmarks.
type DiscardSink struct{}

func NewDiscardSink() *DiscardSink { return &DiscardSink{} }

func (DiscardSink) Deliver(context.Context, *broker.Message) error { return nil }

func (DiscardSink) Close() error { return nil }
