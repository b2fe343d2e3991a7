// Package broker defines the message shape and the source contract shared
// by the broker bridges. A bridge adapts one broker client (Kafka, SQS,
// RabbitMQ, Redis Streams) into a single-use publisher of acknowledgeable
// messages; the consumer resolves each envelope and the bridge translates
// that into the broker's own commit, delete, or reject call.
package broker

import (
	"time"

	"github.com/google/uuid"
	"github.com/oriys/ackflow/internal/ack"
	"github.com/oriys/ackflow/internal/stream"
)

// Message is a single message received from a broker, normalized across
// bridge implementations.
type Message struct {
	// ID identifies the message. Bridges use the broker's native id where
	// one exists and assign a fresh one otherwise.
	ID string

	// Topic is the broker-side origin: Kafka topic, SQS queue, AMQP queue,
	// or Redis stream key.
	Topic string

	// Key is the partitioning key, when the broker has one.
	Key []byte

	// Payload is the raw message body.
	Payload []byte

	// Metadata carries broker headers and bridge-specific attributes.
	Metadata map[string]string

	// Attempt counts delivery attempts when the broker reports them;
	// zero otherwise.
	Attempt int

	// ReceivedAt is when the bridge fetched the message.
	ReceivedAt time.Time
}

// NewID returns a fresh message id for brokers that do not supply one.
func NewID() string {
	return uuid.NewString()
}

// Envelope is the unit a Source emits: a broker message wrapped with its
// acknowledgement state.
type Envelope = ack.Envelope[*Message]

// Subscriber consumes acknowledgeable messages from a Source.
type Subscriber = stream.Subscriber[*Envelope]

// Source is a single-use publisher of acknowledgeable broker messages.
//
// Acknowledging an emitted envelope eventually commits the message at the
// broker; nacknowledging triggers the bridge's failure route (DLQ,
// visibility reset, requeue). Commits are ordered per the bridge's queue
// policy, so a consumer may resolve envelopes in any order from any
// goroutine. Close stops consumption; envelopes already emitted may still
// be resolved afterwards.
type Source interface {
	Subscribe(sub Subscriber) error
	Close() error
}
