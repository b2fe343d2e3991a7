// Package kafka bridges a Kafka consumer group into the acknowledgement
// pipeline. Each fetched message is emitted as an acknowledgeable envelope;
// offset commits run through a per-partition acknowledgement queue, so a
// commit for offset n is only issued once every lower offset on that
// partition has been resolved, no matter the order in which the consumer
// acknowledges.
//
// Nacked messages are forwarded to the dead-letter topic (when configured)
// and then committed anyway: a poison message must not block its partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/oriys/ackflow/internal/ack"
	"github.com/oriys/ackflow/internal/broker"
	"github.com/oriys/ackflow/internal/logging"
	"github.com/oriys/ackflow/internal/metrics"
	"github.com/oriys/ackflow/internal/observability"
	"github.com/oriys/ackflow/internal/stream"
)

const brokerName = "kafka"

// Config configures a Kafka source.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// DLQTopic receives nacked messages. Empty disables dead-lettering;
	// nacked messages are then only logged and committed.
	DLQTopic string

	MinBytes int           // default 1
	MaxBytes int           // default 10 MB
	MaxWait  time.Duration // default 500ms

	Collector *metrics.AckCollector
}

func (c *Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker address required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic required")
	}
	if c.GroupID == "" {
		return errors.New("kafka: consumer group id required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinBytes <= 0 {
		out.MinBytes = 1
	}
	if out.MaxBytes <= 0 {
		out.MaxBytes = 10 << 20
	}
	if out.MaxWait <= 0 {
		out.MaxWait = 500 * time.Millisecond
	}
	return out
}

// Source consumes one topic through a consumer group and emits
// acknowledgeable messages. Single-use.
type Source struct {
	cfg    Config
	reader *kafka.Reader
	dlq    *kafka.Writer

	pipe *stream.Pipe[*broker.Message]
	pub  *ack.Publisher[*broker.Message]

	// queues serializes offset commits per partition.
	qmu    sync.Mutex
	queues map[int]*ack.Queue[struct{}]

	// pending maps an emitted message to its queue registration until the
	// consumer resolves it.
	pmu     sync.Mutex
	pending map[*broker.Message]pendingEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type pendingEntry struct {
	q *ack.Queue[struct{}]
	e *ack.Envelope[struct{}]
}

// New creates a Kafka source. The returned source does not touch the
// network until Subscribe.
func New(cfg Config) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		cfg: cfg,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxWait:  cfg.MaxWait,
		}),
		pipe:    stream.NewPipe[*broker.Message](),
		queues:  make(map[int]*ack.Queue[struct{}]),
		pending: make(map[*broker.Message]pendingEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.DLQTopic != "" {
		s.dlq = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.DLQTopic,
			Balancer: &kafka.LeastBytes{},
		}
	}

	s.pub = ack.NewPublisher[*broker.Message](s.pipe,
		func() {
			logging.Op().Info("kafka source drained", "topic", cfg.Topic, "group", cfg.GroupID)
		},
		func(err error) {
			logging.Op().Error("kafka source failed", "topic", cfg.Topic, "error", err)
		},
		ack.WithValueHooks[*broker.Message](s.onAck, s.onNack),
		ack.WithPublisherCollector[*broker.Message](cfg.Collector),
	)
	return s, nil
}

// Subscribe installs the single permitted subscriber and starts the fetch
// loop.
func (s *Source) Subscribe(sub broker.Subscriber) error {
	if err := s.pub.Subscribe(sub); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.fetchLoop()
	return nil
}

// Close stops fetching and releases the Kafka reader. Envelopes already
// emitted may still be resolved after Close; their commits go through the
// reader until it is closed, so Close waits for the fetch loop first.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		err = s.reader.Close()
		if s.dlq != nil {
			if derr := s.dlq.Close(); err == nil {
				err = derr
			}
		}
	})
	return err
}

func (s *Source) fetchLoop() {
	defer s.wg.Done()
	for {
		m, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				s.pipe.Complete()
			} else {
				s.pipe.Fail(fmt.Errorf("kafka: fetch: %w", err))
			}
			return
		}

		msg := convert(m)
		s.cfg.Collector.MessageReceived(brokerName, s.cfg.Topic)

		ctx := observability.ExtractFromMetadata(s.ctx, msg.Metadata)
		_, span := observability.StartConsumeSpan(ctx, "kafka.consume",
			observability.AttrBroker.String(brokerName),
			observability.AttrTopic.String(m.Topic),
			observability.AttrPartition.Int(m.Partition),
			observability.AttrOffset.Int64(m.Offset),
		)

		s.register(msg, m)

		if err := s.pipe.Emit(s.ctx, msg); err != nil {
			s.unregister(msg)
			span.End()
			s.pipe.Complete()
			return
		}
		span.End()
	}
}

// register enqueues the commit for m behind all earlier offsets of its
// partition and remembers the registration until the envelope resolves.
func (s *Source) register(msg *broker.Message, m kafka.Message) {
	q := s.partitionQueue(m.Partition)
	qe := q.Add(
		func() { s.commit(m) },
		func(err error) { s.deadLetter(m, err) },
	)
	s.pmu.Lock()
	s.pending[msg] = pendingEntry{q: q, e: qe}
	s.pmu.Unlock()
}

func (s *Source) unregister(msg *broker.Message) {
	s.pmu.Lock()
	delete(s.pending, msg)
	s.pmu.Unlock()
}

func (s *Source) take(msg *broker.Message) (pendingEntry, bool) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	pe, ok := s.pending[msg]
	if ok {
		delete(s.pending, msg)
	}
	return pe, ok
}

func (s *Source) onAck(msg *broker.Message) {
	if pe, ok := s.take(msg); ok {
		pe.q.Complete(pe.e)
	}
}

func (s *Source) onNack(msg *broker.Message, err error) {
	if pe, ok := s.take(msg); ok {
		pe.q.CompleteExceptionally(pe.e, err)
	}
}

func (s *Source) partitionQueue(partition int) *ack.Queue[struct{}] {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	q, ok := s.queues[partition]
	if !ok {
		// Completions arrive in consumer order, which is arbitrary; the
		// unordered variant admits them all and still releases commits in
		// offset order.
		q = ack.NewUnordered[struct{}](ack.WithCollector[struct{}](s.cfg.Collector))
		s.queues[partition] = q
	}
	return q
}

// commit runs on the queue's drain goroutine, in offset order.
func (s *Source) commit(m kafka.Message) {
	if err := s.reader.CommitMessages(context.Background(), m); err != nil {
		s.cfg.Collector.CommitFailure(brokerName, s.cfg.Topic)
		logging.Op().Error("kafka commit failed",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		return
	}
	s.cfg.Collector.Commit(brokerName, s.cfg.Topic)
}

// deadLetter forwards a nacked message to the DLQ, then commits it either
// way so the partition keeps moving.
func (s *Source) deadLetter(m kafka.Message, cause error) {
	if s.dlq != nil {
		dm := kafka.Message{
			Key:   m.Key,
			Value: m.Value,
			Headers: append(append([]kafka.Header(nil), m.Headers...),
				kafka.Header{Key: "x-ackflow-error", Value: []byte(cause.Error())},
				kafka.Header{Key: "x-ackflow-origin", Value: []byte(m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10))},
			),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.dlq.WriteMessages(ctx, dm); err != nil {
			logging.Op().Error("kafka dead-letter write failed",
				"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	} else {
		logging.Op().Warn("kafka message nacked without dead-letter topic",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "error", cause)
	}
	s.commit(m)
}

func convert(m kafka.Message) *broker.Message {
	md := make(map[string]string, len(m.Headers)+2)
	for _, h := range m.Headers {
		md[h.Key] = string(h.Value)
	}
	md["kafka.partition"] = strconv.Itoa(m.Partition)
	md["kafka.offset"] = strconv.FormatInt(m.Offset, 10)
	return &broker.Message{
		ID:         m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10),
		Topic:      m.Topic,
		Key:        m.Key,
		Payload:    m.Value,
		Metadata:   md,
		ReceivedAt: time.Now(),
	}
}
