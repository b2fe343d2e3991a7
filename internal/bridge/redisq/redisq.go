// Package redisq bridges a Redis Stream consumer group into the
// acknowledgement pipeline. Acknowledging an envelope issues XACK through
// an unordered acknowledgement queue; a nacked entry stays in the pending
// entries list, where XAUTOCLAIM-based recovery can redeliver it. The source
// itself reads only new entries and never claims pending ones.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/ackflow/internal/ack"
	"github.com/oriys/ackflow/internal/broker"
	"github.com/oriys/ackflow/internal/logging"
	"github.com/oriys/ackflow/internal/metrics"
	"github.com/oriys/ackflow/internal/observability"
	"github.com/oriys/ackflow/internal/stream"
)

const brokerName = "redis"

// payloadField is the stream entry field carrying the message body.
const payloadField = "payload"

// Config configures a Redis Streams source.
type Config struct {
	Stream   string
	Group    string
	Consumer string // defaults to a generated name

	// Batch is the XREADGROUP count per call. Default 16.
	Batch int64

	// Block is the XREADGROUP block duration. Default 5s.
	Block time.Duration

	Collector *metrics.AckCollector
}

func (c *Config) validate() error {
	if c.Stream == "" {
		return errors.New("redisq: stream key required")
	}
	if c.Group == "" {
		return errors.New("redisq: consumer group required")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Consumer == "" {
		out.Consumer = "ackflow-" + broker.NewID()
	}
	if out.Batch <= 0 {
		out.Batch = 16
	}
	if out.Block <= 0 {
		out.Block = 5 * time.Second
	}
	return out
}

// Source consumes one stream through a consumer group. Single-use.
type Source struct {
	cfg    Config
	client *redis.Client

	pipe  *stream.Pipe[*broker.Message]
	pub   *ack.Publisher[*broker.Message]
	queue *ack.Queue[struct{}]

	pmu     sync.Mutex
	pending map[*broker.Message]*ack.Envelope[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Redis Streams source over an existing client and ensures
// the consumer group exists.
func New(client *redis.Client, cfg Config) (*Source, error) {
	if client == nil {
		return nil, errors.New("redisq: nil client")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	// Create the group at the start of the stream; BUSYGROUP means another
	// instance got there first.
	err := client.XGroupCreateMkStream(context.Background(), cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redisq: create group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		cfg:     cfg,
		client:  client,
		pipe:    stream.NewPipe[*broker.Message](),
		queue:   ack.NewUnordered[struct{}](ack.WithCollector[struct{}](cfg.Collector)),
		pending: make(map[*broker.Message]*ack.Envelope[struct{}]),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.pub = ack.NewPublisher[*broker.Message](s.pipe,
		func() { logging.Op().Info("redis source drained", "stream", cfg.Stream, "group", cfg.Group) },
		func(err error) { logging.Op().Error("redis source failed", "stream", cfg.Stream, "error", err) },
		ack.WithValueHooks[*broker.Message](s.onAck, s.onNack),
		ack.WithPublisherCollector[*broker.Message](cfg.Collector),
	)
	return s, nil
}

// Subscribe installs the single permitted subscriber and starts reading.
func (s *Source) Subscribe(sub broker.Subscriber) error {
	if err := s.pub.Subscribe(sub); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// Close stops reading. The Redis client is owned by the caller and is not
// closed here.
func (s *Source) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *Source) readLoop() {
	defer s.wg.Done()
	for {
		res, err := s.client.XReadGroup(s.ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    s.cfg.Batch,
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timeout, poll again
			}
			if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				s.pipe.Complete()
			} else {
				s.pipe.Fail(fmt.Errorf("redisq: xreadgroup: %w", err))
			}
			return
		}

		for _, xs := range res {
			for _, xm := range xs.Messages {
				msg := convert(xm, s.cfg.Stream)
				s.cfg.Collector.MessageReceived(brokerName, s.cfg.Stream)

				ctx := observability.ExtractFromMetadata(s.ctx, msg.Metadata)
				_, span := observability.StartConsumeSpan(ctx, "redis.consume",
					observability.AttrBroker.String(brokerName),
					observability.AttrTopic.String(s.cfg.Stream),
					observability.AttrMessageID.String(msg.ID),
				)

				entryID := xm.ID
				qe := s.queue.Add(
					func() { s.ackEntry(entryID) },
					func(err error) { s.leavePending(entryID, err) },
				)
				s.pmu.Lock()
				s.pending[msg] = qe
				s.pmu.Unlock()

				if err := s.pipe.Emit(s.ctx, msg); err != nil {
					s.pmu.Lock()
					delete(s.pending, msg)
					s.pmu.Unlock()
					span.End()
					s.pipe.Complete()
					return
				}
				span.End()
			}
		}
	}
}

func (s *Source) take(msg *broker.Message) (*ack.Envelope[struct{}], bool) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	qe, ok := s.pending[msg]
	if ok {
		delete(s.pending, msg)
	}
	return qe, ok
}

func (s *Source) onAck(msg *broker.Message) {
	if qe, ok := s.take(msg); ok {
		s.queue.Complete(qe)
	}
}

func (s *Source) onNack(msg *broker.Message, err error) {
	if qe, ok := s.take(msg); ok {
		s.queue.CompleteExceptionally(qe, err)
	}
}

func (s *Source) ackEntry(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		s.cfg.Collector.CommitFailure(brokerName, s.cfg.Stream)
		logging.Op().Error("redis xack failed", "stream", s.cfg.Stream, "entry", id, "error", err)
		return
	}
	s.cfg.Collector.Commit(brokerName, s.cfg.Stream)
}

// leavePending deliberately skips XACK: the entry remains in the group's
// pending list for claim-based redelivery.
func (s *Source) leavePending(id string, cause error) {
	logging.Op().Warn("redis entry nacked, left pending",
		"stream", s.cfg.Stream, "entry", id, "error", cause)
}

func convert(xm redis.XMessage, streamKey string) *broker.Message {
	md := make(map[string]string, len(xm.Values))
	var payload []byte
	for k, v := range xm.Values {
		sv := fmt.Sprint(v)
		if k == payloadField {
			payload = []byte(sv)
			continue
		}
		md[k] = sv
	}
	return &broker.Message{
		ID:         xm.ID,
		Topic:      streamKey,
		Payload:    payload,
		Metadata:   md,
		ReceivedAt: time.Now(),
	}
}
