// Package sqs bridges an Amazon SQS queue into the acknowledgement
// pipeline. Acknowledging an envelope deletes the message; nacknowledging
// resets its visibility timeout to zero so the queue redelivers it
// immediately. Deletes run through an unordered acknowledgement queue:
// SQS has no ordering contract to preserve, but the queue still bounds the
// delete fan-out to one goroutine and keeps the in-flight ledger exact.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/oriys/ackflow/internal/ack"
	"github.com/oriys/ackflow/internal/broker"
	"github.com/oriys/ackflow/internal/logging"
	"github.com/oriys/ackflow/internal/metrics"
	"github.com/oriys/ackflow/internal/observability"
	"github.com/oriys/ackflow/internal/stream"
)

const brokerName = "sqs"

// API is the subset of the SQS client the source uses.
type API interface {
	ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, opts ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, opts ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *awssqs.ChangeMessageVisibilityInput, opts ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
}

// Config configures an SQS source.
type Config struct {
	QueueURL string

	// MaxMessages per receive call, 1..10. Default 10.
	MaxMessages int32

	// WaitTime enables long polling. Default 20s, the SQS maximum.
	WaitTime time.Duration

	Collector *metrics.AckCollector
}

func (c *Config) validate() error {
	if c.QueueURL == "" {
		return errors.New("sqs: queue url required")
	}
	if c.MaxMessages < 0 || c.MaxMessages > 10 {
		return fmt.Errorf("sqs: max messages %d out of range 1..10", c.MaxMessages)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxMessages == 0 {
		out.MaxMessages = 10
	}
	if out.WaitTime <= 0 {
		out.WaitTime = 20 * time.Second
	}
	return out
}

// Source long-polls one SQS queue and emits acknowledgeable messages.
// Single-use.
type Source struct {
	cfg    Config
	client API

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

// New creates an SQS source over an existing client.
func New(client API, cfg Config) (*Source, error) {
	if client == nil {
		return nil, errors.New("sqs: nil client")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

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
		func() { logging.Op().Info("sqs source drained", "queue", cfg.QueueURL) },
		func(err error) { logging.Op().Error("sqs source failed", "queue", cfg.QueueURL, "error", err) },
		ack.WithValueHooks[*broker.Message](s.onAck, s.onNack),
		ack.WithPublisherCollector[*broker.Message](cfg.Collector),
	)
	return s, nil
}

// NewFromConfig creates an SQS source with a client built from the default
// AWS configuration chain.
func NewFromConfig(ctx context.Context, cfg Config) (*Source, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}
	return New(awssqs.NewFromConfig(awsCfg), cfg)
}

// Subscribe installs the single permitted subscriber and starts polling.
func (s *Source) Subscribe(sub broker.Subscriber) error {
	if err := s.pub.Subscribe(sub); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.pollLoop()
	return nil
}

// Close stops polling. Envelopes already emitted may still be resolved
// afterwards; their deletes use background contexts.
func (s *Source) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *Source) pollLoop() {
	defer s.wg.Done()
	for {
		out, err := s.client.ReceiveMessage(s.ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(s.cfg.QueueURL),
			MaxNumberOfMessages:   s.cfg.MaxMessages,
			WaitTimeSeconds:       int32(s.cfg.WaitTime / time.Second),
			MessageAttributeNames: []string{"All"},
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				s.pipe.Complete()
			} else {
				s.pipe.Fail(fmt.Errorf("sqs: receive: %w", err))
			}
			return
		}

		for _, m := range out.Messages {
			msg := convert(m, s.cfg.QueueURL)
			s.cfg.Collector.MessageReceived(brokerName, s.cfg.QueueURL)

			ctx := observability.ExtractFromMetadata(s.ctx, msg.Metadata)
			_, span := observability.StartConsumeSpan(ctx, "sqs.consume",
				observability.AttrBroker.String(brokerName),
				observability.AttrTopic.String(s.cfg.QueueURL),
				observability.AttrMessageID.String(msg.ID),
				observability.AttrAttempt.Int(msg.Attempt),
			)

			receipt := aws.ToString(m.ReceiptHandle)
			qe := s.queue.Add(
				func() { s.deleteMessage(receipt, msg.ID) },
				func(err error) { s.resetVisibility(receipt, msg.ID, err) },
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

func (s *Source) deleteMessage(receipt, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.cfg.QueueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		s.cfg.Collector.CommitFailure(brokerName, s.cfg.QueueURL)
		logging.Op().Error("sqs delete failed", "queue", s.cfg.QueueURL, "message_id", id, "error", err)
		return
	}
	s.cfg.Collector.Commit(brokerName, s.cfg.QueueURL)
}

// resetVisibility makes a nacked message immediately visible again; SQS
// redelivers it and the receive count grows until the queue's redrive
// policy moves it to the configured DLQ.
func (s *Source) resetVisibility(receipt, id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.client.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.cfg.QueueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		logging.Op().Error("sqs visibility reset failed", "queue", s.cfg.QueueURL, "message_id", id, "error", err)
		return
	}
	logging.Op().Warn("sqs message nacked, returned to queue", "queue", s.cfg.QueueURL, "message_id", id, "error", cause)
}

func convert(m types.Message, queueURL string) *broker.Message {
	md := make(map[string]string, len(m.MessageAttributes)+1)
	for k, v := range m.MessageAttributes {
		md[k] = aws.ToString(v.StringValue)
	}
	attempt := 0
	if rc, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		attempt, _ = strconv.Atoi(rc)
	}
	id := aws.ToString(m.MessageId)
	if id == "" {
		id = broker.NewID()
	}
	return &broker.Message{
		ID:         id,
		Topic:      queueURL,
		Payload:    []byte(aws.ToString(m.Body)),
		Metadata:   md,
		Attempt:    attempt,
		ReceivedAt: time.Now(),
	}
}
