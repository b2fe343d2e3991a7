// Package relayspec defines the YAML specification for a relay pipeline:
// one broker source, one sink, and the handling policy between them.
package relayspec

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PipelineSpec defines the YAML specification for a pipeline.
type PipelineSpec struct {
	// API version for future compatibility
	APIVersion string `yaml:"apiVersion,omitempty"`

	// Kind should be "Pipeline"
	Kind string `yaml:"kind,omitempty"`

	Name string `yaml:"name"`

	Source SourceSpec `yaml:"source"`
	Sink   SinkSpec   `yaml:"sink"`

	// Workers is the handler pool size (default: 8)
	Workers int `yaml:"workers,omitempty"`

	// HandlerTimeoutSeconds bounds one handler invocation (default: 30)
	HandlerTimeoutSeconds int `yaml:"handlerTimeoutSeconds,omitempty"`

	Breaker BreakerSpec `yaml:"breaker,omitempty"`
}

// SourceSpec selects and configures the broker source.
type SourceSpec struct {
	Type string `yaml:"type"` // kafka, sqs, rabbitmq, redis

	Kafka    KafkaSpec    `yaml:"kafka,omitempty"`
	SQS      SQSSpec      `yaml:"sqs,omitempty"`
	RabbitMQ RabbitMQSpec `yaml:"rabbitmq,omitempty"`
	Redis    RedisSpec    `yaml:"redis,omitempty"`
}

type KafkaSpec struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"groupId"`
	DLQTopic string   `yaml:"dlqTopic,omitempty"`
}

type SQSSpec struct {
	QueueURL        string `yaml:"queueUrl"`
	MaxMessages     int32  `yaml:"maxMessages,omitempty"`
	WaitTimeSeconds int    `yaml:"waitTimeSeconds,omitempty"`
}

type RabbitMQSpec struct {
	URL           string `yaml:"url"`
	Queue         string `yaml:"queue"`
	Prefetch      int    `yaml:"prefetch,omitempty"`
	RequeueOnNack bool   `yaml:"requeueOnNack,omitempty"`
}

type RedisSpec struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer,omitempty"`
}

// SinkSpec selects and configures the delivery destination.
type SinkSpec struct {
	Type string `yaml:"type"` // webhook, stdout, discard

	Webhook WebhookSpec `yaml:"webhook,omitempty"`
}

type WebhookSpec struct {
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	SigningSecret  string            `yaml:"signingSecret,omitempty"`
	TimeoutSeconds int               `yaml:"timeoutSeconds,omitempty"`
}

// BreakerSpec configures the handler circuit breaker. Zero values disable
// it.
type BreakerSpec struct {
	ErrorPct       float64 `yaml:"errorPct,omitempty"`
	WindowSeconds  int     `yaml:"windowSeconds,omitempty"`
	OpenSeconds    int     `yaml:"openSeconds,omitempty"`
	HalfOpenProbes int     `yaml:"halfOpenProbes,omitempty"`
	MinSamples     int     `yaml:"minSamples,omitempty"`
}

// ParseFile loads and validates a pipeline spec from path.
func ParseFile(path string) (*PipelineSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("relayspec: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse loads and validates a pipeline spec from r.
func Parse(r io.Reader) (*PipelineSpec, error) {
	var spec PipelineSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("relayspec: parse: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the spec for structural problems.
func (s *PipelineSpec) Validate() error {
	if s.Kind != "" && s.Kind != "Pipeline" {
		return fmt.Errorf("relayspec: unsupported kind %q", s.Kind)
	}
	if s.Name == "" {
		return fmt.Errorf("relayspec: pipeline name required")
	}
	if s.Workers < 0 {
		return fmt.Errorf("relayspec: workers must be non-negative")
	}

	s.Source.Type = strings.ToLower(s.Source.Type)
	s.Sink.Type = strings.ToLower(s.Sink.Type)

	switch s.Source.Type {
	case "kafka":
		if len(s.Source.Kafka.Brokers) == 0 || s.Source.Kafka.Topic == "" || s.Source.Kafka.GroupID == "" {
			return fmt.Errorf("relayspec: kafka source requires brokers, topic and groupId")
		}
	case "sqs":
		if s.Source.SQS.QueueURL == "" {
			return fmt.Errorf("relayspec: sqs source requires queueUrl")
		}
	case "rabbitmq":
		if s.Source.RabbitMQ.URL == "" || s.Source.RabbitMQ.Queue == "" {
			return fmt.Errorf("relayspec: rabbitmq source requires url and queue")
		}
	case "redis":
		if s.Source.Redis.Addr == "" || s.Source.Redis.Stream == "" || s.Source.Redis.Group == "" {
			return fmt.Errorf("relayspec: redis source requires addr, stream and group")
		}
	case "":
		return fmt.Errorf("relayspec: source type required")
	default:
		return fmt.Errorf("relayspec: unknown source type %q", s.Source.Type)
	}

	switch s.Sink.Type {
	case "webhook":
		if s.Sink.Webhook.URL == "" {
			return fmt.Errorf("relayspec: webhook sink requires url")
		}
	case "stdout", "discard":
	case "":
		return fmt.Errorf("relayspec: sink type required")
	default:
		return fmt.Errorf("relayspec: unknown sink type %q", s.Sink.Type)
	}
	return nil
}

// ExampleYAML returns a commented example pipeline spec.
func ExampleYAML() string {
	return `apiVersion: ackflow.dev/v1
kind: Pipeline
name: orders-relay

source:
  type: kafka
  kafka:
    brokers: ["localhost:9092"]
    topic: orders
    groupId: orders-relay
    dlqTopic: orders-dlq

sink:
  type: webhook
  webhook:
    url: https://example.internal/hooks/orders
    signingSecret: change-me
    timeoutSeconds: 10

workers: 8
handlerTimeoutSeconds: 30

# Hold deliveries back while the sink is failing.
breaker:
  errorPct: 50
  windowSeconds: 30
  openSeconds: 10
  halfOpenProbes: 2
  minSamples: 5
`
}
