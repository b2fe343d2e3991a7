package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/ackflow/internal/broker"
	"github.com/oriys/ackflow/internal/bridge/kafka"
	"github.com/oriys/ackflow/internal/bridge/rabbit"
	"github.com/oriys/ackflow/internal/bridge/redisq"
	"github.com/oriys/ackflow/internal/bridge/sqs"
	"github.com/oriys/ackflow/internal/circuitbreaker"
	"github.com/oriys/ackflow/internal/config"
	"github.com/oriys/ackflow/internal/logging"
	"github.com/oriys/ackflow/internal/metrics"
	"github.com/oriys/ackflow/internal/observability"
	"github.com/oriys/ackflow/internal/relay"
	"github.com/oriys/ackflow/internal/relayspec"
	"github.com/oriys/ackflow/internal/sink"
)

func relayCmd() *cobra.Command {
	var specFile string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a relay pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specFile == "" {
				return errors.New("pipeline spec required (-f)")
			}
			return runRelay(specFile)
		},
	}
	cmd.Flags().StringVarP(&specFile, "file", "f", "", "Pipeline spec file (YAML)")
	return cmd
}

func runRelay(specFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logging.Init(cfg.Logging.Format, cfg.Logging.Level)

	spec, err := relayspec.ParseFile(specFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	var collector *metrics.AckCollector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace)
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Op().Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
		defer srv.Close()
	}

	src, err := buildSource(spec, collector)
	if err != nil {
		return err
	}
	snk, err := buildSink(spec)
	if err != nil {
		return err
	}
	defer snk.Close()

	r, err := relay.New(src, snk.Deliver, relay.Config{
		Workers:        spec.Workers,
		HandlerTimeout: time.Duration(spec.HandlerTimeoutSeconds) * time.Second,
		Breaker: circuitbreaker.Config{
			ErrorPct:       spec.Breaker.ErrorPct,
			WindowDuration: time.Duration(spec.Breaker.WindowSeconds) * time.Second,
			OpenDuration:   time.Duration(spec.Breaker.OpenSeconds) * time.Second,
			HalfOpenProbes: spec.Breaker.HalfOpenProbes,
			MinSamples:     spec.Breaker.MinSamples,
		},
	})
	if err != nil {
		return err
	}

	logging.Op().Info("relay starting",
		"pipeline", spec.Name, "source", spec.Source.Type, "sink", spec.Sink.Type)
	err = r.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay %s: %w", spec.Name, err)
	}
	logging.Op().Info("relay stopped", "pipeline", spec.Name)
	return nil
}

func buildSource(spec *relayspec.PipelineSpec, collector *metrics.AckCollector) (broker.Source, error) {
	switch spec.Source.Type {
	case "kafka":
		return kafka.New(kafka.Config{
			Brokers:   spec.Source.Kafka.Brokers,
			Topic:     spec.Source.Kafka.Topic,
			GroupID:   spec.Source.Kafka.GroupID,
			DLQTopic:  spec.Source.Kafka.DLQTopic,
			Collector: collector,
		})
	case "sqs":
		return sqs.NewFromConfig(context.Background(), sqs.Config{
			QueueURL:    spec.Source.SQS.QueueURL,
			MaxMessages: spec.Source.SQS.MaxMessages,
			WaitTime:    time.Duration(spec.Source.SQS.WaitTimeSeconds) * time.Second,
			Collector:   collector,
		})
	case "rabbitmq":
		return rabbit.New(rabbit.Config{
			URL:           spec.Source.RabbitMQ.URL,
			Queue:         spec.Source.RabbitMQ.Queue,
			Prefetch:      spec.Source.RabbitMQ.Prefetch,
			RequeueOnNack: spec.Source.RabbitMQ.RequeueOnNack,
			Collector:     collector,
		})
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     spec.Source.Redis.Addr,
			Password: spec.Source.Redis.Password,
			DB:       spec.Source.Redis.DB,
		})
		return redisq.New(client, redisq.Config{
			Stream:    spec.Source.Redis.Stream,
			Group:     spec.Source.Redis.Group,
			Consumer:  spec.Source.Redis.Consumer,
			Collector: collector,
		})
	default:
		return nil, fmt.Errorf("unknown source type %q", spec.Source.Type)
	}
}

func buildSink(spec *relayspec.PipelineSpec) (sink.Sink, error) {
	switch spec.Sink.Type {
	case "webhook":
		return sink.NewWebhookSink(sink.WebhookConfig{
			URL:           spec.Sink.Webhook.URL,
			Method:        spec.Sink.Webhook.Method,
			Headers:       spec.Sink.Webhook.Headers,
			SigningSecret: spec.Sink.Webhook.SigningSecret,
			Timeout:       time.Duration(spec.Sink.Webhook.TimeoutSeconds) * time.Second,
		})
	case "stdout":
		return sink.NewStdoutSink(), nil
	case "discard":
		return sink.NewDiscardSink(), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", spec.Sink.Type)
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <spec.yaml>",
		Short: "Validate a pipeline spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := relayspec.ParseFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("pipeline %q is valid (source=%s sink=%s)\n", spec.Name, spec.Source.Type, spec.Sink.Type)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print an example pipeline spec",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(relayspec.ExampleYAML())
		},
	}
}
