package sqs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/oriys/ackflow/internal/broker"
	"github.com/oriys/ackflow/internal/stream"
)

// fakeClient serves one prepared batch, then blocks until the context is
// cancelled.
type fakeClient struct {
	mu         sync.Mutex
	batch      []types.Message
	served     bool
	deleted    []string
	visibility []string
}

func (f *fakeClient) ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if !f.served {
		f.served = true
		batch := f.batch
		f.mu.Unlock()
		return &awssqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeClient) DeleteMessage(_ context.Context, in *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &awssqs.DeleteMessageOutput{}, nil
}

func (f *fakeClient) ChangeMessageVisibility(_ context.Context, in *awssqs.ChangeMessageVisibilityInput, _ ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility = append(f.visibility, aws.ToString(in.ReceiptHandle))
	return &awssqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeClient) snapshot() (deleted, visibility []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...), append([]string(nil), f.visibility...)
}

func sqsMessage(id, receipt, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String(receipt),
		Body:          aws.String(body),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "2",
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSourceAckDeletesNackResetsVisibility(t *testing.T) {
	client := &fakeClient{batch: []types.Message{
		sqsMessage("m1", "r1", "one"),
		sqsMessage("m2", "r2", "two"),
	}}
	src, err := New(client, Config{QueueURL: "https://sqs.test/q"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	var mu sync.Mutex
	var envs []*broker.Envelope
	sub := &stream.SubscriberFuncs[*broker.Envelope]{
		OnNextFunc: func(e *broker.Envelope) {
			mu.Lock()
			envs = append(envs, e)
			mu.Unlock()
		},
	}
	if err := src.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, "two envelopes", func() {
		mu.Lock()
		defer mu.Unlock()
		return len(envs) == 2
	})

	mu.Lock()
	first, second := envs[0], envs[1]
	mu.Unlock()

	if first.Get().Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", first.Get().Attempt)
	}

	first.Acknowledge()
	waitFor(t, "delete of r1", func() {
		deleted, _ := client.snapshot()
		return len(deleted) == 1 && deleted[0] == "r1"
	})

	second.Nacknowledge(errors.New("handler failed"))
	waitFor(t, "visibility reset of r2", func() {
		_, vis := client.snapshot()
		return len(vis) == 1 && vis[0] == "r2"
	})

	deleted, _ := client.snapshot()
	if len(deleted) != 1 {
		t.Errorf("nack must not delete; deleted=%v", deleted)
	}
}

func TestSourceSingleUse(t *testing.T) {
	client := &fakeClient{}
	src, err := New(client, Config{QueueURL: "https://sqs.test/q"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	if err := src.Subscribe(&stream.SubscriberFuncs[*broker.Envelope]{}); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if err := src.Subscribe(&stream.SubscriberFuncs[*broker.Envelope]{}); err == nil {
		t.Error("second Subscribe should fail")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(&fakeClient{}, Config{}); err == nil {
		t.Error("missing queue url should fail")
	}
	if _, err := New(nil, Config{QueueURL: "u"}); err == nil {
		t.Error("nil client should fail")
	}
	if _, err := New(&fakeClient{}, Config{QueueURL: "u", MaxMessages: 11}); err == nil {
		t.Error("out-of-range max messages should fail")
	}
}
