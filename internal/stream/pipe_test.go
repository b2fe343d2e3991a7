package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipeEmitHonorsDemand(t *testing.T) {
	p := NewPipe[int]()
	c := &collector[int]{}
	if err := p.Subscribe(c); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- p.Emit(context.Background(), 1)
	}()

	select {
	case <-done:
		t.Fatal("Emit should block until demand is requested")
	case <-time.After(20 * time.Millisecond):
	}

	c.sub.Request(1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Emit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Emit did not unblock after Request")
	}

	got, _ := c.snapshot()
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("values = %v, want [1]", got)
	}
}

func TestPipeEmitAfterCancel(t *testing.T) {
	p := NewPipe[int]()
	c := &collector[int]{}
	if err := p.Subscribe(c); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	c.sub.Cancel()

	if err := p.Emit(context.Background(), 1); !errors.Is(err, ErrCancelled) {
		t.Errorf("Emit after cancel = %v, want ErrCancelled", err)
	}
}

func TestPipeEmitContextCancelled(t *testing.T) {
	p := NewPipe[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Emit(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Emit with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestPipeSingleTerminal(t *testing.T) {
	p := NewPipe[int]()
	c := &collector[int]{}
	if err := p.Subscribe(c); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	p.Complete()
	p.Fail(errors.New("late"))
	p.Complete()

	if !c.complete {
		t.Error("OnComplete should have been delivered")
	}
	if c.err != nil {
		t.Errorf("OnError after OnComplete should be suppressed, got %v", c.err)
	}
}

func TestPipeSingleUse(t *testing.T) {
	p := NewPipe[int]()
	if err := p.Subscribe(&collector[int]{}); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if err := p.Subscribe(&collector[int]{}); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("second Subscribe = %v, want ErrAlreadySubscribed", err)
	}
}
