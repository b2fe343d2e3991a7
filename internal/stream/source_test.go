package stream

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type collector[T any] struct {
	mu       sync.Mutex
	sub      Subscription
	values   []T
	complete bool
	err      error
}

func (c *collector[T]) OnSubscribe(sub Subscription) { c.sub = sub }

func (c *collector[T]) OnNext(v T) {
	c.mu.Lock()
	c.values = append(c.values, v)
	c.mu.Unlock()
}

func (c *collector[T]) OnComplete() {
	c.mu.Lock()
	c.complete = true
	c.mu.Unlock()
}

func (c *collector[T]) OnError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *collector[T]) snapshot() ([]T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.values...), c.complete
}

func TestFromSliceHonorsDemand(t *testing.T) {
	p := FromSlice(1, 2, 3, 4)
	c := &collector[int]{}
	if err := p.Subscribe(c); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	c.sub.Request(2)
	if got, _ := c.snapshot(); len(got) != 2 {
		t.Fatalf("after Request(2): got %v", got)
	}
	c.sub.Request(10)
	got, complete := c.snapshot()
	if len(got) != 4 {
		t.Fatalf("after Request(10): got %v", got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Errorf("values[%d] = %d, want %d", i, v, i+1)
		}
	}
	if !complete {
		t.Error("stream should have completed")
	}
}

func TestFromSliceSingleUse(t *testing.T) {
	p := FromSlice(1)
	if err := p.Subscribe(&collector[int]{}); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if err := p.Subscribe(&collector[int]{}); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("second Subscribe = %v, want ErrAlreadySubscribed", err)
	}
	if err := FromSlice(1).Subscribe(nil); !errors.Is(err, ErrNilSubscriber) {
		t.Errorf("Subscribe(nil) = %v, want ErrNilSubscriber", err)
	}
}

func TestFromSliceCancelStopsEmission(t *testing.T) {
	p := FromSlice(1, 2, 3)
	c := &cancellingCollector{}
	if err := p.Subscribe(c); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	c.sub.Request(10)
	if len(c.values) != 2 {
		t.Errorf("received %v, want emission to stop after cancel", c.values)
	}
	if c.complete {
		t.Error("cancelled stream must not complete")
	}
}

type cancellingCollector struct {
	sub      Subscription
	values   []int
	complete bool
}

func (c *cancellingCollector) OnSubscribe(sub Subscription) { c.sub = sub }

func (c *cancellingCollector) OnNext(v int) {
	c.values = append(c.values, v)
	if len(c.values) == 2 {
		c.sub.Cancel()
	}
}

func (c *cancellingCollector) OnComplete()   { c.complete = true }
func (c *cancellingCollector) OnError(error) {}

func TestFromChannelDeliversAndCompletes(t *testing.T) {
	ch := make(chan string, 3)
	ch <- "a"
	ch <- "b"
	ch <- "c"
	close(ch)

	c := &collector[string]{}
	p := FromChannel(ch)
	if err := p.Subscribe(c); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	c.sub.Request(100)

	deadline := time.After(2 * time.Second)
	for {
		got, complete := c.snapshot()
		if complete {
			if len(got) != 3 {
				t.Fatalf("got %v, want 3 values", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out; got %v", got)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSubscriberFuncsDefaultsToUnboundedDemand(t *testing.T) {
	var got []int
	done := false
	sub := &SubscriberFuncs[int]{
		OnNextFunc:     func(v int) { got = append(got, v) },
		OnCompleteFunc: func() { done = true },
	}
	if err := FromSlice(5, 6).Subscribe(sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(got) != 2 || !done {
		t.Errorf("got %v done=%v, want both values and completion", got, done)
	}
}

func TestIsNil(t *testing.T) {
	var p *int
	var m map[string]int
	var fn func()
	cases := []struct {
		name string
		v    any
		want bool
	}{
		{"untyped nil", nil, true},
		{"nil pointer", p, true},
		{"nil map", m, true},
		{"nil func", fn, true},
		{"non-nil pointer", new(int), false},
		{"int", 3, false},
		{"string", "", false},
		{"empty slice", []int{}, false},
	}
	for _, tc := range cases {
		if got := IsNil(tc.v); got != tc.want {
			t.Errorf("%s: IsNil = %v, want %v", tc.name, got, tc.want)
		}
	}
}
