package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestDispatcherRunsInOrder checks closures run in post order on Run's goroutine.
func TestDispatcherRunsInOrder(t *testing.T) {
	d := NewDispatcher(4)
	var got []int

	go func() {
		for i := 1; i <= 10; i++ {
			i := i
			d.Post(func() { got = append(got, i) })
		}
		d.Close()
	}()

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("got[%d] = %d, want %d", i, v, i+1)
		}
	}
	if d.Post(func() {}) {
		t.Fatal("Post after Close should report false")
	}
}

// TestDispatcherStopsOnContext ends Run and unblocks posters.
func TestDispatcherStopsOnContext(t *testing.T) {
	d := NewDispatcher(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	done := make(chan bool, 1)
	go func() { done <- d.Post(func() {}) }()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Post on stopped dispatcher should report false")
		}
	case <-time.After(time.Second):
		t.Fatal("Post blocked after Run stopped")
	}
}
