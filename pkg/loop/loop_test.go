package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoRunsOnLoop(t *testing.T) {
	l := New(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	n := 0
	for i := 0; i < 10; i++ {
		if err := l.Do(ctx, func() { n++ }); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if n != 10 {
		t.Fatalf("got %d, want 10", n)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if err := l.Post(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Post after stop: got %v, want ErrStopped", err)
	}
}

func TestTick(t *testing.T) {
	l := New(time.Millisecond)
	var ticks atomic.Int32
	fired := make(chan struct{})
	l.OnTick(func(time.Time) {
		if ticks.Add(1) == 3 {
			close(fired)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("ticker never fired three times")
	}
}
