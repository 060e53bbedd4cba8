package inflight

import (
	"context"
	"testing"
	"time"
)

func TestCounterWaitForZero(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatalf("empty counter should report zero immediately")
	}

	c.Inc()
	c.Inc()
	if c.Load() != 2 {
		t.Fatalf("expected count 2, got %d", c.Load())
	}

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- c.WaitForZero(ctx)
	}()

	c.Dec()
	c.Dec()
	if !<-done {
		t.Fatalf("expected wait to complete after drain")
	}
}

func TestCounterWaitTimeout(t *testing.T) {
	var c Counter
	c.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if c.WaitForZero(ctx) {
		t.Fatalf("expected timeout while requests in flight")
	}
}
