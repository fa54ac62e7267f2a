package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// brokerFactory builds an empty broker with the given visibility timeout.
type brokerFactory func(t *testing.T, visibility time.Duration) Broker

func consumeWithin(t *testing.T, b Broker, d time.Duration) (Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return b.Consume(ctx)
}

func runBrokerSuite(t *testing.T, newBroker brokerFactory) {
	t.Run("PublishConsumeAck", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		ctx := context.Background()
		if err := b.Publish(ctx, "job-1"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if n, _ := b.Len(ctx); n != 1 {
			t.Fatalf("Len = %d, want 1", n)
		}
		msg, err := consumeWithin(t, b, time.Second)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if msg.JobID != "job-1" || msg.Token == "" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if err := b.Touch(ctx, msg); err != nil {
			t.Fatalf("Touch held message: %v", err)
		}
		if err := b.Ack(ctx, msg); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		if err := b.Ack(ctx, msg); err != nil {
			t.Fatalf("second Ack should be a no-op: %v", err)
		}
		if err := b.Touch(ctx, msg); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("Touch after ack = %v, want ErrUnknownMessage", err)
		}
		if n, _ := b.Len(ctx); n != 0 {
			t.Fatalf("Len = %d, want 0", n)
		}
	})

	t.Run("ConsumeHonoursContext", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		_, err := consumeWithin(t, b, 50*time.Millisecond)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Consume on empty queue = %v, want deadline exceeded", err)
		}
	})

	t.Run("RedeliversUnackedMessage", func(t *testing.T) {
		b := newBroker(t, 100*time.Millisecond)
		ctx := context.Background()
		_ = b.Publish(ctx, "job-1")
		first, err := consumeWithin(t, b, time.Second)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		// Simulate a consumer that died without acking.
		second, err := consumeWithin(t, b, 3*time.Second)
		if err != nil {
			t.Fatalf("expected redelivery: %v", err)
		}
		if second.JobID != "job-1" || second.Token == first.Token {
			t.Fatalf("redelivery must carry a fresh token: first=%+v second=%+v", first, second)
		}
		if err := b.Touch(ctx, first); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("stale delivery should be unknown, got %v", err)
		}
		// A late ack of the stale delivery must not release the new one.
		_ = b.Ack(ctx, first)
		if err := b.Touch(ctx, second); err != nil {
			t.Fatalf("new delivery lost after stale ack: %v", err)
		}
	})

	t.Run("TouchPreventsRedelivery", func(t *testing.T) {
		b := newBroker(t, 200*time.Millisecond)
		ctx := context.Background()
		_ = b.Publish(ctx, "job-1")
		msg, err := consumeWithin(t, b, time.Second)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		stop := time.After(600 * time.Millisecond)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-stop:
				break loop
			case <-ticker.C:
				if err := b.Touch(ctx, msg); err != nil {
					t.Fatalf("Touch: %v", err)
				}
			}
		}
		if _, err := consumeWithin(t, b, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("touched message was redelivered: %v", err)
		}
		_ = b.Ack(ctx, msg)
	})

	t.Run("PublishAfterDelays", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		ctx := context.Background()
		start := time.Now()
		if err := b.PublishAfter(ctx, "job-1", 150*time.Millisecond); err != nil {
			t.Fatalf("PublishAfter: %v", err)
		}
		if n, _ := b.Len(ctx); n != 1 {
			t.Fatalf("delayed message should count in Len, got %d", n)
		}
		msg, err := consumeWithin(t, b, 3*time.Second)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if msg.JobID != "job-1" || time.Since(start) < 150*time.Millisecond {
			t.Fatalf("delayed message delivered early (%s): %+v", time.Since(start), msg)
		}
	})

	t.Run("Close", func(t *testing.T) {
		b := newBroker(t, time.Minute)
		if err := b.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := consumeWithin(t, b, time.Second); !errors.Is(err, ErrClosed) {
			t.Fatalf("Consume after close = %v, want ErrClosed", err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("second Close: %v", err)
		}
	})
}
