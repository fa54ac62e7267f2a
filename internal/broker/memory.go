package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/transcriptor/internal/common"
)

var _ Broker = (*Memory)(nil)

type inflight struct {
	jobID    string
	deadline time.Time
}

// Memory is an in-process bounded broker. Unacked deliveries are requeued
// by a reaper once their visibility timeout elapses.
type Memory struct {
	log        *slog.Logger
	ch         chan string
	visibility time.Duration

	mu       sync.Mutex
	inflight map[string]inflight
	delayed  map[*time.Timer]struct{}
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMemory creates a Memory broker with the given capacity and visibility timeout.
func NewMemory(logger *slog.Logger, capacity int, visibility time.Duration) *Memory {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if visibility <= 0 {
		visibility = time.Minute
	}
	b := &Memory{
		log:        logger,
		ch:         make(chan string, capacity),
		visibility: visibility,
		inflight:   make(map[string]inflight),
		delayed:    make(map[*time.Timer]struct{}),
		done:       make(chan struct{}),
	}
	b.wg.Add(1)
	go b.reap(reapInterval(visibility))
	return b
}

func reapInterval(visibility time.Duration) time.Duration {
	iv := visibility / 4
	if iv < 10*time.Millisecond {
		iv = 10 * time.Millisecond
	}
	return iv
}

// Publish adds a job id to the queue (non-blocking if capacity allows).
func (b *Memory) Publish(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- jobID:
		return nil
	default:
		return ErrFull
	}
}

// PublishAfter makes a job id visible once delay has elapsed.
func (b *Memory) PublishAfter(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, jobID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.delayed, t)
		b.mu.Unlock()
		b.requeue(jobID)
	})
	b.delayed[t] = struct{}{}
	return nil
}

// requeue delivers jobID again, waiting for capacity rather than dropping it.
func (b *Memory) requeue(jobID string) {
	select {
	case b.ch <- jobID:
	case <-b.done:
		b.log.Warn("broker closed, dropping requeued message", "job_id", jobID)
	}
}

// Consume blocks until a message is available, ctx is done or the broker closes.
func (b *Memory) Consume(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-b.done:
		return Message{}, ErrClosed
	case jobID := <-b.ch:
		msg := Message{JobID: jobID, Token: newToken(jobID)}
		b.mu.Lock()
		b.inflight[msg.Token] = inflight{jobID: jobID, deadline: time.Now().Add(b.visibility)}
		b.mu.Unlock()
		return msg, nil
	}
}

// Ack removes a delivery. Acking an unknown token is a no-op.
func (b *Memory) Ack(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, msg.Token)
	return nil
}

// Touch extends the visibility deadline of a held delivery.
func (b *Memory) Touch(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	f, ok := b.inflight[msg.Token]
	if !ok {
		return ErrUnknownMessage
	}
	f.deadline = time.Now().Add(b.visibility)
	b.inflight[msg.Token] = f
	return nil
}

// Len returns the number of ready plus delayed messages.
func (b *Memory) Len(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ch) + len(b.delayed), nil
}

func (b *Memory) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the reaper and pending delayed deliveries. Messages still
// queued are discarded; durable state lives in the job store.
func (b *Memory) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for t := range b.delayed {
			t.Stop()
		}
		b.delayed = map[*time.Timer]struct{}{}
		b.mu.Unlock()
		close(b.done)
		b.wg.Wait()
	})
	return nil
}

func (b *Memory) reap(every time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			var expired []string
			b.mu.Lock()
			for token, f := range b.inflight {
				if now.After(f.deadline) {
					expired = append(expired, f.jobID)
					delete(b.inflight, token)
				}
			}
			b.mu.Unlock()
			for _, jobID := range expired {
				b.log.Warn("visibility timeout elapsed, redelivering", "job_id", jobID)
				b.requeue(jobID)
			}
		}
	}
}
