// Package broker carries "execute this job" messages from submitters to
// workers with at-least-once delivery. Messages reference a job id only.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jo-hoe/transcriptor/internal/util"
)

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
	// ErrFull is returned when a bounded broker cannot take more messages.
	ErrFull = errors.New("queue is full")
	// ErrUnknownMessage is returned by Touch when the delivery is no longer
	// held, for example because its visibility timeout elapsed.
	ErrUnknownMessage = errors.New("unknown or expired message")
)

// Message is one delivery of a job id.
type Message struct {
	JobID string
	// Token identifies this delivery; a redelivered message gets a new token.
	Token string
}

// Broker is a work queue with visibility-timeout redelivery.
//
// A consumed message stays invisible to other consumers until it is acked or
// its visibility timeout elapses, after which it is delivered again. Touch
// extends the timeout of a message still being worked on.
type Broker interface {
	Publish(ctx context.Context, jobID string) error
	PublishAfter(ctx context.Context, jobID string, delay time.Duration) error
	Consume(ctx context.Context) (Message, error)
	Ack(ctx context.Context, msg Message) error
	Touch(ctx context.Context, msg Message) error
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

const tokenSep = "|"

func newToken(jobID string) string {
	return jobID + tokenSep + util.NewID()
}

func jobIDFromToken(token string) string {
	id, _, _ := strings.Cut(token, tokenSep)
	return id
}
