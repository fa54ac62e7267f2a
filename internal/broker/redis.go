package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

var _ Broker = (*Redis)(nil)

// claimScript pops the oldest ready payload and records it as in flight.
var claimScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if v then
  redis.call('ZADD', KEYS[2], ARGV[1], v)
end
return v
`)

// promoteScript moves members of a ZSET whose score is due onto the ready list.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, v in ipairs(items) do
  redis.call('ZREM', KEYS[1], v)
  redis.call('LPUSH', KEYS[2], v)
end
return #items
`)

// redeliverScript requeues one expired delivery under a fresh token, unless it
// was acked in the meantime.
var redeliverScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('LPUSH', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// touchScript extends the deadline of a delivery that is still held.
var touchScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// RedisOptions configures the Redis broker.
type RedisOptions struct {
	Addr              string
	Password          string
	DB                int
	KeyPrefix         string
	VisibilityTimeout time.Duration
	// PollInterval is how often an idle consumer checks for new work and
	// how often delayed and expired messages are promoted.
	PollInterval time.Duration
}

// Redis is a reliable queue on Redis: a ready list, an in-flight ZSET scored
// by visibility deadline and a delayed ZSET scored by due time.
type Redis struct {
	rdb        *redis.Client
	log        *slog.Logger
	visibility time.Duration
	poll       time.Duration

	readyKey    string
	inflightKey string
	delayedKey  string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedis connects to Redis and starts the promotion loop.
func NewRedis(ctx context.Context, logger *slog.Logger, opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return newRedisWithClient(logger, rdb, opts), nil
}

func newRedisWithClient(logger *slog.Logger, rdb *redis.Client, opts RedisOptions) *Redis {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "transcriptor"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	b := &Redis{
		rdb:         rdb,
		log:         logger,
		visibility:  opts.VisibilityTimeout,
		poll:        opts.PollInterval,
		readyKey:    opts.KeyPrefix + ":queue",
		inflightKey: opts.KeyPrefix + ":inflight",
		delayedKey:  opts.KeyPrefix + ":delayed",
		done:        make(chan struct{}),
	}
	b.wg.Add(1)
	go b.scheduler()
	logger.Info("redis broker ready", "addr", opts.Addr, "prefix", opts.KeyPrefix)
	return b
}

func (b *Redis) Publish(ctx context.Context, jobID string) error {
	if err := b.rdb.LPush(ctx, b.readyKey, newToken(jobID)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", jobID, err)
	}
	return nil
}

func (b *Redis) PublishAfter(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, jobID)
	}
	due := time.Now().Add(delay)
	err := b.rdb.ZAdd(ctx, b.delayedKey, &redis.Z{Score: float64(due.UnixMilli()), Member: newToken(jobID)}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobID, err)
	}
	return nil
}

// Consume polls the ready list until a payload is claimed, ctx is done or the broker closes.
func (b *Redis) Consume(ctx context.Context) (Message, error) {
	for {
		select {
		case <-b.done:
			return Message{}, ErrClosed
		default:
		}
		deadline := time.Now().Add(b.visibility)
		v, err := claimScript.Run(ctx, b.rdb, []string{b.readyKey, b.inflightKey}, score(deadline)).Text()
		switch {
		case err == nil:
			return Message{JobID: jobIDFromToken(v), Token: v}, nil
		case errors.Is(err, redis.Nil):
		case ctx.Err() != nil:
			return Message{}, ctx.Err()
		default:
			return Message{}, fmt.Errorf("consume: %w", err)
		}

		timer := time.NewTimer(b.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Message{}, ctx.Err()
		case <-b.done:
			timer.Stop()
			return Message{}, ErrClosed
		case <-timer.C:
		}
	}
}

func (b *Redis) Ack(ctx context.Context, msg Message) error {
	if err := b.rdb.ZRem(ctx, b.inflightKey, msg.Token).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", msg.JobID, err)
	}
	return nil
}

func (b *Redis) Touch(ctx context.Context, msg Message) error {
	deadline := time.Now().Add(b.visibility)
	n, err := touchScript.Run(ctx, b.rdb, []string{b.inflightKey}, msg.Token, score(deadline)).Int()
	if err != nil {
		return fmt.Errorf("touch %s: %w", msg.JobID, err)
	}
	if n == 0 {
		return ErrUnknownMessage
	}
	return nil
}

// Len returns the number of ready plus delayed messages.
func (b *Redis) Len(ctx context.Context) (int, error) {
	pipe := b.rdb.Pipeline()
	ready := pipe.LLen(ctx, b.readyKey)
	delayed := pipe.ZCard(ctx, b.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(ready.Val() + delayed.Val()), nil
}

func (b *Redis) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Redis) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.rdb.Close()
		b.log.Info("closed redis broker")
	})
	return err
}

// scheduler promotes due delayed messages and redelivers expired ones.
func (b *Redis) scheduler() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.promoteDue(ctx, time.Now()); err != nil {
				b.log.Warn("promote delayed messages failed", "err", err)
			}
			if err := b.redeliverExpired(ctx, time.Now()); err != nil {
				b.log.Warn("redeliver expired messages failed", "err", err)
			}
			cancel()
		}
	}
}

const promoteBatch = 128

func (b *Redis) promoteDue(ctx context.Context, now time.Time) error {
	n, err := promoteScript.Run(ctx, b.rdb, []string{b.delayedKey, b.readyKey}, score(now), promoteBatch).Int()
	if err != nil {
		return err
	}
	if n > 0 {
		b.log.Debug("promoted delayed messages", "count", n)
	}
	return nil
}

func (b *Redis) redeliverExpired(ctx context.Context, now time.Time) error {
	tokens, err := b.rdb.ZRangeByScore(ctx, b.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   score(now),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	for _, token := range tokens {
		jobID := jobIDFromToken(token)
		moved, err := redeliverScript.Run(ctx, b.rdb, []string{b.inflightKey, b.readyKey}, token, newToken(jobID)).Int()
		if err != nil {
			return err
		}
		if moved == 1 {
			b.log.Warn("visibility timeout elapsed, redelivering", "job_id", jobID)
		}
	}
	return nil
}

// score encodes a time as a ZSET score with millisecond resolution.
func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
