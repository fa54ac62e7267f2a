package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newMiniRedisBroker(t *testing.T, visibility time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := newRedisWithClient(discardLogger(), rdb, RedisOptions{
		KeyPrefix:         "test",
		VisibilityTimeout: visibility,
		PollInterval:      10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedis_Contract(t *testing.T) {
	runBrokerSuite(t, func(t *testing.T, visibility time.Duration) Broker {
		b, _ := newMiniRedisBroker(t, visibility)
		return b
	})
}

func TestRedis_KeysAndPayloads(t *testing.T) {
	b, mr := newMiniRedisBroker(t, time.Minute)
	ctx := context.Background()
	if err := b.Publish(ctx, "job-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	items, err := mr.List("test:queue")
	if err != nil || len(items) != 1 || jobIDFromToken(items[0]) != "job-1" {
		t.Fatalf("ready list = %v, %v", items, err)
	}

	msg, err := b.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	members, err := mr.ZMembers("test:inflight")
	if err != nil || len(members) != 1 || members[0] != msg.Token {
		t.Fatalf("inflight = %v, %v", members, err)
	}
	if err := b.Ack(ctx, msg); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if mr.Exists("test:inflight") {
		t.Fatalf("inflight entry left after ack")
	}
}

func TestNewRedis_ConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedis(ctx, discardLogger(), RedisOptions{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected connection error")
	}
}
