package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/jo-hoe/transcriptor/internal/broker"
	"github.com/jo-hoe/transcriptor/internal/common"
	"github.com/jo-hoe/transcriptor/internal/jobs"
)

// delayFunc returns how long a republished job should stay invisible.
type delayFunc func(j *jobs.Job, now time.Time) time.Duration

// Requeue republishes processing jobs whose lease expired before now. No
// broker message is known to cover them. Duplicate deliveries are harmless
// because claiming is guarded by the job lease.
func Requeue(ctx context.Context, store jobs.Store, b broker.Broker, now time.Time) (int, error) {
	return republish(ctx, store, b, now, []jobs.Status{jobs.StatusProcessing}, nil)
}

// Recover republishes pending jobs and processing jobs with an expired lease.
// It runs once at startup, before the pool starts consuming. Pending retries
// keep whatever is left of their backoff.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	statuses := []jobs.Status{jobs.StatusProcessing, jobs.StatusPending}
	return republish(ctx, e.store, e.broker, e.now(), statuses, e.remainingBackoff)
}

// remainingBackoff is the part of a pending retry's delay not yet elapsed.
func (e *Executor) remainingBackoff(j *jobs.Job, now time.Time) time.Duration {
	if j.Status != jobs.StatusPending || j.RetryCount == 0 {
		return 0
	}
	return max(j.UpdatedAt.Add(e.retryDelay(j.RetryCount)).Sub(now), 0)
}

func republish(ctx context.Context, store jobs.Store, b broker.Broker, now time.Time, statuses []jobs.Status, delay delayFunc) (int, error) {
	type entry struct {
		id    string
		delay time.Duration
	}
	var todo []entry
	for _, st := range statuses {
		for page := 1; ; page++ {
			res, err := store.List(ctx, jobs.ListFilter{Status: st, Page: page, PageSize: common.MaxPageSize})
			if err != nil {
				return 0, fmt.Errorf("list %s jobs: %w", st, err)
			}
			for _, j := range res.Jobs {
				if j.Status == jobs.StatusProcessing && j.LeaseHeld(now) {
					continue
				}
				e := entry{id: j.ID}
				if delay != nil {
					e.delay = delay(j, now)
				}
				todo = append(todo, e)
			}
			if page*res.PageSize >= res.Total || len(res.Jobs) == 0 {
				break
			}
		}
	}

	n := 0
	for _, e := range todo {
		var err error
		if e.delay > 0 {
			err = b.PublishAfter(ctx, e.id, e.delay)
		} else {
			err = b.Publish(ctx, e.id)
		}
		if err != nil {
			return n, fmt.Errorf("republish %s: %w", e.id, err)
		}
		n++
	}
	return n, nil
}
