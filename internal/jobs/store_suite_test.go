package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const suiteTTL = time.Hour

// storeFactory builds an empty store using the given options.
type storeFactory func(t *testing.T, opts ...Option) Store

// runStoreSuite exercises the Store contract shared by every implementation.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("CreateGet", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, WithTTL(suiteTTL), WithClock(clock.Now))
		ctx := context.Background()

		job := &Job{ID: "job-1", InputRef: "/tmp/a.wav", Params: Params{Model: "base"}, Metadata: map[string]any{"k": "v"}}
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != StatusPending || got.InputRef != "/tmp/a.wav" || got.Params.Model != "base" || got.Metadata["k"] != "v" {
			t.Fatalf("unexpected job: %+v", got)
		}
		if !got.TTLExpiresAt.Equal(clock.Now().Add(suiteTTL)) || !got.CreatedAt.Equal(clock.Now()) {
			t.Fatalf("bookkeeping not stamped: created=%s ttl=%s", got.CreatedAt, got.TTLExpiresAt)
		}
		if err := s.Create(ctx, &Job{ID: "job-1"}); !errors.Is(err, ErrConflict) {
			t.Fatalf("duplicate create should conflict, got %v", err)
		}
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateIsAtomic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Create(ctx, &Job{ID: "job-1"}); err != nil {
			t.Fatalf("Create: %v", err)
		}

		const writers, perWriter = 4, 10
		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := s.Update(ctx, "job-1", func(j *Job) error {
						j.RetryCount++
						return nil
					})
					if err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("Update: %v", err)
		}
		got, err := s.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.RetryCount != writers*perWriter {
			t.Fatalf("lost updates: retry_count = %d, want %d", got.RetryCount, writers*perWriter)
		}
		if got.Version != int64(1+writers*perWriter) {
			t.Fatalf("version = %d", got.Version)
		}
	})

	t.Run("UpdateGuards", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.Create(ctx, &Job{ID: "job-1", Params: Params{Model: "base"}}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		boom := errors.New("boom")
		if _, err := s.Update(ctx, "job-1", func(j *Job) error {
			j.Progress = 50
			return boom
		}); !errors.Is(err, boom) {
			t.Fatalf("mutator error should surface, got %v", err)
		}
		if got, _ := s.Get(ctx, "job-1"); got.Progress != 0 {
			t.Fatalf("aborted mutation was written: %+v", got)
		}

		if _, err := s.Update(ctx, "job-1", func(j *Job) error {
			j.CancelRequested = true
			return nil
		}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, err := s.Update(ctx, "job-1", func(j *Job) error {
			j.CancelRequested = false
			j.Params.Model = "large"
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if !got.CancelRequested || got.Params.Model != "base" {
			t.Fatalf("cancel flag or params changed: %+v", got)
		}
		if _, err := s.Update(ctx, "missing", func(*Job) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListOrderFilterPaging", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, WithClock(clock.Now))
		ctx := context.Background()
		base := clock.Now()
		for i := 0; i < 5; i++ {
			status := StatusCompleted
			if i%2 == 0 {
				status = StatusFailed
			}
			job := &Job{ID: fmt.Sprintf("job-%d", i), Status: status, CreatedAt: base.Add(time.Duration(i) * time.Second)}
			if err := s.Create(ctx, job); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}

		page, err := s.List(ctx, ListFilter{Status: StatusFailed})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if page.Total != 3 || len(page.Jobs) != 3 {
			t.Fatalf("failed filter: total=%d len=%d", page.Total, len(page.Jobs))
		}
		for i, want := range []string{"job-4", "job-2", "job-0"} {
			if page.Jobs[i].ID != want {
				t.Fatalf("order[%d] = %s, want %s", i, page.Jobs[i].ID, want)
			}
		}

		page, err = s.List(ctx, ListFilter{Page: 2, PageSize: 2})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if page.Total != 5 || len(page.Jobs) != 2 || page.Jobs[0].ID != "job-2" || page.Jobs[1].ID != "job-1" {
			t.Fatalf("unexpected page 2: total=%d jobs=%v", page.Total, ids(page.Jobs))
		}
		page, err = s.List(ctx, ListFilter{Page: 9, PageSize: 2})
		if err != nil || len(page.Jobs) != 0 || page.Total != 5 {
			t.Fatalf("out-of-range page: %v %v", ids(page.Jobs), err)
		}

		// Same creation time falls back to id order.
		_ = s.Create(ctx, &Job{ID: "job-9", CreatedAt: base})
		page, _ = s.List(ctx, ListFilter{PageSize: 100})
		last := ids(page.Jobs)[len(page.Jobs)-2:]
		if last[0] != "job-9" || last[1] != "job-0" {
			t.Fatalf("tie-break order = %v", last)
		}

		if _, err := s.List(ctx, ListFilter{Status: "bogus"}); !errors.Is(err, ErrInvalidParameters) {
			t.Fatalf("unknown status filter should be rejected, got %v", err)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, WithTTL(suiteTTL), WithClock(clock.Now))
		ctx := context.Background()
		_ = s.Create(ctx, &Job{ID: "old"})
		clock.Advance(40 * time.Minute)
		_ = s.Create(ctx, &Job{ID: "fresh"})
		clock.Advance(10 * time.Minute)
		// A write refreshes the TTL.
		if _, err := s.Update(ctx, "old", func(j *Job) error { return nil }); err != nil {
			t.Fatalf("Update: %v", err)
		}
		clock.Advance(45 * time.Minute)

		// now +95m: old expires at +110m, fresh at +100m.
		if _, err := s.Get(ctx, "old"); err != nil {
			t.Fatalf("refreshed job should be visible: %v", err)
		}
		clock.Advance(10 * time.Minute)
		if _, err := s.Get(ctx, "fresh"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expired job must be invisible, got %v", err)
		}
		page, _ := s.List(ctx, ListFilter{})
		if page.Total != 1 || page.Jobs[0].ID != "old" {
			t.Fatalf("list must hide expired: %v", ids(page.Jobs))
		}
		if _, err := s.Update(ctx, "fresh", func(*Job) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update of expired job should be NotFound, got %v", err)
		}

		n, err := s.ExpireSweep(ctx, clock.Now())
		if err != nil || n != 1 {
			t.Fatalf("ExpireSweep = %d, %v", n, err)
		}
		if n, _ := s.ExpireSweep(ctx, clock.Now()); n != 0 {
			t.Fatalf("second sweep removed %d", n)
		}
		// The id of a purged record can be reused.
		if err := s.Create(ctx, &Job{ID: "fresh"}); err != nil {
			t.Fatalf("recreate: %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_ = s.Create(ctx, &Job{ID: "job-1"})
		if err := s.Delete(ctx, "job-1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := s.Delete(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second delete should be NotFound, got %v", err)
		}
		if _, err := s.Get(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("deleted job visible: %v", err)
		}
		if err := s.Ping(ctx); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func ids(js []*Job) []string {
	out := make([]string, 0, len(js))
	for _, j := range js {
		out = append(out, j.ID)
	}
	return out
}
