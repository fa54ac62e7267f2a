package sweeper

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/transcriptor/internal/broker"
	"github.com/jo-hoe/transcriptor/internal/jobs"
	"github.com/jo-hoe/transcriptor/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	sweeper  *Sweeper
	store    *jobs.MemoryStore
	broker   *broker.Memory
	uploader *storage.Uploader
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Now().UTC()}
	store := jobs.NewMemoryStore(jobs.WithTTL(time.Hour), jobs.WithClock(clk.Now))
	b := broker.NewMemory(discardLogger(), 16, time.Minute)
	t.Cleanup(func() { _ = b.Close() })
	up := storage.NewUploader(t.TempDir())
	s := New(discardLogger(), store, b, up, time.Minute, 10*time.Minute)
	s.now = clk.Now
	return &fixture{sweeper: s, store: store, broker: b, uploader: up, clock: clk}
}

// upload writes a file into the uploads directory with the given age.
func (f *fixture) upload(t *testing.T, name string, age time.Duration) string {
	t.Helper()
	if err := os.MkdirAll(f.uploader.Dir(), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(f.uploader.Dir(), name)
	if err := os.WriteFile(p, []byte("media"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return p
}

func (f *fixture) create(t *testing.T, id, inputRef string) {
	t.Helper()
	if err := f.store.Create(context.Background(), &jobs.Job{ID: id, InputRef: inputRef}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRunOnce_RemovesOrphansButKeepsLiveInputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := f.upload(t, "orphan.wav", time.Hour)
	fresh := f.upload(t, "fresh.wav", time.Minute)
	liveInput := f.upload(t, "live.wav", time.Hour)
	doneInput := f.upload(t, "done.wav", time.Hour)

	f.create(t, "live", liveInput)
	f.create(t, "done", doneInput)
	now := f.clock.Now()
	if _, err := f.store.Update(ctx, "done", func(j *jobs.Job) error {
		if err := j.Transition(jobs.StatusProcessing, now); err != nil {
			return err
		}
		return j.Transition(jobs.StatusCompleted, now)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rep, err := f.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.OrphansRemoved != 2 || rep.OrphanBytes != 10 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if exists(orphan) || exists(doneInput) {
		t.Fatalf("orphaned uploads survived")
	}
	if !exists(fresh) || !exists(liveInput) {
		t.Fatalf("sweeper removed a fresh or live upload")
	}

	// A second pass finds nothing left to do.
	rep, err = f.sweeper.RunOnce(ctx)
	if err != nil || rep != (Report{}) {
		t.Fatalf("second RunOnce = %+v, %v", rep, err)
	}
}

func TestRunOnce_ExpiresRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "old", "")
	f.clock.Advance(2 * time.Hour)
	f.create(t, "new", "")

	rep, err := f.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Expired != 1 {
		t.Fatalf("expired = %d, want 1", rep.Expired)
	}
	if _, err := f.store.Get(ctx, "new"); err != nil {
		t.Fatalf("live record removed: %v", err)
	}
}

func TestRunOnce_RepublishesStaleLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "stale", "")
	f.create(t, "busy", "")
	now := f.clock.Now()
	for id, lease := range map[string]time.Time{"stale": now.Add(-time.Second), "busy": now.Add(time.Minute)} {
		lease := lease
		if _, err := f.store.Update(ctx, id, func(j *jobs.Job) error {
			if err := j.Transition(jobs.StatusProcessing, now); err != nil {
				return err
			}
			j.Owner = "w/0"
			j.LeaseExpiresAt = &lease
			return nil
		}); err != nil {
			t.Fatalf("Update %s: %v", id, err)
		}
	}

	rep, err := f.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Republished != 1 {
		t.Fatalf("republished = %d, want 1", rep.Republished)
	}
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := f.broker.Consume(cctx)
	if err != nil || msg.JobID != "stale" {
		t.Fatalf("republished message = %+v, %v", msg, err)
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	f.sweeper.interval = 5 * time.Millisecond
	orphan := f.upload(t, "orphan.wav", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for exists(orphan) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if exists(orphan) {
		t.Fatalf("periodic sweep did not run")
	}
}
