// Package sweeper removes expired job records, orphaned uploads and
// recovers jobs whose worker stopped heartbeating.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/transcriptor/internal/broker"
	"github.com/jo-hoe/transcriptor/internal/common"
	"github.com/jo-hoe/transcriptor/internal/jobs"
	"github.com/jo-hoe/transcriptor/internal/processor"
	"github.com/jo-hoe/transcriptor/internal/storage"
)

// Uploads is the part of the upload storage the sweeper needs.
type Uploads interface {
	ListOlderThan(cutoff time.Time) ([]storage.FileInfo, error)
	Remove(path string) error
}

// Report summarises one sweep.
type Report struct {
	Expired        int
	OrphansRemoved int
	OrphanBytes    int64
	Republished    int
}

// Sweeper runs periodic cleanup passes.
type Sweeper struct {
	log       *slog.Logger
	store     jobs.Store
	broker    broker.Broker
	uploads   Uploads
	interval  time.Duration
	orphanAge time.Duration
	now       func() time.Time
}

// New creates a Sweeper. Files younger than orphanAge are never removed, so
// uploads that are still being submitted survive.
func New(logger *slog.Logger, store jobs.Store, b broker.Broker, uploads Uploads, interval, orphanAge time.Duration) *Sweeper {
	return &Sweeper{
		log:       logger,
		store:     store,
		broker:    b,
		uploads:   uploads,
		interval:  interval,
		orphanAge: orphanAge,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", "err", err)
			}
		}
	}
}

// RunOnce performs a single pass. Steps are independent; the first error is
// returned after all of them ran.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	now := s.now()

	n, err := s.store.ExpireSweep(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire jobs: %w", err))
	}
	rep.Expired = n

	if err := s.removeOrphans(ctx, now, &rep); err != nil {
		errs = append(errs, err)
	}

	n, err = processor.Requeue(ctx, s.store, s.broker, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("recover stale jobs: %w", err))
	}
	rep.Republished = n

	if rep != (Report{}) {
		s.log.Info("sweep finished",
			"expired", rep.Expired,
			"orphans_removed", rep.OrphansRemoved,
			"orphan_bytes", humanize.IBytes(uint64(rep.OrphanBytes)), // #nosec G115 - sizes are non-negative
			"republished", rep.Republished)
	}
	return rep, errors.Join(errs...)
}

// removeOrphans deletes old uploads that no live job references.
func (s *Sweeper) removeOrphans(ctx context.Context, now time.Time, rep *Report) error {
	files, err := s.uploads.ListOlderThan(now.Add(-s.orphanAge))
	if err != nil {
		return fmt.Errorf("scan uploads: %w", err)
	}
	if len(files) == 0 {
		return nil
	}
	live, err := s.liveInputs(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, ok := live[filepath.Clean(f.Path)]; ok {
			continue
		}
		if err := s.uploads.Remove(f.Path); err != nil {
			s.log.Warn("remove orphan failed", "path", f.Path, "err", err)
			continue
		}
		rep.OrphansRemoved++
		rep.OrphanBytes += f.Size
		s.log.Debug("removed orphaned upload", "path", f.Path, "age", now.Sub(f.ModTime))
	}
	return nil
}

// liveInputs returns the inputs of pending and processing jobs.
func (s *Sweeper) liveInputs(ctx context.Context) (map[string]struct{}, error) {
	live := make(map[string]struct{})
	for _, st := range []jobs.Status{jobs.StatusPending, jobs.StatusProcessing} {
		for page := 1; ; page++ {
			res, err := s.store.List(ctx, jobs.ListFilter{Status: st, Page: page, PageSize: common.MaxPageSize})
			if err != nil {
				return nil, fmt.Errorf("list %s jobs: %w", st, err)
			}
			for _, j := range res.Jobs {
				if j.InputRef != "" {
					live[filepath.Clean(j.InputRef)] = struct{}{}
				}
			}
			if page*res.PageSize >= res.Total || len(res.Jobs) == 0 {
				break
			}
		}
	}
	return live, nil
}
