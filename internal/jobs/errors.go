package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/transcriptor/internal/common"
)

var (
	// ErrNotFound is returned when a job is absent or past its TTL.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when an operation is invalid for the job's status.
	ErrConflict = errors.New("conflict")
	// ErrInvalidParameters is returned when submission parameters fail validation.
	ErrInvalidParameters = errors.New("invalid parameters")
)

// KindOf maps a lifecycle error onto the error kind exposed to clients.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidParameters):
		return KindInvalidParameters
	}
	return KindTranscriptionError
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// prepareCreate validates a new record and stamps its bookkeeping fields.
func prepareCreate(job *Job, now time.Time, ttl time.Duration) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid job status %q", job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.TTLExpiresAt = now.Add(ttl)
	job.Version = 1
	return nil
}

// applyMutation runs fn on a copy of cur and returns the stamped result. The
// identity, creation time and cancel flag of a job cannot be changed by fn.
func applyMutation(cur *Job, fn Mutator, now time.Time, ttl time.Duration) (*Job, error) {
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Params = cur.Params
	if cur.CancelRequested {
		next.CancelRequested = true
	}
	if !next.Status.Valid() {
		return nil, fmt.Errorf("invalid job status %q", next.Status)
	}
	next.UpdatedAt = now
	next.TTLExpiresAt = now.Add(ttl)
	next.Version = cur.Version + 1
	return next, nil
}

func normalizeFilter(f ListFilter) (ListFilter, error) {
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown status %q", ErrInvalidParameters, f.Status)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = common.DefaultPageSize
	}
	if f.PageSize > common.MaxPageSize {
		f.PageSize = common.MaxPageSize
	}
	return f, nil
}

func (f ListFilter) offset() int {
	return (f.Page - 1) * f.PageSize
}
