package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jo-hoe/transcriptor/internal/engine"
)

// Status represents the lifecycle state of a transcription job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusPending, StatusProcessing:
		return false
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		switch to {
		case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
		return false
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	}
	return false
}

// ErrorKind classifies a job failure.
type ErrorKind string

const (
	KindInvalidParameters  ErrorKind = "invalid_parameters"
	KindNotFound           ErrorKind = "not_found"
	KindConflict           ErrorKind = "conflict"
	KindTranscriptionError ErrorKind = "transcription_error"
	KindTimeout            ErrorKind = "timeout"
	KindCancelled          ErrorKind = "cancelled"
)

// Params is the immutable parameter snapshot captured at submission.
type Params struct {
	Model                string                `json:"model"`
	Language             string                `json:"language,omitempty"`
	ResponseFormat       engine.ResponseFormat `json:"response_format"`
	TimestampGranularity engine.Granularity    `json:"timestamp_granularity"`
	Temperature          float64               `json:"temperature"`
}

// Result is the structured output of a completed job.
type Result struct {
	Text           string           `json:"text"`
	Language       string           `json:"language"`
	Duration       float64          `json:"duration"`
	Segments       []engine.Segment `json:"segments"`
	Output         string           `json:"output,omitempty"` // rendered body for text/srt/vtt
	ProcessingTime float64          `json:"processing_time"`  // seconds
}

// Error is the failure recorded on a failed job.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job describes a single background transcription request.
type Job struct {
	ID              string         `json:"id"`
	Status          Status         `json:"status"`
	Progress        int            `json:"progress"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	FailedAt        *time.Time     `json:"failed_at,omitempty"`
	CancelledAt     *time.Time     `json:"cancelled_at,omitempty"`
	InputRef        string         `json:"input_ref"` // temporary upload, owned by the job until cleanup
	Params          Params         `json:"params"`
	Result          *Result        `json:"result,omitempty"`
	Error           *Error         `json:"error,omitempty"`
	RetryCount      int            `json:"retry_count"`
	CancelRequested bool           `json:"cancel_requested"`
	TTLExpiresAt    time.Time      `json:"ttl_expires_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Owner           string         `json:"owner,omitempty"` // worker slot holding the processing lease
	LeaseExpiresAt  *time.Time     `json:"lease_expires_at,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Version         int64          `json:"version"`
}

// Expired reports whether the record is past its TTL at now.
func (j *Job) Expired(now time.Time) bool {
	return !j.TTLExpiresAt.IsZero() && !now.Before(j.TTLExpiresAt)
}

// LeaseHeld reports whether some worker holds a live processing lease at now.
func (j *Job) LeaseHeld(now time.Time) bool {
	return j.Owner != "" && j.LeaseExpiresAt != nil && now.Before(*j.LeaseExpiresAt)
}

// Transition moves the job to status `to`, stamping the matching timestamp
// and clearing ownership once the job leaves processing.
func (j *Job) Transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: cannot move job %s from %s to %s", ErrConflict, j.ID, j.Status, to)
	}
	j.Status = to
	switch to {
	case StatusProcessing:
		if j.StartedAt == nil {
			j.StartedAt = ptr(now)
		}
	case StatusCompleted:
		j.Progress = 100
		j.Error = nil
		j.CompletedAt = ptr(now)
	case StatusFailed:
		j.Result = nil
		j.FailedAt = ptr(now)
	case StatusCancelled:
		j.Result = nil
		j.CancelledAt = ptr(now)
	case StatusPending:
	}
	if to != StatusProcessing {
		j.Owner = ""
		j.LeaseExpiresAt = nil
	}
	return nil
}

// AdvanceProgress raises progress to p, never lowering it and never reaching
// 100 before completion. It reports whether the value changed.
func (j *Job) AdvanceProgress(p int) bool {
	if p > 99 {
		p = 99
	}
	if p <= j.Progress {
		return false
	}
	j.Progress = p
	return true
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.FailedAt = clonePtr(j.FailedAt)
	c.CancelledAt = clonePtr(j.CancelledAt)
	c.LeaseExpiresAt = clonePtr(j.LeaseExpiresAt)
	if j.Result != nil {
		r := *j.Result
		r.Segments = make([]engine.Segment, len(j.Result.Segments))
		for i, s := range j.Result.Segments {
			s.Words = append([]engine.Word(nil), s.Words...)
			r.Segments[i] = s
		}
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.Metadata = cloneMetadata(j.Metadata)
	return &c
}

// ListFilter selects a page of jobs.
type ListFilter struct {
	Status   Status // empty matches every status
	Page     int    // 1-based
	PageSize int
}

// ListPage is one page of jobs ordered most recent first.
type ListPage struct {
	Jobs     []*Job
	Total    int
	Page     int
	PageSize int
}

// Mutator edits a job inside an atomic read-modify-write. Returning an error
// aborts the write and surfaces the error unchanged. A mutator may run more
// than once when a store retries a lost compare-and-set, so it must not have
// side effects outside the job.
type Mutator func(*Job) error

// Store defines persistence for Jobs and their lifecycle.
//
// Every write refreshes TTLExpiresAt. Records past their TTL are invisible to
// Get, Update and List even before ExpireSweep removes them.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, fn Mutator) (*Job, error)
	List(ctx context.Context, f ListFilter) (ListPage, error)
	Delete(ctx context.Context, id string) error
	ExpireSweep(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// cloneMetadata deep-copies decoded JSON: nested objects and arrays are
// copied, scalars are immutable.
func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
