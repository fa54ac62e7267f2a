// Package lifecycle implements the client-facing job operations: submit,
// inspect, list, cancel and delete.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jo-hoe/transcriptor/internal/broker"
	"github.com/jo-hoe/transcriptor/internal/jobs"
	"github.com/jo-hoe/transcriptor/internal/util"
)

// ErrUnavailable is returned when a job could not be handed to the queue.
var ErrUnavailable = errors.New("job queue unavailable")

// Cleaner releases temporary inputs.
type Cleaner interface {
	Remove(path string) error
}

// SubmitRequest is a validated upload plus its parameters.
type SubmitRequest struct {
	InputRef string
	Params   jobs.Params
	Metadata map[string]any
}

// Service coordinates the job store and the broker on behalf of clients.
// Apart from Cancel and Delete it never mutates a job after creation.
type Service struct {
	log     *slog.Logger
	store   jobs.Store
	broker  broker.Broker
	cleaner Cleaner
	schema  *jsonschema.Schema
}

// New creates a Service.
func New(logger *slog.Logger, store jobs.Store, b broker.Broker, cleaner Cleaner) (*Service, error) {
	schema, err := compileParamsSchema()
	if err != nil {
		return nil, err
	}
	return &Service{log: logger, store: store, broker: b, cleaner: cleaner, schema: schema}, nil
}

// ValidateParams applies defaults to p and checks it against the parameter
// schema. It is used by the inline path, which has no job record.
func (s *Service) ValidateParams(p jobs.Params) (jobs.Params, error) {
	p = WithDefaults(p)
	if err := validateParams(s.schema, p); err != nil {
		return p, err
	}
	return p, nil
}

// Submit creates a pending job for req and publishes it. The input is
// released whenever no job ends up owning it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*jobs.Job, error) {
	params, err := s.ValidateParams(req.Params)
	if err != nil {
		s.release(req.InputRef)
		return nil, err
	}
	if strings.TrimSpace(req.InputRef) == "" {
		return nil, fmt.Errorf("%w: input is required", jobs.ErrInvalidParameters)
	}

	job := &jobs.Job{
		ID:       util.NewID(),
		Status:   jobs.StatusPending,
		InputRef: req.InputRef,
		Params:   params,
		Metadata: req.Metadata,
	}
	if err := s.store.Create(ctx, job); err != nil {
		s.release(req.InputRef)
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.broker.Publish(ctx, job.ID); err != nil {
		s.log.Error("publish failed, rolling back submission", "job_id", job.ID, "err", err)
		if derr := s.store.Delete(ctx, job.ID); derr != nil && !errors.Is(derr, jobs.ErrNotFound) {
			s.log.Error("rollback failed", "job_id", job.ID, "err", derr)
		}
		s.release(req.InputRef)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.log.Info("job submitted", "job_id", job.ID, "model", params.Model, "format", params.ResponseFormat)
	return job, nil
}

// GetStatus returns the job with the given id.
func (s *Service) GetStatus(ctx context.Context, id string) (*jobs.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of jobs, newest first.
func (s *Service) List(ctx context.Context, f jobs.ListFilter) (jobs.ListPage, error) {
	return s.store.List(ctx, f)
}

// Cancel requests cancellation and returns without waiting for it. The
// owning worker observes the flag within one poll interval.
func (s *Service) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is already %s", jobs.ErrConflict, j.ID, j.Status)
		}
		j.CancelRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("cancellation requested", "job_id", id, "status", job.Status)
	return job, nil
}

// Delete removes a job that is not processing, together with its input.
func (s *Service) Delete(ctx context.Context, id string) error {
	// Flagging a pending job first stops a concurrent claim from running it.
	job, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		switch j.Status {
		case jobs.StatusProcessing:
			return fmt.Errorf("%w: job %s is processing, cancel it first", jobs.ErrConflict, j.ID)
		case jobs.StatusPending:
			j.CancelRequested = true
		case jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled:
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	s.release(job.InputRef)
	s.log.Info("job deleted", "job_id", id)
	return nil
}

func (s *Service) release(inputRef string) {
	if inputRef == "" || s.cleaner == nil {
		return
	}
	if err := s.cleaner.Remove(inputRef); err != nil {
		s.log.Warn("cleanup failed", "input_ref", inputRef, "err", err)
	}
}

// modelSpeed is the processing time per second of media, by model size.
var modelSpeed = map[string]float64{
	"tiny":     0.05,
	"base":     0.1,
	"small":    0.2,
	"medium":   0.5,
	"large":    1.0,
	"large-v3": 1.0,
}

// EstimateProcessingTime guesses how long model needs for media of the given
// duration. Unknown models use the base speed.
func EstimateProcessingTime(model string, mediaDuration time.Duration) time.Duration {
	speed, ok := modelSpeed[model]
	if !ok {
		speed = modelSpeed["base"]
	}
	return time.Duration(float64(mediaDuration) * speed).Round(time.Second)
}
