package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jo-hoe/transcriptor/internal/broker"
	"github.com/jo-hoe/transcriptor/internal/config"
	"github.com/jo-hoe/transcriptor/internal/engine"
	"github.com/jo-hoe/transcriptor/internal/jobs"
)

// Progress checkpoints. Engine fractions are mapped onto the range between
// progressEngineStart and progressEngineEnd.
const (
	progressClaimed     = 5
	progressEngineStart = 10
	progressEngineEnd   = 95
	progressFormatting  = 97
)

// maxBackoffFactor caps exponential retry delays.
const maxBackoffFactor = 32

// writeTimeout bounds store and broker writes that must finish during shutdown.
const writeTimeout = 10 * time.Second

// ErrTimeout is returned by RunInline when the hard time limit elapses.
var ErrTimeout = errors.New("transcription timed out")

var (
	errSkip          = errors.New("job not claimable")
	errLostOwnership = errors.New("job ownership lost")
)

// Cleaner releases a job's temporary input.
type Cleaner interface {
	Remove(path string) error
}

// Policy bounds a single execution attempt and the retry budget.
type Policy struct {
	MaxRetries    int
	RetryDelay    time.Duration
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	PollInterval  time.Duration
	LeaseDuration time.Duration
}

// PolicyFromConfig converts job settings into an execution policy.
func PolicyFromConfig(c config.JobsConfig) Policy {
	return Policy{
		MaxRetries:    c.MaxRetries,
		RetryDelay:    c.RetryDelay,
		SoftTimeLimit: c.SoftTimeLimit,
		HardTimeLimit: c.HardTimeLimit,
		PollInterval:  c.PollInterval,
		LeaseDuration: c.LeaseDuration,
	}
}

// Outcome reports what Process did with a delivery.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRetried   Outcome = "retried"
	OutcomeRequeued  Outcome = "requeued" // interrupted by shutdown
	OutcomeLost      Outcome = "lost"     // another worker took over
)

// ranEngine reports whether the outcome consumed an engine call.
func (o Outcome) ranEngine() bool {
	return o != OutcomeSkipped
}

// Executor runs one job delivery at a time on behalf of a worker slot. It is
// the only writer of a job while it holds the job's processing lease.
type Executor struct {
	log     *slog.Logger
	store   jobs.Store
	broker  broker.Broker
	cleaner Cleaner
	policy  Policy
	now     func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(logger *slog.Logger, store jobs.Store, b broker.Broker, cleaner Cleaner, policy Policy) *Executor {
	return &Executor{
		log:     logger,
		store:   store,
		broker:  b,
		cleaner: cleaner,
		policy:  policy,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process executes the job referenced by msg using eng. owner identifies the
// calling worker slot and must be unique across all running workers.
//
// Store and broker failures are returned without acking msg, so the broker
// redelivers it once the visibility timeout elapses. Engine failures never
// escape: they become job state transitions.
func (e *Executor) Process(ctx context.Context, eng engine.Engine, owner string, msg broker.Message) (Outcome, error) {
	log := e.log.With("job_id", msg.JobID, "owner", owner)
	// Writes must land even while the worker is shutting down.
	wctx := context.WithoutCancel(ctx)

	job, err := e.store.Get(wctx, msg.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			log.Info("job no longer exists, dropping message")
			return OutcomeSkipped, e.ack(wctx, msg)
		}
		return "", fmt.Errorf("load job: %w", err)
	}
	if job.Status.IsTerminal() {
		// Redelivery after a terminal write; make sure cleanup happened.
		log.Debug("job already terminal, dropping message", "status", job.Status)
		e.release(log, job.InputRef)
		return OutcomeSkipped, e.ack(wctx, msg)
	}

	claimed, outcome, err := e.claim(wctx, msg.JobID, owner)
	if err != nil {
		if errors.Is(err, errSkip) {
			log.Info("job is owned by another worker, dropping duplicate delivery")
			return OutcomeSkipped, e.ack(wctx, msg)
		}
		if errors.Is(err, jobs.ErrNotFound) {
			return OutcomeSkipped, e.ack(wctx, msg)
		}
		return "", fmt.Errorf("claim job: %w", err)
	}
	if claimed.Status.IsTerminal() {
		log.Info("job finished without running", "status", claimed.Status, "retry_count", claimed.RetryCount)
		e.release(log, claimed.InputRef)
		return outcome, e.ack(wctx, msg)
	}

	log.Info("processing job", "retry_count", claimed.RetryCount, "model", claimed.Params.Model)
	start := time.Now()
	res := e.run(ctx, eng, engineRequest(claimed.InputRef, claimed.Params), func(progress int) stopReason {
		return e.heartbeat(wctx, log, msg, owner, progress)
	})

	finished := res.err == nil && res.transcript != nil
	switch res.stop {
	case stopCancelled:
		log.Info("job cancelled", "duration", time.Since(start))
		e.release(log, claimed.InputRef)
		return OutcomeCancelled, e.ack(wctx, msg)
	case stopLost:
		log.Warn("lost job ownership, abandoning attempt")
		return OutcomeLost, e.ack(wctx, msg)
	case stopShutdown:
		if !finished {
			return e.requeueOnShutdown(wctx, log, msg, owner)
		}
		// The engine returned a transcript before it observed the shutdown.
		log.Info("engine finished during shutdown, recording result")
	case stopNone:
	}

	if res.err == nil {
		return e.complete(wctx, log, msg, owner, claimed, res.transcript)
	}
	return e.fail(wctx, log, msg, owner, res)
}

// claim atomically moves the job into processing under owner's lease.
func (e *Executor) claim(ctx context.Context, id, owner string) (*jobs.Job, Outcome, error) {
	var outcome Outcome
	job, err := e.store.Update(ctx, id, func(j *jobs.Job) error {
		now := e.now()
		outcome = ""
		switch j.Status {
		case jobs.StatusPending:
			if j.CancelRequested {
				outcome = OutcomeCancelled
				return j.Transition(jobs.StatusCancelled, now)
			}
			if err := j.Transition(jobs.StatusProcessing, now); err != nil {
				return err
			}
		case jobs.StatusProcessing:
			if j.LeaseHeld(now) && j.Owner != owner {
				return errSkip
			}
			// The previous owner stopped heartbeating; this is a re-attempt.
			if j.CancelRequested {
				outcome = OutcomeCancelled
				return j.Transition(jobs.StatusCancelled, now)
			}
			if j.RetryCount >= e.policy.MaxRetries {
				outcome = OutcomeFailed
				if err := j.Transition(jobs.StatusFailed, now); err != nil {
					return err
				}
				j.Error = &jobs.Error{Kind: jobs.KindTranscriptionError, Message: "worker stopped responding and the retry budget is exhausted"}
				return nil
			}
			j.RetryCount++
		case jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled:
			return errSkip
		}
		j.Owner = owner
		j.LeaseExpiresAt = ptr(now.Add(e.policy.LeaseDuration))
		j.AdvanceProgress(progressClaimed)
		return nil
	})
	return job, outcome, err
}

// heartbeat extends the lease, publishes progress and observes cancellation
// in a single atomic write.
func (e *Executor) heartbeat(ctx context.Context, log *slog.Logger, msg broker.Message, owner string, progress int) stopReason {
	stop := stopNone
	_, err := e.store.Update(ctx, msg.JobID, func(j *jobs.Job) error {
		now := e.now()
		stop = stopNone
		if err := owned(j, owner); err != nil {
			return err
		}
		if j.CancelRequested {
			stop = stopCancelled
			return j.Transition(jobs.StatusCancelled, now)
		}
		j.LeaseExpiresAt = ptr(now.Add(e.policy.LeaseDuration))
		j.AdvanceProgress(progress)
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errLostOwnership), errors.Is(err, jobs.ErrNotFound):
		return stopLost
	default:
		// Nothing was committed, so a cancellation seen by the mutator has not
		// been recorded yet. Keep running; the next beat observes it again.
		stop = stopNone
		log.Warn("heartbeat write failed", "err", err)
	}
	if err := e.broker.Touch(ctx, msg); err != nil {
		if errors.Is(err, broker.ErrUnknownMessage) {
			log.Warn("broker message expired while processing; the lease still guards the job")
		} else {
			log.Warn("extend message visibility failed", "err", err)
		}
	}
	return stop
}

func (e *Executor) complete(ctx context.Context, log *slog.Logger, msg broker.Message, owner string, claimed *jobs.Job, tr *engine.Transcript) (Outcome, error) {
	if _, err := e.store.Update(ctx, msg.JobID, func(j *jobs.Job) error {
		if err := owned(j, owner); err != nil {
			return err
		}
		j.AdvanceProgress(progressFormatting)
		return nil
	}); err != nil && !errors.Is(err, errLostOwnership) {
		return "", fmt.Errorf("record progress: %w", err)
	}

	result, renderErr := buildResult(tr, claimed.Params)
	if renderErr != nil {
		return e.fail(ctx, log, msg, owner, attempt{err: engine.Fatal("format transcript", renderErr)})
	}

	var outcome Outcome
	final, err := e.store.Update(ctx, msg.JobID, func(j *jobs.Job) error {
		now := e.now()
		if err := owned(j, owner); err != nil {
			return err
		}
		if j.CancelRequested {
			outcome = OutcomeCancelled
			return j.Transition(jobs.StatusCancelled, now)
		}
		outcome = OutcomeCompleted
		j.Result = result
		return j.Transition(jobs.StatusCompleted, now)
	})
	if err != nil {
		if errors.Is(err, errLostOwnership) || errors.Is(err, jobs.ErrNotFound) {
			log.Warn("lost job ownership before completion")
			return OutcomeLost, e.ack(ctx, msg)
		}
		return "", fmt.Errorf("record result: %w", err)
	}
	log.Info("job finished", "status", final.Status, "processing_time", result.ProcessingTime)
	e.release(log, final.InputRef)
	return outcome, e.ack(ctx, msg)
}

func (e *Executor) fail(ctx context.Context, log *slog.Logger, msg broker.Message, owner string, res attempt) (Outcome, error) {
	kind, retryable := classify(res)
	message := res.err.Error()

	var outcome Outcome
	final, err := e.store.Update(ctx, msg.JobID, func(j *jobs.Job) error {
		now := e.now()
		if err := owned(j, owner); err != nil {
			return err
		}
		switch {
		case j.CancelRequested:
			outcome = OutcomeCancelled
			return j.Transition(jobs.StatusCancelled, now)
		case retryable && j.RetryCount < e.policy.MaxRetries:
			outcome = OutcomeRetried
			if err := j.Transition(jobs.StatusPending, now); err != nil {
				return err
			}
			j.RetryCount++
			return nil
		default:
			outcome = OutcomeFailed
			if err := j.Transition(jobs.StatusFailed, now); err != nil {
				return err
			}
			j.Error = &jobs.Error{Kind: kind, Message: message}
			return nil
		}
	})
	if err != nil {
		if errors.Is(err, errLostOwnership) || errors.Is(err, jobs.ErrNotFound) {
			log.Warn("lost job ownership before recording failure", "err", res.err)
			return OutcomeLost, e.ack(ctx, msg)
		}
		return "", fmt.Errorf("record failure: %w", err)
	}

	if outcome == OutcomeRetried {
		delay := e.retryDelay(final.RetryCount)
		log.Warn("attempt failed, retrying", "err", res.err, "kind", kind, "retry_count", final.RetryCount, "delay", delay)
		if err := e.broker.PublishAfter(ctx, msg.JobID, delay); err != nil {
			// Leave msg unacked so it is redelivered instead.
			return "", fmt.Errorf("schedule retry: %w", err)
		}
		return outcome, e.ack(ctx, msg)
	}

	log.Error("job finished", "status", final.Status, "err", res.err, "kind", kind, "retry_count", final.RetryCount)
	e.release(log, final.InputRef)
	return outcome, e.ack(ctx, msg)
}

// requeueOnShutdown hands an interrupted attempt back to the queue. The
// interruption consumes one attempt from the retry budget.
func (e *Executor) requeueOnShutdown(ctx context.Context, log *slog.Logger, msg broker.Message, owner string) (Outcome, error) {
	res := attempt{err: errors.New("interrupted by worker shutdown")}
	outcome, err := e.fail(ctx, log, msg, owner, attemptRetryable(res))
	if outcome == OutcomeRetried {
		return OutcomeRequeued, err
	}
	return outcome, err
}

func (e *Executor) retryDelay(retryCount int) time.Duration {
	if e.policy.RetryDelay <= 0 {
		return 0
	}
	factor := 1
	for i := 1; i < retryCount && factor < maxBackoffFactor; i++ {
		factor *= 2
	}
	return e.policy.RetryDelay * time.Duration(factor)
}

func (e *Executor) ack(ctx context.Context, msg broker.Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := e.broker.Ack(ctx, msg); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// release removes the job's temporary input. Failures are logged; the
// sweeper reclaims anything left behind.
func (e *Executor) release(log *slog.Logger, inputRef string) {
	if inputRef == "" || e.cleaner == nil {
		return
	}
	if err := e.cleaner.Remove(inputRef); err != nil {
		log.Warn("cleanup failed", "input_ref", inputRef, "err", err)
	}
}

func owned(j *jobs.Job, owner string) error {
	if j.Status != jobs.StatusProcessing || j.Owner != owner {
		return errLostOwnership
	}
	return nil
}

// classify maps a failed attempt onto an error kind and retryability.
func classify(res attempt) (jobs.ErrorKind, bool) {
	switch {
	case res.timedOut:
		return jobs.KindTimeout, true
	case res.retryable:
		return jobs.KindTranscriptionError, true
	case engine.IsRetryable(res.err):
		return jobs.KindTranscriptionError, true
	}
	return jobs.KindTranscriptionError, false
}

func attemptRetryable(a attempt) attempt {
	a.retryable = true
	return a
}

func engineRequest(inputPath string, p jobs.Params) engine.Request {
	return engine.Request{
		InputPath:   inputPath,
		Model:       p.Model,
		Language:    p.Language,
		Granularity: p.TimestampGranularity,
		Temperature: p.Temperature,
	}
}

func buildResult(tr *engine.Transcript, p jobs.Params) (*jobs.Result, error) {
	if tr == nil {
		return nil, errors.New("engine returned no transcript")
	}
	out, err := engine.Render(tr, p.ResponseFormat)
	if err != nil {
		return nil, err
	}
	return &jobs.Result{
		Text:           tr.Text,
		Language:       tr.Language,
		Duration:       tr.Duration,
		Segments:       tr.Segments,
		Output:         out,
		ProcessingTime: tr.Elapsed.Seconds(),
	}, nil
}

// engineProgress converts an engine fraction into a job progress value.
func engineProgress(fraction float64) int32 {
	return int32(progressEngineStart + fraction*(progressEngineEnd-progressEngineStart))
}

// raise stores p in v if it is larger than the current value.
func raise(v *atomic.Int32, p int32) {
	for {
		cur := v.Load()
		if p <= cur || v.CompareAndSwap(cur, p) {
			return
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}

// InlineRequest is a synchronous transcription that bypasses the queue.
type InlineRequest struct {
	InputPath string
	Params    jobs.Params
}

// RunInline transcribes req on the calling goroutine under the same time
// limits as queued jobs and always releases the input.
func (e *Executor) RunInline(ctx context.Context, eng engine.Engine, req InlineRequest) (*jobs.Result, error) {
	log := e.log.With("mode", "inline")
	defer e.release(log, req.InputPath)

	res := e.run(ctx, eng, engineRequest(req.InputPath, req.Params), nil)
	switch {
	case res.stop == stopShutdown:
		return nil, fmt.Errorf("transcription interrupted: %w", context.Cause(ctx))
	case res.timedOut:
		return nil, fmt.Errorf("%w: %v", ErrTimeout, res.err)
	case res.err != nil:
		return nil, res.err
	}
	return buildResult(res.transcript, req.Params)
}
