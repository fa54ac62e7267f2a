package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jo-hoe/transcriptor/internal/engine"
)

type stopReason int

const (
	stopNone      stopReason = iota
	stopCancelled            // cancellation observed and recorded
	stopLost                 // another worker owns the job now
	stopShutdown             // the worker is shutting down
)

// attempt is the outcome of one engine call.
type attempt struct {
	transcript *engine.Transcript
	err        error
	timedOut   bool
	retryable  bool
	stop       stopReason
}

// beatFunc runs once per poll interval with the latest progress value. A
// non-zero stop reason ends the attempt.
type beatFunc func(progress int) stopReason

// run calls the engine in its own goroutine and supervises it. The soft time
// limit cancels the engine context; the hard limit abandons the call. When
// beat is nil no heartbeat runs.
func (e *Executor) run(ctx context.Context, eng engine.Engine, req engine.Request, beat beatFunc) attempt {
	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()

	var latest atomic.Int32
	latest.Store(progressClaimed)
	progress := func(fraction float64) {
		raise(&latest, engineProgress(fraction))
	}

	done := make(chan attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attempt{err: engine.Fatal(fmt.Sprintf("engine panicked: %v", r), nil)}
			}
		}()
		tr, err := eng.Transcribe(engineCtx, req, progress)
		done <- attempt{transcript: tr, err: err}
	}()

	soft := time.NewTimer(e.policy.SoftTimeLimit)
	defer soft.Stop()
	grace := e.policy.HardTimeLimit - e.policy.SoftTimeLimit

	var tick <-chan time.Time
	if beat != nil && e.policy.PollInterval > 0 {
		ticker := time.NewTicker(e.policy.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		hard     <-chan time.Time
		shutdown = ctx.Done()
		softHit  bool
		stop     stopReason
	)
	// stopping cancels the engine and bounds how long it may take to return.
	stopping := func(reason stopReason) {
		stop = reason
		cancelEngine()
		if hard == nil {
			hard = time.After(grace)
		}
	}

	for {
		select {
		case res := <-done:
			res.stop = stop
			if res.err != nil && softHit {
				res.timedOut = true
			}
			if res.stop == stopNone && res.err != nil && ctx.Err() != nil {
				res.stop = stopShutdown
			}
			return res
		case <-soft.C:
			if stop == stopNone {
				softHit = true
				e.log.Warn("soft time limit reached, cancelling engine", "limit", e.policy.SoftTimeLimit)
				stopping(stopNone)
			}
		case <-hard:
			e.log.Error("engine did not stop in time, abandoning attempt", "limit", e.policy.HardTimeLimit)
			return attempt{err: fmt.Errorf("hard time limit %s exceeded", e.policy.HardTimeLimit), timedOut: stop == stopNone, stop: stop}
		case <-shutdown:
			shutdown = nil
			if stop == stopNone {
				stopping(stopShutdown)
			}
		case <-tick:
			if stop != stopNone {
				continue
			}
			if reason := beat(int(latest.Load())); reason != stopNone {
				stopping(reason)
			}
		}
	}
}
