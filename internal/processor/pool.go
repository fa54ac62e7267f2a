package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jo-hoe/transcriptor/internal/broker"
	"github.com/jo-hoe/transcriptor/internal/common"
	"github.com/jo-hoe/transcriptor/internal/engine"
	"github.com/jo-hoe/transcriptor/internal/util"
)

// errorBackoff is how long a slot waits after a broker or engine setup error.
const errorBackoff = time.Second

// Pool runs a fixed number of worker slots. Each slot owns one engine and
// processes at most one job at a time.
type Pool struct {
	log            *slog.Logger
	exec           *Executor
	broker         broker.Broker
	factory        engine.Factory
	slots          int
	maxJobsPerSlot int
	instance       string

	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	started    bool
	mu         sync.Mutex
}

// NewPool creates a pool. A maxJobsPerSlot of zero disables engine recycling.
func NewPool(logger *slog.Logger, exec *Executor, b broker.Broker, factory engine.Factory, slots, maxJobsPerSlot int) *Pool {
	if slots <= 0 {
		slots = common.DefaultWorkerCount
	}
	return &Pool{
		log:            logger,
		exec:           exec,
		broker:         b,
		factory:        factory,
		slots:          slots,
		maxJobsPerSlot: maxJobsPerSlot,
		instance:       instanceID(),
	}
}

// instanceID names this process for lease ownership.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + util.NewID()[:8]
}

// Start launches the worker slots.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.slots; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}
	p.started = true
	p.log.Info("worker pool started", "slots", p.slots, "instance", p.instance, "max_jobs_per_slot", p.maxJobsPerSlot)
	return nil
}

func (p *Pool) slot(ctx context.Context, idx int) {
	defer p.wg.Done()
	owner := fmt.Sprintf("%s/%d", p.instance, idx)
	log := p.log.With("worker", idx)

	var (
		eng       engine.Engine
		processed int
	)
	defer func() { closeEngine(log, eng) }()

	for {
		if ctx.Err() != nil {
			log.Debug("worker stopping due to context cancellation")
			return
		}
		if eng == nil {
			var err error
			if eng, err = p.factory(); err != nil {
				log.Error("engine setup failed", "err", err)
				eng = nil
				if !sleep(ctx, errorBackoff) {
					return
				}
				continue
			}
			processed = 0
		}

		msg, err := p.broker.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				log.Debug("worker exiting", "err", err)
				return
			}
			log.Error("consume failed", "err", err)
			if !sleep(ctx, errorBackoff) {
				return
			}
			continue
		}

		start := time.Now()
		outcome, err := p.exec.Process(ctx, eng, owner, msg)
		if err != nil {
			log.Error("job processing failed", "job_id", msg.JobID, "err", err, "duration", time.Since(start))
		} else {
			log.Debug("job processed", "job_id", msg.JobID, "outcome", outcome, "duration", time.Since(start))
		}
		if !outcome.ranEngine() {
			continue
		}
		processed++
		if p.maxJobsPerSlot > 0 && processed >= p.maxJobsPerSlot {
			log.Info("recycling engine", "processed", processed)
			closeEngine(log, eng)
			eng = nil
		}
	}
}

// Shutdown stops the slots and waits up to deadline for in-flight jobs to
// be handed back. A zero deadline waits indefinitely.
func (p *Pool) Shutdown(deadline time.Duration) {
	p.cancelOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			p.wg.Wait()
		}()
		if deadline <= 0 {
			<-done
			return
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			p.log.Info("worker pool stopped")
		case <-timer.C:
			p.log.Warn("worker pool shutdown deadline exceeded", "deadline", deadline)
		}
	})
}

func closeEngine(log *slog.Logger, eng engine.Engine) {
	if c, ok := eng.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("close engine failed", "err", err)
		}
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
