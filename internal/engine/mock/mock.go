package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jo-hoe/transcriptor/internal/config"
	"github.com/jo-hoe/transcriptor/internal/engine"
)

var _ engine.Engine = (*Engine)(nil)

// Engine is a deterministic stand-in for a speech model. It sleeps for the
// configured delay in equal steps, reporting progress after each step.
type Engine struct {
	delay         time.Duration
	steps         int
	prefix        string
	failTransient int32
	failFatal     bool
	calls         atomic.Int32
}

// New creates a mock engine from settings.
func New(cfg config.MockSettings) *Engine {
	steps := cfg.Steps
	if steps <= 0 {
		steps = 4
	}
	return &Engine{
		delay:         cfg.Delay,
		steps:         steps,
		prefix:        cfg.Prefix,
		failTransient: int32(cfg.FailTransient), // #nosec G115 - small config value
		failFatal:     cfg.FailFatal,
	}
}

// Factory returns an engine.Factory producing mock engines with shared settings.
func Factory(cfg config.MockSettings) engine.Factory {
	return func() (engine.Engine, error) {
		return New(cfg), nil
	}
}

// Calls returns how many times Transcribe was invoked.
func (e *Engine) Calls() int {
	return int(e.calls.Load())
}

func (e *Engine) Transcribe(ctx context.Context, req engine.Request, progress engine.ProgressFunc) (*engine.Transcript, error) {
	n := e.calls.Add(1)
	start := time.Now()

	info, err := os.Stat(req.InputPath)
	if err != nil {
		return nil, engine.Fatal("cannot access input media", err)
	}
	if info.Size() == 0 {
		return nil, engine.Fatal("input media is empty", nil)
	}

	step := e.delay / time.Duration(e.steps)
	for i := 1; i <= e.steps; i++ {
		if step > 0 {
			timer := time.NewTimer(step)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		engine.Report(progress, float64(i)/float64(e.steps))
	}

	if e.failFatal {
		return nil, engine.Fatal("mock fatal failure", nil)
	}
	if n <= e.failTransient {
		return nil, engine.Transient(fmt.Sprintf("mock transient failure %d", n), nil)
	}

	lang := req.Language
	if lang == "" {
		lang = "en"
	}
	text := strings.TrimSpace(fmt.Sprintf("%s %s (model=%s)", e.prefix, filepath.Base(req.InputPath), req.Model))
	seg := engine.Segment{ID: 0, Start: 0, End: float64(info.Size()) / 1000, Text: text, Confidence: -0.1}
	if req.Granularity == engine.GranularityWord {
		for i, w := range strings.Fields(text) {
			seg.Words = append(seg.Words, engine.Word{Word: w, Start: float64(i) * 0.5, End: float64(i)*0.5 + 0.4, Confidence: 0.9})
		}
	}
	return &engine.Transcript{
		Text:     text,
		Language: lang,
		Duration: seg.End,
		Segments: []engine.Segment{seg},
		Elapsed:  time.Since(start),
	}, nil
}
