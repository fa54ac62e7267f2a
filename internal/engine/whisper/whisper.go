package whisper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/transcriptor/internal/config"
	"github.com/jo-hoe/transcriptor/internal/engine"
)

var _ engine.Engine = (*Engine)(nil)

// Share of the progress range spent on ffmpeg preprocessing.
const preprocessShare = 0.1

var progressLine = regexp.MustCompile(`progress\s*=\s*(\d{1,3})%`)

// commandResult is an internal process execution response.
type commandResult struct {
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, onLine func(string)) (commandResult, error)
}

// execRunner executes commands via os/exec, streaming stderr lines.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return commandResult{ExitCode: -1}, err
	}
	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1}, err
	}

	var tail bytes.Buffer
	sc := bufio.NewScanner(stderr)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		line := sc.Text()
		if onLine != nil {
			onLine(line)
		}
		tail.WriteString(line)
		tail.WriteByte('\n')
		if tail.Len() > 8192 {
			tail.Next(tail.Len() - 8192)
		}
	}

	err = cmd.Wait()
	res := commandResult{Stderr: tail.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// scanLinesOrCR splits on \n and \r since progress output rewrites the line.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Engine transcribes media with ffmpeg preprocessing and the whisper.cpp CLI.
type Engine struct {
	ffmpegPath  string
	whisperPath string
	modelDir    string
	threads     int
	runner      commandRunner
}

// New creates a whisper.cpp engine.
func New(cfg config.WhisperSettings) *Engine {
	return &Engine{
		ffmpegPath:  cfg.FFmpegPath,
		whisperPath: cfg.BinaryPath,
		modelDir:    cfg.ModelDir,
		threads:     cfg.Threads,
		runner:      &execRunner{},
	}
}

// Factory returns an engine.Factory for whisper.cpp engines.
func Factory(cfg config.WhisperSettings) engine.Factory {
	return func() (engine.Engine, error) {
		if strings.TrimSpace(cfg.ModelDir) == "" {
			return nil, fmt.Errorf("whisper modelDir is required")
		}
		return New(cfg), nil
	}
}

func (e *Engine) Transcribe(ctx context.Context, req engine.Request, progress engine.ProgressFunc) (*engine.Transcript, error) {
	start := time.Now()
	if strings.TrimSpace(req.InputPath) == "" {
		return nil, engine.Fatal("input media path is required", nil)
	}
	if _, err := os.Stat(req.InputPath); err != nil {
		return nil, engine.Fatal("cannot access input media", err)
	}
	modelPath := e.modelPath(req.Model)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, engine.Fatal(fmt.Sprintf("model %q is not installed", req.Model), err)
	}

	tempDir, err := os.MkdirTemp("", "transcriptor-*")
	if err != nil {
		return nil, engine.Transient("failed to create temporary workspace", err)
	}
	defer func() { _ = os.RemoveAll(tempDir) }()

	wavPath := filepath.Join(tempDir, "audio-16k-mono.wav")
	res, err := e.runner.Run(ctx, e.ffmpegPath, buildFFmpegArgs(req.InputPath, wavPath), nil)
	if err != nil {
		return nil, classify(ctx, "ffmpeg audio conversion failed", res, err)
	}
	engine.Report(progress, preprocessShare)

	outBase := filepath.Join(tempDir, "transcript")
	args := buildWhisperArgs(modelPath, wavPath, outBase, req, e.threads)
	res, err = e.runner.Run(ctx, e.whisperPath, args, func(line string) {
		if pct, ok := parseProgress(line); ok {
			engine.Report(progress, preprocessShare+(1-preprocessShare)*float64(pct)/100)
		}
	})
	if err != nil {
		return nil, classify(ctx, "whisper.cpp transcription failed", res, err)
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, engine.Fatal("whisper.cpp completed but transcript json is missing", err)
	}
	tr, err := parseOutput(raw, req.Granularity == engine.GranularityWord)
	if err != nil {
		return nil, engine.Fatal("cannot parse whisper.cpp output", err)
	}
	if tr.Language == "" {
		tr.Language = req.Language
	}
	tr.Elapsed = time.Since(start)
	return tr, nil
}

func (e *Engine) modelPath(model string) string {
	name := strings.TrimSpace(model)
	if name == "" {
		name = engine.DefaultModel
	}
	return filepath.Join(e.modelDir, "ggml-"+name+".bin")
}

// classify maps a failed process run onto a retryable or fatal engine error.
// A process that exited with a status is a property of the input; one that
// was killed or never started points at resource exhaustion.
func classify(ctx context.Context, msg string, res commandResult, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	detail := strings.TrimSpace(res.Stderr)
	if len(detail) > 400 {
		detail = detail[len(detail)-400:]
	}
	wrapped := fmt.Errorf("%w (exit=%d): %s", err, res.ExitCode, detail)
	if res.ExitCode > 0 {
		return engine.Fatal(msg, wrapped)
	}
	return engine.Transient(msg, wrapped)
}

func parseProgress(line string) (int, bool) {
	m := progressLine.FindStringSubmatch(line)
	if len(m) != 2 {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v > 100 {
		return 0, false
	}
	return v, true
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs builds whisper.cpp args for JSON transcript export with progress output.
func buildWhisperArgs(modelPath, audioPath, outBase string, req engine.Request, threads int) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-pp",
	}
	if req.Granularity == engine.GranularityWord {
		args = append(args, "-ojf")
	} else {
		args = append(args, "-oj")
	}
	if lang := strings.TrimSpace(req.Language); lang != "" && !strings.EqualFold(lang, "auto") {
		args = append(args, "-l", lang)
	}
	if req.Temperature > 0 {
		args = append(args, "-tp", strconv.FormatFloat(req.Temperature, 'f', 2, 64))
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}
	return args
}

type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text   string `json:"text"`
		Tokens []struct {
			Text    string `json:"text"`
			Offsets struct {
				From int64 `json:"from"`
				To   int64 `json:"to"`
			} `json:"offsets"`
			P float64 `json:"p"`
		} `json:"tokens"`
	} `json:"transcription"`
}

func parseOutput(raw []byte, words bool) (*engine.Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	tr := &engine.Transcript{Language: out.Result.Language}
	texts := make([]string, 0, len(out.Transcription))
	for i, item := range out.Transcription {
		seg := engine.Segment{
			ID:    i,
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  strings.TrimSpace(item.Text),
		}
		if words {
			var sum float64
			for _, tok := range item.Tokens {
				w := strings.TrimSpace(tok.Text)
				if w == "" || strings.HasPrefix(w, "[_") {
					continue
				}
				seg.Words = append(seg.Words, engine.Word{
					Word:       w,
					Start:      float64(tok.Offsets.From) / 1000,
					End:        float64(tok.Offsets.To) / 1000,
					Confidence: tok.P,
				})
				sum += tok.P
			}
			if len(seg.Words) > 0 {
				seg.Confidence = sum / float64(len(seg.Words))
			}
		}
		tr.Segments = append(tr.Segments, seg)
		if seg.Text != "" {
			texts = append(texts, seg.Text)
		}
		if seg.End > tr.Duration {
			tr.Duration = seg.End
		}
	}
	tr.Text = strings.Join(texts, " ")
	return tr, nil
}
