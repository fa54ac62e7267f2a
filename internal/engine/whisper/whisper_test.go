package whisper

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jo-hoe/transcriptor/internal/engine"
)

type fakeRunner struct {
	calls    [][]string
	output   string
	failName string
	failCode int
	lines    []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (commandResult, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if name == f.failName {
		return commandResult{ExitCode: f.failCode, Stderr: "boom"}, errors.New("command failed")
	}
	if name == "whisper-cli" {
		for _, l := range f.lines {
			if onLine != nil {
				onLine(l)
			}
		}
		var outBase string
		for i, a := range args {
			if a == "-of" && i+1 < len(args) {
				outBase = args[i+1]
			}
		}
		if err := os.WriteFile(outBase+".json", []byte(f.output), 0o600); err != nil {
			return commandResult{}, err
		}
	}
	return commandResult{}, nil
}

const sampleOutput = `{
  "result": {"language": "de"},
  "transcription": [
    {"offsets": {"from": 0, "to": 2500}, "text": " Hallo Welt",
     "tokens": [{"text": "[_BEG_]", "offsets": {"from": 0, "to": 0}, "p": 1},
                {"text": " Hallo", "offsets": {"from": 0, "to": 1200}, "p": 0.8},
                {"text": " Welt", "offsets": {"from": 1200, "to": 2500}, "p": 0.6}]},
    {"offsets": {"from": 2500, "to": 4000}, "text": " zweiter Satz"}
  ]
}`

func newTestEngine(t *testing.T, runner commandRunner) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-base.bin"), []byte("model"), 0o600); err != nil {
		t.Fatalf("write model: %v", err)
	}
	media := filepath.Join(dir, "in.mp3")
	if err := os.WriteFile(media, []byte("ID3"), 0o600); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return &Engine{ffmpegPath: "ffmpeg", whisperPath: "whisper-cli", modelDir: dir, runner: runner}, media
}

func TestEngine_Transcribe_ParsesOutputAndProgress(t *testing.T) {
	runner := &fakeRunner{
		output: sampleOutput,
		lines:  []string{"whisper_print_progress_callback: progress =  50%", "noise", "progress = 100%"},
	}
	e, media := newTestEngine(t, runner)

	var fractions []float64
	tr, err := e.Transcribe(context.Background(), engine.Request{
		InputPath:   media,
		Model:       "base",
		Language:    "de",
		Granularity: engine.GranularityWord,
	}, func(f float64) { fractions = append(fractions, f) })
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Hallo Welt zweiter Satz" || tr.Language != "de" || tr.Duration != 4 {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
	if len(tr.Segments) != 2 || len(tr.Segments[0].Words) != 2 {
		t.Fatalf("unexpected segments: %+v", tr.Segments)
	}
	want := []float64{0.1, 0.55, 1}
	if len(fractions) != len(want) {
		t.Fatalf("progress = %v, want %v", fractions, want)
	}
	for i := range want {
		if math.Abs(fractions[i]-want[i]) > 1e-9 {
			t.Fatalf("progress = %v, want %v", fractions, want)
		}
	}
	if len(runner.calls) != 2 || runner.calls[0][0] != "ffmpeg" {
		t.Fatalf("unexpected calls: %v", runner.calls)
	}
	whisperArgs := strings.Join(runner.calls[1], " ")
	for _, want := range []string{"-ojf", "-l de", "-pp", "ggml-base.bin"} {
		if !strings.Contains(whisperArgs, want) {
			t.Fatalf("whisper args %q missing %q", whisperArgs, want)
		}
	}
}

func TestEngine_MissingModelIsFatal(t *testing.T) {
	e, media := newTestEngine(t, &fakeRunner{output: sampleOutput})
	_, err := e.Transcribe(context.Background(), engine.Request{InputPath: media, Model: "large-v3"}, nil)
	if err == nil || engine.IsRetryable(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestEngine_FFmpegFailureIsFatal(t *testing.T) {
	e, media := newTestEngine(t, &fakeRunner{failName: "ffmpeg", failCode: 1})
	_, err := e.Transcribe(context.Background(), engine.Request{InputPath: media, Model: "base"}, nil)
	if err == nil || engine.IsRetryable(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestEngine_StartFailureIsTransient(t *testing.T) {
	// Exit code -1: the process was killed or never started.
	e, media := newTestEngine(t, &fakeRunner{failName: "whisper-cli", failCode: -1})
	_, err := e.Transcribe(context.Background(), engine.Request{InputPath: media, Model: "base"}, nil)
	if !engine.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestEngine_CancelledContextIsReturned(t *testing.T) {
	e, media := newTestEngine(t, &fakeRunner{failName: "ffmpeg"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Transcribe(ctx, engine.Request{InputPath: media, Model: "base"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBuildWhisperArgs_AutoLanguageAndTemperature(t *testing.T) {
	args := strings.Join(buildWhisperArgs("m.bin", "a.wav", "out", engine.Request{Language: "auto", Temperature: 0.25}, 4), " ")
	if strings.Contains(args, "-l ") {
		t.Fatalf("auto language should not pass -l: %q", args)
	}
	if !strings.Contains(args, "-tp 0.25") || !strings.Contains(args, "-t 4") || !strings.Contains(args, "-oj") {
		t.Fatalf("unexpected args: %q", args)
	}
}

func TestScanLinesOrCR(t *testing.T) {
	adv, tok, _ := scanLinesOrCR([]byte("progress = 5%\rprogress = 10%\n"), false)
	if string(tok) != "progress = 5%" || adv != len("progress = 5%\r") {
		t.Fatalf("unexpected split: %d %q", adv, tok)
	}
}
