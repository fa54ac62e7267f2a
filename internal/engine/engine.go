package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ResponseFormat selects how a transcript is rendered.
type ResponseFormat string

const (
	FormatJSON ResponseFormat = "json"
	FormatText ResponseFormat = "text"
	FormatSRT  ResponseFormat = "srt"
	FormatVTT  ResponseFormat = "vtt"
)

// Granularity selects the timestamp level of a transcript.
type Granularity string

const (
	GranularitySegment Granularity = "segment"
	GranularityWord    Granularity = "word"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "base"

// ModelInfo describes a model size understood by the engines.
type ModelInfo struct {
	Name     string `json:"name"`
	Size     string `json:"size"`
	Speed    string `json:"speed"` // relative to large-v3
	Accuracy string `json:"accuracy"`
}

// Models lists the model sizes understood by the engines, smallest first.
var Models = []ModelInfo{
	{Name: "tiny", Size: "75 MB", Speed: "32x", Accuracy: "basic"},
	{Name: "base", Size: "142 MB", Speed: "16x", Accuracy: "good"},
	{Name: "small", Size: "466 MB", Speed: "6x", Accuracy: "better"},
	{Name: "medium", Size: "1.5 GB", Speed: "2x", Accuracy: "high"},
	{Name: "large", Size: "2.9 GB", Speed: "1x", Accuracy: "best"},
	{Name: "large-v3", Size: "2.9 GB", Speed: "1x", Accuracy: "best"},
}

// ModelNames returns the names in Models.
func ModelNames() []string {
	names := make([]string, 0, len(Models))
	for _, m := range Models {
		names = append(names, m.Name)
	}
	return names
}

// Language is an ISO-639-1 code with its English name.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Languages lists the most common languages the engines recognise. Any
// ISO-639-1 code is accepted; an empty code means auto-detect.
var Languages = []Language{
	{Code: "en", Name: "English"},
	{Code: "es", Name: "Spanish"},
	{Code: "fr", Name: "French"},
	{Code: "de", Name: "German"},
	{Code: "it", Name: "Italian"},
	{Code: "pt", Name: "Portuguese"},
	{Code: "ru", Name: "Russian"},
	{Code: "zh", Name: "Chinese"},
	{Code: "ja", Name: "Japanese"},
	{Code: "ko", Name: "Korean"},
	{Code: "ar", Name: "Arabic"},
	{Code: "hi", Name: "Hindi"},
	{Code: "nl", Name: "Dutch"},
	{Code: "pl", Name: "Polish"},
	{Code: "tr", Name: "Turkish"},
}

// Request is one transcription call.
type Request struct {
	InputPath   string
	Model       string
	Language    string // empty means auto-detect
	Granularity Granularity
	Temperature float64
}

// Word is a word-level timestamp.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Segment is a timestamped span of transcribed text.
type Segment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words,omitempty"`
}

// Transcript is what an engine returns on success.
type Transcript struct {
	Text     string        `json:"text"`
	Language string        `json:"language"`
	Duration float64       `json:"duration"`
	Segments []Segment     `json:"segments"`
	Elapsed  time.Duration `json:"-"`
}

// ProgressFunc receives the completed fraction of the call, in [0, 1].
type ProgressFunc func(fraction float64)

// Engine is the transcription capability handed to workers.
// Implementations must honour ctx cancellation on a best-effort basis.
type Engine interface {
	Transcribe(ctx context.Context, req Request, progress ProgressFunc) (*Transcript, error)
}

// Factory builds a fresh Engine. Worker slots call it again when they recycle.
type Factory func() (Engine, error)

// Error is a classified engine failure.
type Error struct {
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure (resource exhaustion and the like).
func Transient(msg string, err error) error {
	return &Error{Retryable: true, Message: msg, Err: err}
}

// Fatal wraps err as a permanent failure (corrupt input and the like).
func Fatal(msg string, err error) error {
	return &Error{Retryable: false, Message: msg, Err: err}
}

// IsRetryable reports whether err is a classified retryable engine failure.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// Report forwards a progress fraction when a callback is configured.
func Report(cb ProgressFunc, fraction float64) {
	if cb == nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	cb(fraction)
}
