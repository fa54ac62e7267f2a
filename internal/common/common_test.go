package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if HeaderPrefer != "Prefer" || PreferRespondAsync != "respond-async" {
		t.Fatalf("prefer constants mismatch: %q, %q", HeaderPrefer, PreferRespondAsync)
	}
	if PathHealthz != "/healthz" || PathTranscriptions != "/v1/transcriptions" || PathJobs != "/v1/jobs" {
		t.Fatalf("paths mismatch: %q, %q, %q", PathHealthz, PathTranscriptions, PathJobs)
	}
	if PathModels != "/v1/models" || PathLanguages != "/v1/languages" {
		t.Fatalf("catalogue paths mismatch: %q, %q", PathModels, PathLanguages)
	}
	if DefaultQueueCapacity <= 0 || DefaultWorkerCount <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if DefaultPageSize <= 0 || DefaultPageSize > MaxPageSize {
		t.Fatalf("page size defaults inconsistent: %d > %d", DefaultPageSize, MaxPageSize)
	}
	if UploadsDirName == "" {
		t.Fatalf("uploads dir name should be non-empty")
	}
}
