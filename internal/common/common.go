package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
	ContentTypeText    = "text/plain; charset=utf-8"
)

// API paths
const (
	PathHealthz        = "/healthz"
	PathTranscriptions = "/v1/transcriptions"
	PathJobs           = "/v1/jobs"
	PathModels         = "/v1/models"
	PathLanguages      = "/v1/languages"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	DefaultPageSize      = 20
	MaxPageSize          = 100
	SQLiteBusyTimeoutMS  = 5000
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
)

// Upload media types accepted by the uploader, keyed by extension.
const (
	MimeAudioMPEG = "audio/mpeg"
	MimeAudioWAV  = "audio/wav"
	MimeAudioOGG  = "audio/ogg"
	MimeAudioFLAC = "audio/flac"
	MimeAudioMP4  = "audio/mp4"
	MimeVideoMP4  = "video/mp4"
	MimeVideoWebM = "video/webm"
)
