package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/semaphore"

	"github.com/jo-hoe/transcriptor/internal/common"
	"github.com/jo-hoe/transcriptor/internal/config"
	"github.com/jo-hoe/transcriptor/internal/engine"
	"github.com/jo-hoe/transcriptor/internal/health"
	"github.com/jo-hoe/transcriptor/internal/jobs"
	"github.com/jo-hoe/transcriptor/internal/lifecycle"
	"github.com/jo-hoe/transcriptor/internal/processor"
	"github.com/jo-hoe/transcriptor/internal/storage"
	"github.com/jo-hoe/transcriptor/internal/util"
)

// multipartMemory is how much of a multipart body is buffered in memory;
// the rest spills to temporary files.
const multipartMemory = 32 << 20

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Jobs     *lifecycle.Service
	Uploader *storage.Uploader
	Executor *processor.Executor
	Engines  engine.Factory
	Health   *health.Monitor

	inline *semaphore.Weighted
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      svc.Handler(),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

// Handler returns the routed handler.
func (svc *Service) Handler() http.Handler {
	if svc.inline == nil {
		svc.inline = semaphore.NewWeighted(int64(max(svc.Cfg.Server.WorkerCount, 1)))
	}

	r := mux.NewRouter()
	r.Use(recoveryMiddleware(svc.Log), loggingMiddleware(svc.Log))
	r.HandleFunc(common.PathHealthz, svc.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(svc.authMiddleware, svc.bodyLimitMiddleware)
	api.HandleFunc("/transcriptions", svc.handleCreateTranscription).Methods(http.MethodPost)
	api.HandleFunc("/jobs", svc.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", svc.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", svc.handleDeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/cancel", svc.handleCancelJob).Methods(http.MethodPost)
	api.HandleFunc("/models", handleListModels).Methods(http.MethodGet)
	api.HandleFunc("/languages", handleListLanguages).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, jobs.KindNotFound, "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed")
	})
	return r
}

func (svc *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if svc.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	st := svc.Health.Status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

type modelsResponse struct {
	Models       []engine.ModelInfo `json:"models"`
	DefaultModel string             `json:"default_model"`
}

func handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelsResponse{Models: engine.Models, DefaultModel: engine.DefaultModel})
}

func handleListLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]engine.Language{"languages": engine.Languages})
}

type createResponse struct {
	JobID         string      `json:"job_id"`
	Status        jobs.Status `json:"status"`
	StatusURL     string      `json:"status_url"`
	EstimatedTime *int        `json:"estimated_time,omitempty"`
}

func (svc *Service) handleCreateTranscription(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, jobs.KindInvalidParameters, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, jobs.KindInvalidParameters, "invalid form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, jobs.KindInvalidParameters, "file is required")
		return
	}
	params, err := parseParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, jobs.KindInvalidParameters, err.Error())
		return
	}
	metadata, err := parseOptionalJSONMap(r.FormValue("metadata"))
	if err != nil {
		writeError(w, http.StatusBadRequest, jobs.KindInvalidParameters, "invalid metadata json")
		return
	}

	upload, err := svc.Uploader.SaveMultipartMedia(files[0], safeInt64(svc.Cfg.Server.MaxUploadSize))
	if err != nil {
		svc.writeFailure(w, err)
		return
	}

	if wantsAsync(r) {
		svc.submitAsync(w, r, upload, params, metadata)
		return
	}
	svc.runInline(w, r, upload, params)
}

func (svc *Service) submitAsync(w http.ResponseWriter, r *http.Request, upload storage.Upload, params jobs.Params, metadata map[string]any) {
	job, err := svc.Jobs.Submit(r.Context(), lifecycle.SubmitRequest{InputRef: upload.Path, Params: params, Metadata: metadata})
	if err != nil {
		svc.writeFailure(w, err)
		return
	}
	resp := createResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: path.Join(common.PathJobs, job.ID),
	}
	if d, ok := mediaDuration(metadata); ok {
		secs := int(lifecycle.EstimateProcessingTime(job.Params.Model, d).Seconds())
		resp.EstimatedTime = &secs
	}
	w.Header().Set("Location", resp.StatusURL)
	writeJSON(w, http.StatusAccepted, resp)
}

func (svc *Service) runInline(w http.ResponseWriter, r *http.Request, upload storage.Upload, params jobs.Params) {
	release := func() {
		if err := svc.Uploader.Remove(upload.Path); err != nil {
			svc.Log.Warn("cleanup failed", "input_ref", upload.Path, "err", err)
		}
	}
	params, err := svc.Jobs.ValidateParams(params)
	if err != nil {
		release()
		svc.writeFailure(w, err)
		return
	}
	if err := svc.inline.Acquire(r.Context(), 1); err != nil {
		release()
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled while waiting for a worker")
		return
	}
	defer svc.inline.Release(1)

	eng, err := svc.Engines()
	if err != nil {
		release()
		svc.Log.Error("engine setup failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "transcription engine unavailable")
		return
	}
	defer func() {
		if c, ok := eng.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	res, err := svc.Executor.RunInline(r.Context(), eng, processor.InlineRequest{InputPath: upload.Path, Params: params})
	if err != nil {
		svc.Log.Error("inline transcription failed", "err", err)
		svc.writeFailure(w, err)
		return
	}
	switch params.ResponseFormat {
	case engine.FormatText, engine.FormatSRT, engine.FormatVTT:
		w.Header().Set("Content-Type", common.ContentTypeText)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, res.Output)
	case engine.FormatJSON:
		writeJSON(w, http.StatusOK, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.ListFilter{Status: jobs.Status(strings.TrimSpace(q.Get("status")))}
	var err error
	if f.Page, err = optionalInt(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, jobs.KindInvalidParameters, "invalid page")
		return
	}
	if f.PageSize, err = optionalInt(q.Get("page_size")); err != nil {
		writeError(w, http.StatusBadRequest, jobs.KindInvalidParameters, "invalid page_size")
		return
	}
	page, err := svc.Jobs.List(r.Context(), f)
	if err != nil {
		svc.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs.ToListView(page))
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := svc.Jobs.GetStatus(r.Context(), id)
	if err != nil {
		svc.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs.ToView(job))
}

func (svc *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := svc.Jobs.Cancel(r.Context(), id)
	if err != nil {
		svc.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs.ToView(job))
}

func (svc *Service) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := svc.Jobs.Delete(r.Context(), id); err != nil {
		svc.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "deleted": true})
}

// jobID extracts the route id. Malformed ids cannot name a job.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if !util.IsID(id) {
		writeError(w, http.StatusNotFound, jobs.KindNotFound, "job not found")
		return "", false
	}
	return id, true
}

func wantsAsync(r *http.Request) bool {
	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	return strings.Contains(prefer, common.PreferRespondAsync)
}

func parseParams(r *http.Request) (jobs.Params, error) {
	p := jobs.Params{
		Model:                strings.TrimSpace(r.FormValue("model")),
		Language:             strings.TrimSpace(r.FormValue("language")),
		ResponseFormat:       engine.ResponseFormat(strings.TrimSpace(r.FormValue("response_format"))),
		TimestampGranularity: engine.Granularity(strings.TrimSpace(r.FormValue("timestamp_granularity"))),
	}
	if v := strings.TrimSpace(r.FormValue("temperature")); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(t) {
			return p, errors.New("temperature must be a number")
		}
		p.Temperature = t
	}
	return p, nil
}

// mediaDuration reads an optional duration hint in seconds from metadata.
func mediaDuration(metadata map[string]any) (time.Duration, bool) {
	v, ok := metadata["duration"].(float64)
	if !ok || v <= 0 || math.IsInf(v, 0) {
		return 0, false
	}
	return time.Duration(v * float64(time.Second)), true
}

func optionalInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseOptionalJSONMap(s string) (map[string]any, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}
