package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jo-hoe/transcriptor/internal/broker"
	"github.com/jo-hoe/transcriptor/internal/common"
	"github.com/jo-hoe/transcriptor/internal/engine"
	"github.com/jo-hoe/transcriptor/internal/jobs"
	"github.com/jo-hoe/transcriptor/internal/lifecycle"
	"github.com/jo-hoe/transcriptor/internal/processor"
	"github.com/jo-hoe/transcriptor/internal/storage"
)

type errorResponse struct {
	Error   jobs.ErrorKind `json:"error"`
	Message string         `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind jobs.ErrorKind, msg string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

// writeFailure maps a domain error onto a status code and error kind.
// Unclassified errors are logged and reported without detail.
func (svc *Service) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidParameters):
		writeError(w, http.StatusBadRequest, jobs.KindOf(err), err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, jobs.KindOf(err), "job not found")
	case errors.Is(err, jobs.ErrConflict):
		writeError(w, http.StatusConflict, jobs.KindOf(err), err.Error())
	case errors.Is(err, storage.ErrUnsupportedMedia):
		writeError(w, http.StatusUnsupportedMediaType, jobs.KindInvalidParameters, err.Error())
	case errors.Is(err, storage.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, jobs.KindInvalidParameters, err.Error())
	case errors.Is(err, storage.ErrEmpty):
		writeError(w, http.StatusBadRequest, jobs.KindInvalidParameters, err.Error())
	case errors.Is(err, lifecycle.ErrUnavailable), errors.Is(err, broker.ErrFull), errors.Is(err, broker.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "queue unavailable, try later")
	case errors.Is(err, processor.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, jobs.KindTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, jobs.KindCancelled, "request cancelled")
	default:
		var engErr *engine.Error
		if errors.As(err, &engErr) {
			writeError(w, http.StatusUnprocessableEntity, jobs.KindTranscriptionError, engErr.Error())
			return
		}
		svc.Log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
