// Package api exposes task submission and lookup over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"go-flipqueue/ingest"
	"go-flipqueue/model"
	"go-flipqueue/query"
)

const (
	codeInvalidRequest  = "invalid_request"
	codeNoFile          = "no_file"
	codeEmptyUpload     = "empty_upload"
	codeTooLarge        = "too_large"
	codeUnsupportedType = "unsupported_type"
	codeInvalidID       = "invalid_id"
	codeTaskNotFound    = "task_not_found"
	codeAssetNotReady   = "asset_not_ready"
	codeInternal        = "internal"
)

// multipartOverhead is the room left for multipart headers and boundaries on
// top of the upload limit.
const multipartOverhead = 1 << 20

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

type SubmitResponse struct {
	TaskID int64 `json:"taskId"`
}

type Submitter interface {
	Submit(ctx context.Context, up ingest.Upload) (int64, error)
}

type Reader interface {
	GetTask(ctx context.Context, id int64) (model.Task, error)
	GetAsset(ctx context.Context, id int64, variant model.Variant) (query.AssetLocation, error)
}

type Server struct {
	ingest    Submitter
	query     Reader
	maxUpload int64
	logger    *zap.Logger
}

func NewServer(addr string, ingestSvc Submitter, querySvc Reader, maxUpload int64, logger *zap.Logger) *http.Server {
	srv := &Server{
		ingest:    ingestSvc,
		query:     querySvc,
		maxUpload: maxUpload,
		logger:    logger,
	}

	return &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID)
	r.Use(Logging(s.logger))
	r.Use(Recovery(s.logger))

	r.Get("/health", s.health)
	r.Post("/tasks", s.postTask)
	r.Get("/tasks/{id}", s.getTask)
	r.Get("/tasks/{id}/original", s.getAsset(model.VariantOriginal))
	r.Get("/tasks/{id}/flipped", s.getAsset(model.VariantFlipped))

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.handleError(w, "Image too large", codeTooLarge, err, traceID, http.StatusBadRequest)
			return
		}
		s.handleError(w, "Failed to parse form", codeInvalidRequest, err, traceID, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		s.handleError(w, "No image uploaded", codeNoFile, err, traceID, http.StatusBadRequest)
		return
	}
	defer file.Close()

	// Read one byte past the limit so oversize files are still detected.
	data, err := io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		s.handleError(w, "Failed to read image", codeInvalidRequest, err, traceID, http.StatusBadRequest)
		return
	}

	id, err := s.ingest.Submit(r.Context(), ingest.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrEmptyUpload):
			s.handleError(w, "Uploaded image is empty", codeEmptyUpload, err, traceID, http.StatusBadRequest)
		case errors.Is(err, ingest.ErrTooLarge):
			s.handleError(w, "Image too large", codeTooLarge, err, traceID, http.StatusBadRequest)
		case errors.Is(err, ingest.ErrUnsupportedType):
			s.handleError(w, "Unsupported image type", codeUnsupportedType, err, traceID, http.StatusBadRequest)
		default:
			s.handleError(w, "Failed to create task", codeInternal, err, traceID, http.StatusInternalServerError)
		}
		return
	}

	s.logger.Info("task created",
		zap.String("trace_id", traceID),
		zap.Int64("task_id", id),
		zap.String("filename", header.Filename),
	)
	writeJSON(w, s.logger, http.StatusCreated, SubmitResponse{TaskID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())

	id, ok := s.taskID(w, r)
	if !ok {
		return
	}

	task, err := s.query.GetTask(r.Context(), id)
	if err != nil {
		s.handleQueryError(w, err, traceID)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, task)
}

func (s *Server) getAsset(variant model.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := GetTraceID(r.Context())

		id, ok := s.taskID(w, r)
		if !ok {
			return
		}

		loc, err := s.query.GetAsset(r.Context(), id, variant)
		if err != nil {
			s.handleQueryError(w, err, traceID)
			return
		}
		writeJSON(w, s.logger, http.StatusOK, loc)
	}
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.handleError(w, "Invalid task ID", codeInvalidID, err, GetTraceID(r.Context()), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) handleQueryError(w http.ResponseWriter, err error, traceID string) {
	var notReady *query.AssetNotReadyError
	switch {
	case errors.Is(err, query.ErrTaskNotFound):
		s.handleError(w, "Task not found", codeTaskNotFound, err, traceID, http.StatusNotFound)
	case errors.As(err, &notReady):
		s.handleError(w, "Asset not available in state "+string(notReady.State), codeAssetNotReady, err, traceID, http.StatusConflict)
	default:
		s.handleError(w, "Failed to look up task", codeInternal, err, traceID, http.StatusInternalServerError)
	}
}

func (s *Server) handleError(w http.ResponseWriter, message, code string, err error, traceID string, status int) {
	logger := s.logger.Warn
	if status >= http.StatusInternalServerError {
		logger = s.logger.Error
	}
	logger(message,
		zap.String("trace_id", traceID),
		zap.String("code", code),
		zap.Error(err),
	)

	writeJSON(w, s.logger, status, ErrorResponse{
		Error:   message,
		Code:    code,
		TraceID: traceID,
	})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Int("status", status), zap.Error(err))
	}
}
