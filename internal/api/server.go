package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bulk-action-pipeline/internal/archive"
	"bulk-action-pipeline/internal/config"
	"bulk-action-pipeline/internal/ingest"
	"bulk-action-pipeline/internal/models"
	"bulk-action-pipeline/internal/ratelimit"
	"bulk-action-pipeline/internal/store"
	"bulk-action-pipeline/internal/telemetry"
)

// User-facing messages for the upload endpoint.
const (
	msgRequiredCSV    = "Please upload a CSV file to proceed."
	msgRequiredFields = "Both entityType and actionType fields are required."
	msgQueued         = "Success! Your bulk action has been queued for processing."
	msgServerErr      = "An unexpected error occurred. Please try again later."
	msgInvalidAction  = "The specified actionType is not supported."
)

// Server wires HTTP handlers for the bulk action boundary.
type Server struct {
	cfg      config.Config
	store    *store.Store
	producer *ingest.Producer
	archiver *archive.Archiver
	limiter  *ratelimit.FixedWindow
	log      *logrus.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, producer *ingest.Producer, archiver *archive.Archiver, limiter *ratelimit.FixedWindow, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		producer: producer,
		archiver: archiver,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/bulk-actions", s.handleCreate)
	r.Get("/bulk-actions", s.handleList)
	r.Get("/bulk-actions/{actionId}", s.handleGet)
	r.Get("/bulk-actions/{actionId}/stats", s.handleStats)
	r.Get("/poison", s.handlePoison)
	return r
}

type createResponse struct {
	ActionID string `json:"actionId"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+clientIP(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, msgServerErr)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later.")
			return
		}
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, msgRequiredCSV)
		return
	}
	entityType := r.FormValue("entityType")
	actionType := r.FormValue("actionType")
	if entityType == "" || actionType == "" {
		writeError(w, http.StatusBadRequest, msgRequiredFields)
		return
	}
	if actionType != models.ActionBulkUpdate {
		writeError(w, http.StatusBadRequest, msgInvalidAction)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, msgRequiredCSV)
		return
	}
	defer file.Close()

	filePath, err := s.saveUpload(file)
	if err != nil {
		s.log.WithError(err).Error("failed to store uploaded file")
		writeError(w, http.StatusInternalServerError, msgServerErr)
		return
	}

	action, err := s.store.CreateAction(r.Context(), entityType, actionType, filePath)
	if err != nil {
		s.log.WithError(err).Error("failed to create bulk action")
		writeError(w, http.StatusInternalServerError, msgServerErr)
		return
	}
	s.log.WithField("action_id", action.ID).Info("bulk action queued")

	// Producing happens off the request path; the caller polls status.
	go s.runIngest(action)

	writeJSON(w, http.StatusCreated, createResponse{
		ActionID: action.ID,
		Status:   action.Status,
		Message:  msgQueued,
	})
}

// runIngest streams the file onto the main topic, then persists the final
// total and flips the record to PROCESSING. Failures leave already-published
// batches in flight; the persisted total reflects only rows streamed before
// the abort.
func (s *Server) runIngest(action models.BulkAction) {
	ctx := context.Background()
	total, err := s.producer.Run(ctx, action.FilePath, action.EntityType, action.ID)
	if err != nil {
		s.log.WithError(err).WithField("action_id", action.ID).Error("file ingestion aborted")
	}

	if _, err := s.store.MarkProcessing(ctx, action.ID, total); err != nil {
		s.log.WithError(err).WithField("action_id", action.ID).Error("failed to record total count")
		return
	}

	if s.archiver != nil {
		if _, err := s.archiver.Archive(ctx, action.FilePath, action.ID); err != nil {
			s.log.WithError(err).WithField("action_id", action.ID).Warn("source file archive failed")
		}
	}
}

func (s *Server) saveUpload(file io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, uuid.New().String()+".csv")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return "", fmt.Errorf("write upload file: %w", err)
	}
	return path, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	actions, err := s.store.ListActions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgServerErr)
		return
	}
	if actions == nil {
		actions = []models.BulkAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	action, err := s.store.GetAction(r.Context(), chi.URLParam(r, "actionId"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Bulk action not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgServerErr)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	action, err := s.store.GetAction(r.Context(), chi.URLParam(r, "actionId"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Bulk action not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgServerErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actionId":       action.ID,
		"totalCount":     action.TotalCount,
		"processedCount": action.ProcessedCount,
		"successCount":   action.SuccessCount,
		"failureCount":   action.FailureCount,
		"skippedCount":   action.SkippedCount,
	})
}

// handlePoison returns the newest dead-lettered batches for manual triage.
func (s *Server) handlePoison(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListPoison(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgServerErr)
		return
	}
	if items == nil {
		items = []models.PoisonBatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
