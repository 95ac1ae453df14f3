package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"trademark-lead-pipeline/internal/config"
	"trademark-lead-pipeline/internal/export"
	"trademark-lead-pipeline/internal/models"
	"trademark-lead-pipeline/internal/queue"
	"trademark-lead-pipeline/internal/store"
	"trademark-lead-pipeline/internal/telemetry"
)

// JobStore is the slice of the job store the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, serials []string) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	FailJob(ctx context.Context, id, msg string) error
	CancelJob(ctx context.Context, id string) (models.Job, error)
	ResetFailedItems(ctx context.Context, id string) ([]store.ItemRef, error)
	ListResults(ctx context.Context, id string) ([]models.ExtractionResult, error)
}

// JobQueue is the slice of the work queue the API needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, items []queue.Item) error
	CancelJob(ctx context.Context, jobID string) error
}

// ReportPublisher writes a finished XLSX report to its destination.
type ReportPublisher interface {
	Publish(ctx context.Context, jobID string, body []byte) (string, error)
}

// Server wires HTTP handlers for the job lifecycle API.
type Server struct {
	cfg       config.Config
	store     JobStore
	queue     JobQueue
	publisher ReportPublisher
	log       *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st JobStore, q JobQueue, pub ReportPublisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		publisher: pub,
		log:       logger,
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

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/retry", s.handleRetryFailed)
	r.Get("/jobs/{id}/export", s.handleExport)
	r.Post("/jobs/{id}/export/publish", s.handlePublish)
	return r
}

type submitRequest struct {
	SerialNumbers []string `json:"serial_numbers"`
}

type submitResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.SerialNumbers) == 0 {
		http.Error(w, "serial_numbers is required", http.StatusBadRequest)
		return
	}
	serials := make([]string, 0, len(req.SerialNumbers))
	for i, sn := range req.SerialNumbers {
		sn = strings.TrimSpace(sn)
		if sn == "" {
			http.Error(w, fmt.Sprintf("serial_numbers[%d] is empty", i), http.StatusBadRequest)
			return
		}
		serials = append(serials, sn)
	}

	job, err := s.store.CreateJob(r.Context(), serials)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]queue.Item, len(serials))
	for i, sn := range serials {
		items[i] = queue.Item{Position: i, SerialNumber: sn}
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, items); err != nil {
		_ = s.store.FailJob(r.Context(), job.ID, "enqueue failed: "+err.Error())
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	telemetry.JobsSubmitted.Inc()
	s.log.Info("job submitted", "job_id", job.ID, "total", job.Total)
	writeJSON(w, http.StatusAccepted, submitResponse{Job: job})
}

type jobResponse struct {
	Job     models.Job                `json:"job"`
	Results []models.ExtractionResult `json:"results,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := jobResponse{Job: job}
	if r.URL.Query().Get("include") == "results" {
		results, err := s.store.ListResults(r.Context(), id)
		if err != nil {
			s.storeError(w, err)
			return
		}
		resp.Results = results
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.CancelJob(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	// Dropping pending queue work is best effort; leftovers are discarded
	// by the workers once they see the cancelled status.
	if err := s.queue.CancelJob(r.Context(), id); err != nil {
		s.log.Warn("drop queued work", "job_id", id, "err", err)
	}
	telemetry.JobsCancelled.Inc()
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

type retryResponse struct {
	Job     models.Job `json:"job"`
	Retried int        `json:"retried"`
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refs, err := s.store.ResetFailedItems(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if len(refs) > 0 {
		items := make([]queue.Item, len(refs))
		for i, ref := range refs {
			items[i] = queue.Item{Position: ref.Position, SerialNumber: ref.SerialNumber}
		}
		if err := s.queue.Enqueue(r.Context(), id, items); err != nil {
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.log.Info("failed items retried", "job_id", id, "count", len(refs))
	writeJSON(w, http.StatusOK, retryResponse{Job: job, Retried: len(refs)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "xlsx" {
		http.Error(w, "format must be csv or xlsx", http.StatusBadRequest)
		return
	}

	results, err := s.store.ListResults(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}

	var body []byte
	var contentType string
	switch format {
	case "xlsx":
		body, err = export.XLSX(results)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		body, err = export.CSV(results)
		contentType = "text/csv"
	}
	if err != nil {
		http.Error(w, "render export", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="job-%s.%s"`, id, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type publishResponse struct {
	Location string `json:"location"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := s.store.ListResults(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	body, err := export.XLSX(results)
	if err != nil {
		http.Error(w, "render export", http.StatusInternalServerError)
		return
	}
	location, err := s.publisher.Publish(r.Context(), id, body)
	if err != nil {
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, publishResponse{Location: location})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
