package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"job-alert-pipeline/internal/alerts"
	"job-alert-pipeline/internal/config"
	"job-alert-pipeline/internal/models"
	"job-alert-pipeline/internal/queue"
	"job-alert-pipeline/internal/store"
	"job-alert-pipeline/internal/telemetry"
)

// Server wires the ops/producer HTTP surface. The job-board CRUD proper lives
// elsewhere; this API only exposes what the pipeline needs operationally.
type Server struct {
	cfg   config.Config
	store *store.Store
	queue *queue.Service
}

// New constructs the API server. queue may be degraded (uninitialized) when
// the queue backend was unreachable at startup; task endpoints then return
// 503 while the rest of the API stays up.
func New(cfg config.Config, st *store.Store, qs *queue.Service) *Server {
	return &Server{
		cfg:   cfg,
		store: st,
		queue: qs,
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

	r.Post("/alerts", s.handleCreateAlert)
	r.Post("/alerts/run/{cadence}", s.handleRunCadence)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/queues/{name}/dlq", s.handleDLQ)
	return r
}

type createAlertRequest struct {
	UserID           string   `json:"user_id"`
	Name             string   `json:"name"`
	Query            string   `json:"query"`
	City             string   `json:"city"`
	State            string   `json:"state"`
	JobTypes         []string `json:"job_types"`
	Skills           []string `json:"skills"`
	ExperienceLevels []string `json:"experience_levels"`
	IncludeRemote    bool     `json:"include_remote"`
	Frequency        string   `json:"frequency"`
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	freq := models.Frequency(req.Frequency)
	if !freq.Valid() {
		http.Error(w, "frequency must be daily, weekly, or monthly", http.StatusBadRequest)
		return
	}

	alert, err := s.store.CreateAlert(r.Context(), models.Alert{
		UserID:           req.UserID,
		Name:             req.Name,
		Query:            req.Query,
		City:             req.City,
		State:            req.State,
		JobTypes:         req.JobTypes,
		Skills:           req.Skills,
		ExperienceLevels: req.ExperienceLevels,
		IncludeRemote:    req.IncludeRemote,
		Frequency:        freq,
		IsActive:         true,
	})
	if errors.Is(err, store.ErrAlertLimit) {
		http.Error(w, "active alert limit reached", http.StatusConflict)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

// handleRunCadence enqueues one cadence batch on demand, outside the cron
// calendar. Useful for ops and backfills.
func (s *Server) handleRunCadence(w http.ResponseWriter, r *http.Request) {
	cadence := models.Frequency(chi.URLParam(r, "cadence"))
	if !cadence.Valid() {
		http.Error(w, "cadence must be daily, weekly, or monthly", http.StatusBadRequest)
		return
	}
	taskType := map[models.Frequency]string{
		models.FrequencyDaily:   alerts.TaskDaily,
		models.FrequencyWeekly:  alerts.TaskWeekly,
		models.FrequencyMonthly: alerts.TaskMonthly,
	}[cadence]

	task, deduped, err := s.queue.Enqueue(r.Context(), alerts.QueueName, taskType, map[string]any{"manual": true}, queue.EnqueueOptions{})
	if errors.Is(err, queue.ErrNotInitialized) {
		http.Error(w, "queue backend unavailable", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task, "deduplicated": deduped})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDLQ returns a queue's dead-letter contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	items, err := s.queue.DLQPeek(r.Context(), name, 100)
	if errors.Is(err, queue.ErrNotInitialized) {
		http.Error(w, "queue backend unavailable", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
