// Package api exposes the queue over HTTP and streams job output to
// websocket subscribers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ak3tsm7/remote-job-queue/internal/models"
	"github.com/ak3tsm7/remote-job-queue/internal/queue"
	"github.com/ak3tsm7/remote-job-queue/internal/remote"
)

type Server struct {
	queue   *queue.Queue
	hub     *Hub
	limiter *rate.Limiter
	logger  *zap.Logger
	mux     *http.ServeMux
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRateLimit throttles submissions to perMinute, with a burst of the same
// size. Zero disables the throttle.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) {
		if perMinute <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

func New(q *queue.Queue, hub *Hub, opts ...Option) *Server {
	s := &Server{queue: q, hub: hub, logger: zap.NewNop(), mux: http.NewServeMux()}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /add", s.handleSubmit)
	s.mux.HandleFunc("POST /jobs", s.handleSubmit)
	s.mux.HandleFunc("GET /jobs", s.handleList)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /jobs/{id}/logs", s.handleLogs)
	s.mux.HandleFunc("GET /jobs/{id}/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.Handle("GET /ws", s.hub)
}

func (s *Server) Handler() http.Handler {
	return cors(s.mux)
}

// OnLog publishes a worker log line to websocket subscribers together with
// the job's current metadata.
func (s *Server) OnLog(jobID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	job, err := s.queue.GetJobMetadata(ctx, jobID)
	if err != nil {
		s.logger.Debug("metadata lookup for log event failed", zap.String("job_id", jobID), zap.Error(err))
	}
	s.hub.Broadcast(EventLogger, logEvent{
		JobID:     jobID,
		Message:   message,
		Job:       job,
		Timestamp: time.Now().UTC(),
	})
}

type logEvent struct {
	JobID     string           `json:"jobId"`
	Message   string           `json:"message"`
	Job       *models.Metadata `json:"job"`
	Timestamp time.Time        `json:"timestamp"`
}

type cancelEvent struct {
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
}

type submitRequest struct {
	Name     string          `json:"name"`
	Label    string          `json:"label"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	Attempts int             `json:"attempts"`
	Timeout  int             `json:"timeout"`
	Delay    int             `json:"delay"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload, err := decodePayload(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	cfg := models.JobConfig{
		Name:     req.Name,
		Payload:  payload,
		Priority: req.Priority,
		Attempts: req.Attempts,
		Timeout:  req.Timeout,
		Delay:    req.Delay,
	}
	if cfg.Name == "" {
		cfg.Name = req.Label
	}

	job := models.Job{Payload: payload}
	if cmd, ok := job.Command(); ok {
		if err := remote.CheckCommand(cmd); err != nil {
			writeError(w, http.StatusBadRequest, "command not allowed")
			return
		}
	}

	id, err := s.queue.Add(r.Context(), cfg)
	if errors.Is(err, models.ErrInvalidJob) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to add job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add job")
		return
	}

	meta, err := s.queue.GetJobMetadata(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to read new job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add job")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": meta})
}

// decodePayload accepts either an object, used as-is, or any other JSON
// value, which becomes the command under "data".
func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return map[string]any{"data": v}, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.GetAllJobs(r.Context())
	if err != nil {
		s.logger.Error("failed to list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.Metadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJobMetadata(r.Context(), r.PathValue("id"))
	if queue.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.queue.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "failed to cancel job - job not found or not in waiting status")
		return
	}

	s.hub.Broadcast(EventJobCancelled, cancelEvent{JobID: id, Timestamp: time.Now().UTC()})
	writeJSON(w, http.StatusOK, map[string]string{"message": "job canceled successfully"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := queue.DefaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	logs, err := s.queue.GetJobLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.logger.Error("failed to get job logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get job logs")
		return
	}
	if logs == nil {
		logs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.queue.GetJobMetrics(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("failed to get job metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get job metrics")
		return
	}
	if m == nil {
		m = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": m})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "websocketClients": strconv.Itoa(s.hub.Clients())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
