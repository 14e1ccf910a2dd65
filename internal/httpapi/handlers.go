package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/optimode/verifyd/internal/jobstore"
	"github.com/optimode/verifyd/internal/metrics"
	"github.com/optimode/verifyd/internal/ratelimit"
)

func (s *Server) handleValidateEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email json.RawMessage `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == nil {
		writeJSON(w, http.StatusBadRequest, errBody{Message: "Request body must include an email field"})
		return
	}

	var email string
	if err := json.Unmarshal(body.Email, &email); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Message: "email must be a string"})
		return
	}

	res := s.cfg.Verifier.Verify(r.Context(), email)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleValidateEmails(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emails json.RawMessage `json:"emails"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Emails == nil {
		writeJSON(w, http.StatusBadRequest, errBody{Message: "Request body must include an emails array"})
		return
	}

	var emails []string
	if err := json.Unmarshal(body.Emails, &emails); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Message: "emails must be an array of strings"})
		return
	}

	max := s.cfg.Limiter.Config().MaxBulkEmails
	if len(emails) > max {
		writeJSON(w, http.StatusBadRequest, errBody{Message: "Too many emails in one request"})
		return
	}

	if s.cfg.Jobs != nil && len(emails) > s.cfg.InlineThreshold {
		s.startBulkJob(w, r, emails)
		return
	}

	results, err := s.cfg.Verifier.VerifyBulk(r.Context(), emails)
	if err != nil {
		s.log.Error("bulk verification failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errBody{Message: "Bulk verification failed"})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		writeJSON(w, http.StatusNotFound, errBody{Message: "Async jobs are not enabled"})
		return
	}

	jobID := chi.URLParam(r, "jobID")
	job, err := s.cfg.Jobs.Get(r.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errBody{Message: "Job not found"})
		return
	}
	if err != nil {
		s.log.Error("job lookup failed", zap.String("jobID", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errBody{Message: "Job lookup failed"})
		return
	}

	resp := struct {
		jobstore.Job
		Results []jobstore.ResultRow `json:"results,omitempty"`
	}{Job: job}

	if job.Status == jobstore.StatusCompleted {
		rows, err := s.cfg.Jobs.Results(r.Context(), jobID)
		if err != nil {
			s.log.Error("job results lookup failed", zap.String("jobID", jobID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errBody{Message: "Job lookup failed"})
			return
		}
		resp.Results = rows
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeJSON(w, http.StatusOK, metrics.Snapshot{
			HourlyMetrics: []metrics.SeriesPoint{},
			DailyMetrics:  []metrics.SeriesPoint{},
		})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Metrics.Snapshot())
}

func (s *Server) handleGetRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Limiter.Config())
}

func (s *Server) handleSetRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	// Partial update: absent fields keep their current values, so decoding
	// over the current config gives merge semantics for free.
	cfg := s.cfg.Limiter.Config()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Message: "Invalid configuration body"})
		return
	}

	if err := s.cfg.Limiter.SetConfig(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody{Message: err.Error()})
		return
	}

	s.log.Info("rate limit configuration updated",
		zap.Int("requestsPerHour", cfg.RequestsPerHour),
		zap.Int("maxBulkEmails", cfg.MaxBulkEmails),
		zap.Int64("windowMs", cfg.WindowMs),
		zap.Int64("blockDuration", cfg.BlockDuration))

	writeJSON(w, http.StatusOK, struct {
		Message string           `json:"message"`
		Config  ratelimit.Config `json:"config"`
	}{Message: "Rate limit configuration updated", Config: cfg})
}
