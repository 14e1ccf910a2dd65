package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/optimode/verifyd/internal/jobstore"
)

// jobChunkSize is how many addresses go through the verifier per batch
// before progress is persisted.
const jobChunkSize = 20

// startBulkJob creates a job row, responds 202 with it, and verifies the
// batch in the background.
func (s *Server) startBulkJob(w http.ResponseWriter, r *http.Request, emails []string) {
	job, err := s.cfg.Jobs.Create(r.Context(), len(emails), map[string]string{
		"source":   "api",
		"clientId": clientID(r),
	})
	if err != nil {
		s.log.Error("job creation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errBody{Message: "Could not create bulk job"})
		return
	}

	go s.runBulkJob(job.ID, emails)
	writeJSON(w, http.StatusAccepted, job)
}

// runBulkJob drives one async job to completion. It deliberately detaches
// from the request context; the job outlives the request.
func (s *Server) runBulkJob(jobID string, emails []string) {
	ctx := context.Background()

	if err := s.cfg.Jobs.SetStatus(ctx, jobID, jobstore.StatusProcessing, ""); err != nil {
		s.log.Error("job status update failed", zap.String("jobID", jobID), zap.Error(err))
		return
	}

	for start := 0; start < len(emails); start += jobChunkSize {
		end := min(start+jobChunkSize, len(emails))
		chunk := emails[start:end]

		results, err := s.cfg.Verifier.VerifyBulk(ctx, chunk)
		if err != nil {
			s.failJob(ctx, jobID, err)
			return
		}

		rows := make([]jobstore.ResultRow, len(results))
		now := time.Now()
		for i, res := range results {
			rows[i] = jobstore.ResultRow{
				JobID:     jobID,
				Email:     res.Email,
				IsValid:   res.IsValid,
				Status:    res.Status,
				Message:   res.Message,
				Domain:    res.Domain,
				MXRecord:  res.MXRecord,
				CreatedAt: now,
			}
		}
		if err := s.cfg.Jobs.AppendResults(ctx, jobID, rows); err != nil {
			s.failJob(ctx, jobID, err)
			return
		}
	}

	if err := s.cfg.Jobs.SetStatus(ctx, jobID, jobstore.StatusCompleted, ""); err != nil {
		s.log.Error("job completion update failed", zap.String("jobID", jobID), zap.Error(err))
	}
	s.log.Info("bulk job completed", zap.String("jobID", jobID), zap.Int("emails", len(emails)))
}

func (s *Server) failJob(ctx context.Context, jobID string, cause error) {
	s.log.Error("bulk job failed", zap.String("jobID", jobID), zap.Error(cause))
	if err := s.cfg.Jobs.SetStatus(ctx, jobID, jobstore.StatusFailed, cause.Error()); err != nil {
		s.log.Error("job failure update failed", zap.String("jobID", jobID), zap.Error(err))
	}
}
