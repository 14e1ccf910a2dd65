// Package jobstore persists bulk verification jobs and their per-email
// result rows in SQLite, so oversized bulk requests can be processed
// asynchronously and fetched later.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Job statuses.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrNotFound reports an unknown job id.
var ErrNotFound = errors.New("jobstore: job not found")

// Job is one bulk verification job row.
type Job struct {
	ID              string            `json:"id"`
	Status          Status            `json:"status"`
	TotalEmails     int               `json:"totalEmails"`
	ProcessedEmails int               `json:"processedEmails"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ResultRow is one verified email belonging to a job.
type ResultRow struct {
	JobID     string    `json:"jobId"`
	Email     string    `json:"email"`
	IsValid   bool      `json:"isValid"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Domain    string    `json:"domain"`
	MXRecord  *string   `json:"mxRecord"`
	CreatedAt time.Time `json:"createdAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	total_emails INTEGER NOT NULL,
	processed_emails INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS job_results (
	job_id TEXT NOT NULL REFERENCES jobs(id),
	email TEXT NOT NULL,
	is_valid INTEGER NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL,
	domain TEXT NOT NULL,
	mx_record TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS job_results_job_id ON job_results(job_id);
`

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if necessary) the store at path. Use ":memory:" for
// an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open %s: %w", path, err)
	}
	// SQLite handles one writer; a single pooled connection also keeps
	// ":memory:" stores coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: init schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts a new pending job and returns it.
func (s *Store) Create(ctx context.Context, totalEmails int, metadata map[string]string) (Job, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return Job{}, fmt.Errorf("jobstore: marshal metadata: %w", err)
	}

	job := Job{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		TotalEmails: totalEmails,
		CreatedAt:   s.now().UTC().Truncate(time.Millisecond),
		Metadata:    metadata,
	}
	job.UpdatedAt = job.CreatedAt

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, total_emails, processed_emails, created_at, updated_at, error, metadata)
		 VALUES (?, ?, ?, 0, ?, ?, '', ?)`,
		job.ID, job.Status, job.TotalEmails,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(), string(meta))
	if err != nil {
		return Job{}, fmt.Errorf("jobstore: insert job: %w", err)
	}
	return job, nil
}

// SetStatus transitions a job. errMsg is recorded for StatusFailed and
// cleared otherwise.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if status != StatusFailed {
		errMsg = ""
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("jobstore: update status: %w", err)
	}
	return checkFound(res)
}

// AppendResults stores a batch of result rows and advances the owning
// job's progress counter in the same transaction.
func (s *Store) AppendResults(ctx context.Context, jobID string, rows []ResultRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO job_results (job_id, email, is_valid, status, message, domain, mx_record, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, r.Email, r.IsValid, r.Status, r.Message, r.Domain, r.MXRecord, now); err != nil {
			return fmt.Errorf("jobstore: insert result: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET processed_emails = processed_emails + ?, updated_at = ? WHERE id = ?`,
		len(rows), now, jobID)
	if err != nil {
		return fmt.Errorf("jobstore: update progress: %w", err)
	}
	if err := checkFound(res); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns one job row.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	var (
		job             Job
		created, updated int64
		meta            string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, total_emails, processed_emails, created_at, updated_at, error, metadata
		 FROM jobs WHERE id = ?`, id).
		Scan(&job.ID, &job.Status, &job.TotalEmails, &job.ProcessedEmails,
			&created, &updated, &job.Error, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobstore: get job: %w", err)
	}
	job.CreatedAt = time.UnixMilli(created).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
		return Job{}, fmt.Errorf("jobstore: decode metadata: %w", err)
	}
	return job, nil
}

// Results returns a job's result rows in insertion order.
func (s *Store) Results(ctx context.Context, jobID string) ([]ResultRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, email, is_valid, status, message, domain, mx_record, created_at
		 FROM job_results WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ResultRow
	for rows.Next() {
		var (
			r       ResultRow
			created int64
		)
		if err := rows.Scan(&r.JobID, &r.Email, &r.IsValid, &r.Status, &r.Message,
			&r.Domain, &r.MXRecord, &created); err != nil {
			return nil, fmt.Errorf("jobstore: scan result: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func checkFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
