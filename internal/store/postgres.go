package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"courseforge/internal/models"
)

// Sentinel errors surfaced to callers.
var (
	ErrNotFound        = errors.New("job not found")
	ErrVersionConflict = errors.New("job version conflict")
	ErrTerminal        = errors.New("job already terminal")
	ErrNotCancellable  = errors.New("job is not pending")
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for job status; all mutations are guarded by optimistic versioning so
// redelivered attempts can never regress a newer writer's progress.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Title    string
	Source   models.Source
	Priority string
}

// CreateJob inserts a pending job row with a fresh id and version 1.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Priority == "" {
		p.Priority = "default"
	}
	sourceJSON, err := json.Marshal(p.Source)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal source: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, title, source, priority, status, progress, current_stage, attempts, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', '{}', 1, $6, $6)
	`, id, p.Title, sourceJSON, p.Priority, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:        id,
		Title:     p.Title,
		Source:    p.Source,
		Priority:  p.Priority,
		Status:    models.StatusPending,
		Attempts:  map[string]int{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, source, priority, status, progress, current_stage, attempts, checkpoint, result_ref, error, version, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var sourceJSON, attemptsJSON []byte
	var checkpoint []byte
	var resultRef pgtype.Text
	var errJSON []byte

	if err := row.Scan(&job.ID, &job.Title, &sourceJSON, &job.Priority, &job.Status, &job.Progress,
		&job.CurrentStage, &attemptsJSON, &checkpoint, &resultRef, &errJSON, &job.Version,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(sourceJSON, &job.Source); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal source: %w", err)
	}
	if err := json.Unmarshal(attemptsJSON, &job.Attempts); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal attempts: %w", err)
	}
	if errJSON != nil {
		job.Error = &models.JobError{}
		if err := json.Unmarshal(errJSON, job.Error); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if resultRef.Valid {
		job.ResultRef = &resultRef.String
	}
	job.Checkpoint = checkpoint
	return job, nil
}

// MarkRunning transitions a pending job to running. Re-marking a running job
// (stage checkpoint redelivery) is a no-op version bump.
func (s *Store) MarkRunning(ctx context.Context, id string, version int) (int, error) {
	return s.guardedUpdate(ctx, id, version, `
		UPDATE jobs SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status IN ('pending', 'running')
		RETURNING version
	`, models.StatusRunning)
}

// UpdateExecution persists a stage transition: current stage, attempts map,
// progress (monotonic via GREATEST), and the serialized pipeline checkpoint.
// Returns the new version for the caller to continue with.
func (s *Store) UpdateExecution(ctx context.Context, id string, version int, stage string, progress int, attempts map[string]int, checkpoint []byte) (int, error) {
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return 0, fmt.Errorf("marshal attempts: %w", err)
	}
	return s.guardedUpdate(ctx, id, version, `
		UPDATE jobs
		SET current_stage = $3, progress = GREATEST(progress, $4), attempts = $5, checkpoint = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status NOT IN ('succeeded', 'failed')
		RETURNING version
	`, stage, progress, attemptsJSON, checkpoint)
}

// MarkSucceeded finalizes a running job with its artifact reference.
func (s *Store) MarkSucceeded(ctx context.Context, id string, version int, resultRef string) error {
	_, err := s.guardedUpdate(ctx, id, version, `
		UPDATE jobs
		SET status = $3, progress = 100, result_ref = $4, error = NULL, checkpoint = NULL,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'running'
		RETURNING version
	`, models.StatusSucceeded, resultRef)
	return err
}

// MarkFailed finalizes a job with a structured, stage-attributed error.
func (s *Store) MarkFailed(ctx context.Context, id string, version int, jobErr models.JobError) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}
	_, err = s.guardedUpdate(ctx, id, version, `
		UPDATE jobs
		SET status = $3, error = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status NOT IN ('succeeded', 'failed')
		RETURNING version
	`, models.StatusFailed, errJSON)
	return err
}

// CancelPending fails a job with a cancelled reason, but only while it is
// still pending; running jobs run to a terminal state.
func (s *Store) CancelPending(ctx context.Context, id string) error {
	errJSON, _ := json.Marshal(models.JobError{Kind: models.ErrKindCancelled, Message: "cancelled before execution"})
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, models.StatusFailed, errJSON)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// CountByStatus returns the number of jobs in the given status, exported as a
// gauge by the worker janitor.
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1
	`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// guardedUpdate runs an optimistic-versioned UPDATE ... RETURNING version and
// classifies the empty-result case into NotFound / Terminal / VersionConflict.
func (s *Store) guardedUpdate(ctx context.Context, id string, version int, sql string, args ...any) (int, error) {
	all := append([]any{id, version}, args...)
	var newVersion int
	err := s.pool.QueryRow(ctx, sql, all...).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("update job: %w", err)
	}
	job, getErr := s.GetJob(ctx, id)
	if getErr != nil {
		return 0, getErr
	}
	if models.Terminal(job.Status) {
		return 0, ErrTerminal
	}
	return 0, ErrVersionConflict
}
