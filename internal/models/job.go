package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
// Transitions are forward-only: pending -> running -> succeeded|failed.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Source kinds accepted at submission.
const (
	SourceText  = "text"
	SourcePDF   = "pdf"
	SourceAudio = "audio"
	SourceImage = "image"
)

// Error kinds attached to failed jobs.
const (
	ErrKindInvalidRequest = "invalid_request"
	ErrKindRecoverable    = "recoverable_stage_failure"
	ErrKindPermanent      = "permanent_stage_failure"
	ErrKindCancelled      = "cancelled"
)

// Source describes the uploaded material a job ingests. Payload carries
// inline text for text sources; PayloadRef points at an uploaded blob for
// pdf/audio/image sources.
type Source struct {
	Kind        string `json:"kind"`
	Payload     string `json:"payload,omitempty"`
	PayloadRef  string `json:"payload_ref,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// JobError is the structured failure attached to a failed job. Stage names
// the pipeline stage that exhausted its retries or failed permanently.
type JobError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is one ingestion request persisted in Postgres. Version is the
// optimistic concurrency token; every write bumps it, and a writer holding a
// stale version loses.
type Job struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Source       Source         `json:"source"`
	Priority     string         `json:"priority"`
	Status       string         `json:"status"`
	Progress     int            `json:"progress"`
	CurrentStage string         `json:"current_stage"`
	Attempts     map[string]int `json:"attempts"`
	ResultRef    *string        `json:"result_ref,omitempty"`
	Error        *JobError      `json:"error,omitempty"`
	Checkpoint   []byte         `json:"-"`
	Version      int            `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// AuditLog is a simple append-only audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
