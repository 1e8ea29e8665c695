package models

import (
	"time"

	"github.com/google/uuid"
)

type SyncJobType string

const (
	SyncJobTypeInitial     SyncJobType = "initial"
	SyncJobTypeIncremental SyncJobType = "incremental"
	SyncJobTypeManual      SyncJobType = "manual"
)

func (t SyncJobType) Valid() bool {
	switch t {
	case SyncJobTypeInitial, SyncJobTypeIncremental, SyncJobTypeManual:
		return true
	}
	return false
}

type SyncJobStatus string

const (
	SyncJobStatusQueued    SyncJobStatus = "queued"
	SyncJobStatusRunning   SyncJobStatus = "running"
	SyncJobStatusSucceeded SyncJobStatus = "succeeded"
	SyncJobStatusFailed    SyncJobStatus = "failed"
)

func (s SyncJobStatus) IsTerminal() bool {
	return s == SyncJobStatusSucceeded || s == SyncJobStatusFailed
}

// SyncJob is one attempt to pull a source into the metric store. Status only
// moves queued -> running -> succeeded|failed.
type SyncJob struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	WorkspaceID      uuid.UUID     `db:"workspace_id" json:"workspace_id"`
	Source           string        `db:"source" json:"source"`
	JobType          SyncJobType   `db:"job_type" json:"job_type"`
	Status           SyncJobStatus `db:"status" json:"status"`
	Attempts         int           `db:"attempts" json:"attempts"`
	StartedAt        *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	RecordsProcessed int           `db:"records_processed" json:"records_processed"`
	ErrorMessage     *string       `db:"error_message" json:"error_message,omitempty"`
	ErrorKind        *string       `db:"error_kind" json:"error_kind,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

func (SyncJob) TableName() string {
	return "sync_jobs"
}

// SyncJobResult is what a finished job records.
type SyncJobResult struct {
	Status           SyncJobStatus
	Attempts         int
	RecordsProcessed int
	ErrorMessage     string
	ErrorKind        string
}

// SyncEvent is published after a job reaches a terminal state.
type SyncEvent struct {
	JobID            uuid.UUID     `json:"job_id"`
	WorkspaceID      uuid.UUID     `json:"workspace_id"`
	Source           string        `json:"source"`
	JobType          SyncJobType   `json:"job_type"`
	Status           SyncJobStatus `json:"status"`
	RecordsProcessed int           `json:"records_processed"`
	ErrorKind        string        `json:"error_kind,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CompletedAt      time.Time     `json:"completed_at"`
}
