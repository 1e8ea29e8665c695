package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const syncJobsTable = "sync_jobs"

var syncJobStruct = database.NewStruct(new(models.SyncJob))

const defaultJobListLimit = 50

type SyncJobRepository struct {
	*Repository
}

func NewSyncJobRepository(db database.DB, logger ectologger.Logger) *SyncJobRepository {
	return &SyncJobRepository{Repository: NewRepository(db, logger)}
}

// Create inserts a queued job. ID is generated when unset.
func (r *SyncJobRepository) Create(ctx context.Context, job *models.SyncJob) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.Create")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.WorkspaceID = workspaceID
	if job.Status == "" {
		job.Status = models.SyncJobStatusQueued
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(syncJobsTable).
		Cols("id", "workspace_id", "source", "job_type", "status", "attempts", "records_processed", "created_at", "updated_at").
		Values(job.ID, job.WorkspaceID, job.Source, job.JobType, job.Status, job.Attempts, job.RecordsProcessed,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.SQL("RETURNING created_at, updated_at")

	query, args := ib.Build()
	if err := r.querier(ctx).QueryRowxContext(ctx, query, args...).Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
			"source":       job.Source,
			"job_type":     job.JobType,
		}).Error("failed to create sync job")
		return internalError("failed to create sync job")
	}

	return nil
}

func (r *SyncJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.GetByID")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := syncJobStruct.SelectFrom(syncJobsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("id", id))

	query, args := sb.Build()
	var job models.SyncJob
	err = r.querier(ctx).GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("sync job %s not found", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("job_id", id).Error("failed to get sync job")
		return nil, internalError("failed to get sync job")
	}

	return &job, nil
}

// FindQueued returns the oldest queued job for the source, or nil.
func (r *SyncJobRepository) FindQueued(ctx context.Context, source string) (*models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.FindQueued")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := syncJobStruct.SelectFrom(syncJobsTable)
	sb.Where(
		sb.Equal("workspace_id", workspaceID),
		sb.Equal("source", source),
		sb.Equal("status", models.SyncJobStatusQueued),
	)
	sb.OrderBy("created_at").Asc().Limit(1)

	query, args := sb.Build()
	var job models.SyncJob
	err = r.querier(ctx).GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("source", source).Error("failed to find queued sync job")
		return nil, internalError("failed to find queued sync job")
	}

	return &job, nil
}

// ListBySource returns the most recent jobs first.
func (r *SyncJobRepository) ListBySource(ctx context.Context, source string, limit int) ([]models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.ListBySource")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultJobListLimit
	}

	sb := syncJobStruct.SelectFrom(syncJobsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("source", source))
	sb.OrderBy("created_at").Desc().Limit(limit)

	query, args := sb.Build()
	jobs := []models.SyncJob{}
	if err := r.querier(ctx).SelectContext(ctx, &jobs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("source", source).Error("failed to list sync jobs")
		return nil, internalError("failed to list sync jobs")
	}

	return jobs, nil
}

// TryStart moves a job from queued to running. It returns false when another
// worker already claimed the job or the job is no longer queued.
func (r *SyncJobRepository) TryStart(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.TryStart")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return false, err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(syncJobsTable).
		Set(
			ub.Assign("status", models.SyncJobStatusRunning),
			"started_at = NOW()",
			"attempts = attempts + 1",
			"updated_at = NOW()",
		).
		Where(
			ub.Equal("workspace_id", workspaceID),
			ub.Equal("id", id),
			ub.Equal("status", models.SyncJobStatusQueued),
		)

	query, args := ub.Build()
	result, err := r.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("job_id", id).Error("failed to start sync job")
		return false, internalError("failed to start sync job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, internalError("failed to start sync job")
	}
	return rows == 1, nil
}

// Complete records the terminal state of a running job.
func (r *SyncJobRepository) Complete(ctx context.Context, id uuid.UUID, result models.SyncJobResult) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.Complete")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	var errorMessage, errorKind *string
	if result.ErrorMessage != "" {
		errorMessage = &result.ErrorMessage
	}
	if result.ErrorKind != "" {
		errorKind = &result.ErrorKind
	}

	ub := database.NewUpdateBuilder()
	ub.Update(syncJobsTable).
		Set(
			ub.Assign("status", result.Status),
			ub.Assign("records_processed", result.RecordsProcessed),
			ub.Assign("error_message", errorMessage),
			ub.Assign("error_kind", errorKind),
			"completed_at = NOW()",
			"updated_at = NOW()",
		).
		Where(
			ub.Equal("workspace_id", workspaceID),
			ub.Equal("id", id),
			ub.Equal("status", models.SyncJobStatusRunning),
		)
	if result.Attempts > 0 {
		ub.SetMore(ub.Assign("attempts", result.Attempts))
	}

	query, args := ub.Build()
	res, err := r.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": id,
			"status": result.Status,
		}).Error("failed to complete sync job")
		return internalError("failed to complete sync job")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return NotFound("running sync job %s not found", id)
	}

	return nil
}
