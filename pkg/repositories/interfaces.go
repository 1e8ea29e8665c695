package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/sage/pkg/models"
)

// CredentialRepo is workspace scoped through ctx.
type CredentialRepo interface {
	Find(ctx context.Context, source string) (*models.IntegrationCredential, error)
	Get(ctx context.Context, source string) (*models.IntegrationCredential, error)
	List(ctx context.Context) ([]models.IntegrationCredential, error)
	Upsert(ctx context.Context, credential *models.IntegrationCredential) error
	UpdateTokens(ctx context.Context, source, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error
	UpdateSettings(ctx context.Context, source string, settings models.CredentialSettings) error
	UpdateMetadata(ctx context.Context, source, metadataEnc string) error
	MarkSynced(ctx context.Context, source string, syncedAt time.Time) error
	MarkSyncError(ctx context.Context, source, message string, status *models.CredentialStatus) error
	Disconnect(ctx context.Context, source string) error
}

type AppCredentialRepo interface {
	FindAppCredential(ctx context.Context, source string) (*models.AppCredential, error)
	Upsert(ctx context.Context, app *models.AppCredential) error
	Delete(ctx context.Context, source string) error
}

type MetricRepo interface {
	Upsert(ctx context.Context, metric *models.Metric) (*models.Metric, error)
	UpsertBatch(ctx context.Context, metrics []*models.Metric) (int, error)
	ListRange(ctx context.Context, metricIDs []string, start, end time.Time) ([]*models.Metric, error)
	Latest(ctx context.Context, metricIDs []string, ref time.Time) ([]*models.Metric, error)
	DeleteWorkspace(ctx context.Context) (int64, error)
}

type SyncJobRepo interface {
	Create(ctx context.Context, job *models.SyncJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncJob, error)
	FindQueued(ctx context.Context, source string) (*models.SyncJob, error)
	ListBySource(ctx context.Context, source string, limit int) ([]models.SyncJob, error)
	TryStart(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, result models.SyncJobResult) error
}
