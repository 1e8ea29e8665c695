package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const credentialsTable = "integration_credentials"

var credentialStruct = database.NewStruct(new(models.IntegrationCredential))

// CredentialRepository stores one integration credential per (workspace, source).
// Rows are never hard deleted; Disconnect clears tokens and keeps the row.
type CredentialRepository struct {
	*Repository
}

func NewCredentialRepository(db database.DB, logger ectologger.Logger) *CredentialRepository {
	return &CredentialRepository{Repository: NewRepository(db, logger)}
}

// Find returns nil when the workspace has no credential for source.
func (r *CredentialRepository) Find(ctx context.Context, source string) (*models.IntegrationCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Find")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("source", source))

	query, args := sb.Build()
	var credential models.IntegrationCredential
	err = r.querier(ctx).GetContext(ctx, &credential, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
			"source":       source,
		}).Error("failed to get credential")
		return nil, internalError("failed to get credential")
	}

	return &credential, nil
}

func (r *CredentialRepository) Get(ctx context.Context, source string) (*models.IntegrationCredential, error) {
	credential, err := r.Find(ctx, source)
	if err != nil {
		return nil, err
	}
	if credential == nil {
		return nil, NotFound("no %s credential for this workspace", source)
	}
	return credential, nil
}

func (r *CredentialRepository) List(ctx context.Context) ([]models.IntegrationCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.List")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := credentialStruct.SelectFrom(credentialsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID)).OrderBy("source")

	query, args := sb.Build()
	var credentials []models.IntegrationCredential
	if err := r.querier(ctx).SelectContext(ctx, &credentials, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("workspace_id", workspaceID).Error("failed to list credentials")
		return nil, internalError("failed to list credentials")
	}

	return credentials, nil
}

// Upsert stores the outcome of an OAuth callback. Reconnecting an existing
// (workspace, source) replaces its tokens and clears the last error.
func (r *CredentialRepository) Upsert(ctx context.Context, credential *models.IntegrationCredential) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Upsert")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	credential.WorkspaceID = workspaceID
	if credential.ID == uuid.Nil {
		credential.ID = uuid.New()
	}
	if credential.Status == "" {
		credential.Status = models.CredentialStatusConnected
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(credentialsTable).
		Cols("id", "workspace_id", "source", "status", "access_token_enc", "refresh_token_enc",
			"token_expires_at", "metadata_enc", "settings", "created_at", "updated_at").
		Values(credential.ID, credential.WorkspaceID, credential.Source, credential.Status,
			credential.AccessTokenEnc, credential.RefreshTokenEnc, credential.TokenExpiresAt,
			credential.MetadataEnc, credential.Settings, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.OnConflictUpdate([]string{"workspace_id", "source"},
		database.Excluded("status"),
		database.Excluded("access_token_enc"),
		database.Excluded("refresh_token_enc"),
		database.Excluded("token_expires_at"),
		database.Excluded("metadata_enc"),
		"last_sync_error = NULL",
		"updated_at = NOW()",
	)
	ib.SQL("RETURNING id, settings, last_synced_at, created_at, updated_at")

	query, args := ib.Build()
	err = r.querier(ctx).QueryRowxContext(ctx, query, args...).Scan(
		&credential.ID, &credential.Settings, &credential.LastSyncedAt, &credential.CreatedAt, &credential.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
			"source":       credential.Source,
		}).Error("failed to upsert credential")
		return internalError("failed to save credential")
	}
	credential.LastSyncError = nil

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"credential_id": credential.ID,
		"source":        credential.Source,
	}).Debugf("Upserted %s", credentialsTable)
	return nil
}

func (r *CredentialRepository) UpdateTokens(ctx context.Context, source, accessTokenEnc, refreshTokenEnc string, expiresAt time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.UpdateTokens")
	defer span.End()

	return r.update(ctx, "update credential tokens", source, func(ub *database.UpdateBuilder) {
		ub.Set(
			ub.Assign("access_token_enc", accessTokenEnc),
			ub.Assign("refresh_token_enc", refreshTokenEnc),
			ub.Assign("token_expires_at", expiresAt),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		)
	})
}

func (r *CredentialRepository) UpdateSettings(ctx context.Context, source string, settings models.CredentialSettings) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.UpdateSettings")
	defer span.End()

	return r.update(ctx, "update credential settings", source, func(ub *database.UpdateBuilder) {
		ub.Set(
			ub.Assign("settings", database.JSONB[models.CredentialSettings]{Data: settings}),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		)
	})
}

func (r *CredentialRepository) UpdateMetadata(ctx context.Context, source, metadataEnc string) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.UpdateMetadata")
	defer span.End()

	return r.update(ctx, "update credential metadata", source, func(ub *database.UpdateBuilder) {
		ub.Set(
			ub.Assign("metadata_enc", metadataEnc),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		)
	})
}

// MarkSynced records a successful sync and clears the last error.
func (r *CredentialRepository) MarkSynced(ctx context.Context, source string, syncedAt time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.MarkSynced")
	defer span.End()

	return r.update(ctx, "mark credential synced", source, func(ub *database.UpdateBuilder) {
		ub.Set(
			ub.Assign("last_synced_at", syncedAt),
			"last_sync_error = NULL",
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		)
	})
}

// MarkSyncError records a failed sync. A non-nil status also moves the
// credential, which is how refresh failures put it into error.
func (r *CredentialRepository) MarkSyncError(ctx context.Context, source, message string, status *models.CredentialStatus) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.MarkSyncError")
	defer span.End()

	return r.update(ctx, "mark credential sync error", source, func(ub *database.UpdateBuilder) {
		assignments := []string{
			ub.Assign("last_sync_error", message),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		}
		if status != nil {
			assignments = append(assignments, ub.Assign("status", *status))
		}
		ub.Set(assignments...)
	})
}

// Disconnect is a logical delete: tokens and metadata are cleared and the
// row is kept for the sync job audit trail.
func (r *CredentialRepository) Disconnect(ctx context.Context, source string) error {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.Disconnect")
	defer span.End()

	return r.update(ctx, "disconnect credential", source, func(ub *database.UpdateBuilder) {
		ub.Set(
			ub.Assign("status", models.CredentialStatusDisconnected),
			ub.Assign("access_token_enc", ""),
			ub.Assign("refresh_token_enc", ""),
			"token_expires_at = NULL",
			ub.Assign("metadata_enc", ""),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		)
	})
}

func (r *CredentialRepository) update(ctx context.Context, action, source string, set func(ub *database.UpdateBuilder)) error {
	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(credentialsTable)
	set(ub)
	ub.Where(ub.Equal("workspace_id", workspaceID), ub.Equal("source", source))

	query, args := ub.Build()
	result, err := r.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
			"source":       source,
		}).Errorf("failed to %s", action)
		return internalError("failed to " + action)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return NotFound("no %s credential for this workspace", source)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"workspace_id": workspaceID,
		"source":       source,
	}).Debugf("%s", action)
	return nil
}

// DueCredential is a connected credential whose sync interval has elapsed.
type DueCredential struct {
	WorkspaceID  uuid.UUID  `db:"workspace_id"`
	Source       string     `db:"source"`
	LastSyncedAt *time.Time `db:"last_synced_at"`
}

// ListDue scans every workspace for connected credentials whose last sync is
// older than their interval and that have no queued or running job. It is the
// only cross-workspace query and is used by the scheduler.
func (r *CredentialRepository) ListDue(ctx context.Context, defaultIntervalMinutes, limit int) ([]DueCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "CredentialRepository.ListDue")
	defer span.End()

	query := `
		SELECT c.workspace_id, c.source, c.last_synced_at
		FROM integration_credentials c
		WHERE c.status = $1
			AND (
				c.last_synced_at IS NULL
				OR c.last_synced_at + make_interval(mins => COALESCE((c.settings->>'sync_interval_minutes')::int, $2)) <= NOW()
			)
			AND NOT EXISTS (
				SELECT 1 FROM sync_jobs j
				WHERE j.workspace_id = c.workspace_id
					AND j.source = c.source
					AND j.status IN ('queued', 'running')
			)
		ORDER BY c.last_synced_at NULLS FIRST
		LIMIT $3
	`

	due := []DueCredential{}
	if err := r.db.SelectContext(ctx, &due, query, models.CredentialStatusConnected, defaultIntervalMinutes, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list due credentials")
		return nil, internalError("failed to list due credentials")
	}

	return due, nil
}
