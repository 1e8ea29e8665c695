package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const appCredentialsTable = "oauth_app_credentials"

var appCredentialStruct = database.NewStruct(new(models.AppCredential))

// AppCredentialRepository stores per-workspace OAuth client registrations.
type AppCredentialRepository struct {
	*Repository
}

func NewAppCredentialRepository(db database.DB, logger ectologger.Logger) *AppCredentialRepository {
	return &AppCredentialRepository{Repository: NewRepository(db, logger)}
}

func (r *AppCredentialRepository) FindAppCredential(ctx context.Context, source string) (*models.AppCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "AppCredentialRepository.FindAppCredential")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return nil, err
	}

	sb := appCredentialStruct.SelectFrom(appCredentialsTable)
	sb.Where(sb.Equal("workspace_id", workspaceID), sb.Equal("source", source))

	query, args := sb.Build()
	var app models.AppCredential
	err = r.querier(ctx).GetContext(ctx, &app, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
			"source":       source,
		}).Error("failed to get app credential")
		return nil, internalError("failed to get app credential")
	}

	return &app, nil
}

func (r *AppCredentialRepository) Upsert(ctx context.Context, app *models.AppCredential) error {
	ctx, span := tracing.StartSpan(ctx, "AppCredentialRepository.Upsert")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}
	app.WorkspaceID = workspaceID

	query := `
		INSERT INTO oauth_app_credentials
			(workspace_id, source, client_id_enc, client_secret_enc, redirect_uri, environment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (workspace_id, source) DO UPDATE SET
			client_id_enc = EXCLUDED.client_id_enc,
			client_secret_enc = EXCLUDED.client_secret_enc,
			redirect_uri = EXCLUDED.redirect_uri,
			environment = EXCLUDED.environment,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err = r.querier(ctx).QueryRowxContext(ctx, query,
		app.WorkspaceID, app.Source, app.ClientIDEnc, app.ClientSecretEnc, app.RedirectURI, app.Environment,
	).Scan(&app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"workspace_id": workspaceID,
			"source":       app.Source,
		}).Error("failed to upsert app credential")
		return internalError("failed to save app credential")
	}

	return nil
}

func (r *AppCredentialRepository) Delete(ctx context.Context, source string) error {
	ctx, span := tracing.StartSpan(ctx, "AppCredentialRepository.Delete")
	defer span.End()

	workspaceID, err := GetWorkspaceID(ctx)
	if err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(appCredentialsTable)
	db.Where(db.Equal("workspace_id", workspaceID), db.Equal("source", source))

	query, args := db.Build()
	result, err := r.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("source", source).Error("failed to delete app credential")
		return internalError("failed to delete app credential")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return NotFound("no %s app credential for this workspace", source)
	}

	return nil
}
