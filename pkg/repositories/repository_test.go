package repositories_test

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/database"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/repositories"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getTestDB(t *testing.T) database.DB {
	t.Helper()
	host, port := testPostgres(t)
	dbName := envOr("DB_NAME", "sage")
	dsn := "host=" + host +
		" port=" + port +
		" user=" + envOr("DB_USER_NAME", "user") +
		" password=" + envOr("DB_PASSWORD", "password") +
		" dbname=" + dbName + " sslmode=disable"
	conn, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	db := database.NewDatabaseInstance(conn, getTestLogger())
	migrations := database.NewMigrationService(getTestLogger(), &database.MigrationConfig{
		MigrationFolderPath: "../../db/pg",
		AutoRollback:        true,
	})
	require.NoError(t, migrations.Migrate(dbName, db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func getTestContext(workspaceID uuid.UUID) context.Context {
	return appctx.SetWorkspaceID(context.Background(), workspaceID.String())
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, status, httperror.GetStatusCode(err))
}

func TestGetWorkspaceID(t *testing.T) {
	_, err := repositories.GetWorkspaceID(context.Background())
	assertStatus(t, err, http.StatusUnauthorized)

	_, err = repositories.GetWorkspaceID(appctx.SetWorkspaceID(context.Background(), "not-a-uuid"))
	assertStatus(t, err, http.StatusUnauthorized)

	id := uuid.New()
	got, err := repositories.GetWorkspaceID(getTestContext(id))
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestCredentialRepository_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewCredentialRepository(db, getTestLogger())
	ctx := getTestContext(uuid.New())

	found, err := repo.Find(ctx, models.SourceQuickBooks)
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = repo.Get(ctx, models.SourceQuickBooks)
	assertStatus(t, err, http.StatusNotFound)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	cred := &models.IntegrationCredential{
		Source:          models.SourceQuickBooks,
		AccessTokenEnc:  "access-1",
		RefreshTokenEnc: "refresh-1",
		TokenExpiresAt:  &expires,
		MetadataEnc:     "meta-1",
	}
	require.NoError(t, repo.Upsert(ctx, cred))
	firstID := cred.ID

	// reconnecting keeps the row and replaces the tokens
	again := &models.IntegrationCredential{Source: models.SourceQuickBooks, AccessTokenEnc: "access-2", RefreshTokenEnc: "refresh-2"}
	require.NoError(t, repo.Upsert(ctx, again))
	assert.Equal(t, firstID, again.ID)

	got, err := repo.Get(ctx, models.SourceQuickBooks)
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessTokenEnc)
	assert.Equal(t, models.CredentialStatusConnected, got.Status)

	status := models.CredentialStatusError
	require.NoError(t, repo.MarkSyncError(ctx, models.SourceQuickBooks, "refresh failed", &status))
	got, err = repo.Get(ctx, models.SourceQuickBooks)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialStatusError, got.Status)
	require.NotNil(t, got.LastSyncError)
	assert.Equal(t, "refresh failed", *got.LastSyncError)

	require.NoError(t, repo.Disconnect(ctx, models.SourceQuickBooks))
	got, err = repo.Get(ctx, models.SourceQuickBooks)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialStatusDisconnected, got.Status)
	assert.Empty(t, got.AccessTokenEnc)
	assert.Nil(t, got.TokenExpiresAt)

	// another workspace sees nothing
	other, err := repo.Find(getTestContext(uuid.New()), models.SourceQuickBooks)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestMetricRepository_UpsertIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewMetricRepository(db, getTestLogger())
	ctx := getTestContext(uuid.New())

	period := time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)
	metric := func(value float64) *models.Metric {
		return &models.Metric{
			MetricID:       "revenue",
			PeriodDate:     period,
			Value:          value,
			Unit:           models.MetricUnitCurrency,
			Currency:       "USD",
			SourceTemplate: models.SourceQuickBooks,
		}
	}

	_, err := repo.Upsert(ctx, metric(100))
	require.NoError(t, err)
	n, err := repo.UpsertBatch(ctx, []*models.Metric{metric(250)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := repo.ListRange(ctx, []string{"revenue"}, period.AddDate(0, -1, 0), period)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 250.0, rows[0].Value)

	latest, err := repo.Latest(ctx, nil, period)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "revenue", latest[0].MetricID)

	deleted, err := repo.DeleteWorkspace(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestSyncJobRepository_TryStartIsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewSyncJobRepository(db, getTestLogger())
	ctx := getTestContext(uuid.New())

	job := &models.SyncJob{Source: models.SourceQuickBooks, JobType: models.SyncJobTypeManual}
	require.NoError(t, repo.Create(ctx, job))

	queued, err := repo.FindQueued(ctx, models.SourceQuickBooks)
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, job.ID, queued.ID)

	started, err := repo.TryStart(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = repo.TryStart(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, started)

	require.NoError(t, repo.Complete(ctx, job.ID, models.SyncJobResult{
		Status:           models.SyncJobStatusSucceeded,
		RecordsProcessed: 12,
	}))
	assertStatus(t, repo.Complete(ctx, job.ID, models.SyncJobResult{Status: models.SyncJobStatusFailed}), http.StatusNotFound)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncJobStatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 12, got.RecordsProcessed)
	assert.NotNil(t, got.CompletedAt)
}
