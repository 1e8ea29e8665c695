package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/orchestrator"
	"github.com/Ramsey-B/sage/pkg/utils"
)

const DefaultJobListLimit = 20

// SyncService is the orchestrator surface the integration routes use.
type SyncService interface {
	EnqueueSync(ctx context.Context, workspaceID uuid.UUID, src string, jobType models.SyncJobType) (*orchestrator.EnqueueResult, error)
	Status(ctx context.Context, workspaceID uuid.UUID, src string, defaultInterval time.Duration) (*orchestrator.IntegrationStatus, error)
	Disconnect(ctx context.Context, workspaceID uuid.UUID, src string) error
	UpdateSettings(ctx context.Context, workspaceID uuid.UUID, src string, settings models.CredentialSettings) error
	ListJobs(ctx context.Context, workspaceID uuid.UUID, src string, limit int) ([]models.SyncJob, error)
}

// ConnectService is the connector surface the integration and OAuth routes use.
type ConnectService interface {
	Connect(ctx context.Context, workspaceID uuid.UUID, src, userID string) (*orchestrator.ConnectResult, error)
	CompleteOAuth(ctx context.Context, params orchestrator.CallbackParams) (*orchestrator.CallbackResult, error)
	SaveAppCredentials(ctx context.Context, workspaceID uuid.UUID, src string, app models.OAuthApp) error
	DeleteAppCredentials(ctx context.Context, workspaceID uuid.UUID, src string) error
}

// IntegrationHandler serves connecting, configuring and syncing one source
// for the caller's workspace.
type IntegrationHandler struct {
	syncs           SyncService
	connector       ConnectService
	defaultInterval time.Duration
}

func NewIntegrationHandler(syncs SyncService, connector ConnectService, defaultInterval time.Duration) *IntegrationHandler {
	return &IntegrationHandler{
		syncs:           syncs,
		connector:       connector,
		defaultInterval: defaultInterval,
	}
}

type SourceRequest struct {
	Source string `param:"source" validate:"required"`
}

type AppCredentialsRequest struct {
	Source       string `param:"source" validate:"required"`
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	RedirectURI  string `json:"redirect_uri" validate:"omitempty,url"`
	Environment  string `json:"environment" validate:"omitempty,oneof=sandbox production"`
}

type SyncRequest struct {
	Source  string `param:"source" validate:"required"`
	JobType string `json:"job_type" validate:"omitempty,oneof=initial incremental manual"`
}

type ListJobsRequest struct {
	Source string `param:"source" validate:"required"`
	Limit  int    `query:"limit" validate:"omitempty,min=1,max=100"`
}

type SettingsRequest struct {
	Source string `param:"source" validate:"required"`
	// Minutes between scheduled syncs; null restores the default
	SyncIntervalMinutes *int `json:"sync_interval_minutes" validate:"omitempty,min=5,max=10080"`
}

// RegisterRoutes registers the integration routes
func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.GET("/:source/connect", h.Connect)
	integrations.GET("/:source/status", h.Status)
	integrations.DELETE("/:source", h.Disconnect)
	integrations.PUT("/:source/app-credentials", h.SaveAppCredentials)
	integrations.DELETE("/:source/app-credentials", h.DeleteAppCredentials)
	integrations.POST("/:source/sync", h.Sync)
	integrations.GET("/:source/jobs", h.ListJobs)
	integrations.PUT("/:source/settings", h.UpdateSettings)
}

// Connect handles GET /integrations/:source/connect
func (h *IntegrationHandler) Connect(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[SourceRequest](c)
	if err != nil {
		return err
	}

	result, err := h.connector.Connect(ctx, workspaceID, req.Source, appctx.GetUserID(ctx))
	if err != nil {
		return err
	}

	return SuccessResponse(c, result)
}

// Status handles GET /integrations/:source/status
func (h *IntegrationHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[SourceRequest](c)
	if err != nil {
		return err
	}

	status, err := h.syncs.Status(ctx, workspaceID, req.Source, h.defaultInterval)
	if err != nil {
		return err
	}

	return SuccessResponse(c, status)
}

// Disconnect handles DELETE /integrations/:source
func (h *IntegrationHandler) Disconnect(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[SourceRequest](c)
	if err != nil {
		return err
	}

	if err := h.syncs.Disconnect(ctx, workspaceID, req.Source); err != nil {
		return err
	}

	return NoContentResponse(c)
}

// SaveAppCredentials handles PUT /integrations/:source/app-credentials
func (h *IntegrationHandler) SaveAppCredentials(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[AppCredentialsRequest](c)
	if err != nil {
		return err
	}

	app := models.OAuthApp{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		RedirectURI:  req.RedirectURI,
		Environment:  req.Environment,
	}
	if err := h.connector.SaveAppCredentials(ctx, workspaceID, req.Source, app); err != nil {
		return err
	}

	return NoContentResponse(c)
}

// DeleteAppCredentials handles DELETE /integrations/:source/app-credentials
func (h *IntegrationHandler) DeleteAppCredentials(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[SourceRequest](c)
	if err != nil {
		return err
	}

	if err := h.connector.DeleteAppCredentials(ctx, workspaceID, req.Source); err != nil {
		return err
	}

	return NoContentResponse(c)
}

// Sync handles POST /integrations/:source/sync. Without a job_type the job
// is a manual sync.
func (h *IntegrationHandler) Sync(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[SyncRequest](c)
	if err != nil {
		return err
	}

	jobType := models.SyncJobTypeManual
	if req.JobType != "" {
		jobType = models.SyncJobType(req.JobType)
	}

	result, err := h.syncs.EnqueueSync(ctx, workspaceID, req.Source, jobType)
	if err != nil {
		return err
	}

	return AcceptedResponse(c, result)
}

// ListJobs handles GET /integrations/:source/jobs
func (h *IntegrationHandler) ListJobs(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[ListJobsRequest](c)
	if err != nil {
		return err
	}
	if req.Limit == 0 {
		req.Limit = DefaultJobListLimit
	}

	jobs, err := h.syncs.ListJobs(ctx, workspaceID, req.Source, req.Limit)
	if err != nil {
		return err
	}

	return SuccessResponse(c, jobs)
}

// UpdateSettings handles PUT /integrations/:source/settings
func (h *IntegrationHandler) UpdateSettings(c echo.Context) error {
	ctx := c.Request().Context()

	workspaceID, err := GetWorkspaceID(c)
	if err != nil {
		return err
	}

	req, err := utils.BindRequest[SettingsRequest](c)
	if err != nil {
		return err
	}

	settings := models.CredentialSettings{SyncIntervalMinutes: req.SyncIntervalMinutes}
	if err := h.syncs.UpdateSettings(ctx, workspaceID, req.Source, settings); err != nil {
		return err
	}

	status, err := h.syncs.Status(ctx, workspaceID, req.Source, h.defaultInterval)
	if err != nil {
		return err
	}

	return SuccessResponse(c, status)
}
