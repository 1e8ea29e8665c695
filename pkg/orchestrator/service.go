package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

// StatusNotConnected is reported for a source the workspace never connected.
const StatusNotConnected models.CredentialStatus = "not_connected"

// IntegrationStatus is the current view of one (workspace, source).
type IntegrationStatus struct {
	Source              string                  `json:"source"`
	Status              models.CredentialStatus `json:"status"`
	Connected           bool                    `json:"connected"`
	CompanyName         string                  `json:"company_name,omitempty"`
	LastSyncedAt        *time.Time              `json:"last_synced_at,omitempty"`
	LastSyncError       *string                 `json:"last_sync_error,omitempty"`
	SyncIntervalMinutes int                     `json:"sync_interval_minutes"`
	LatestJob           *models.SyncJob         `json:"latest_job,omitempty"`
}

// Status never fails for a missing credential; it reports not_connected.
func (o *Orchestrator) Status(ctx context.Context, workspaceID uuid.UUID, src string, defaultInterval time.Duration) (*IntegrationStatus, error) {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.Status")
	defer span.End()

	status := &IntegrationStatus{
		Source:              src,
		Status:              StatusNotConnected,
		SyncIntervalMinutes: int(defaultInterval / time.Minute),
	}

	cred, err := o.deps.Credentials.Find(ctx, src)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return status, nil
	}

	status.Status = cred.Status
	status.Connected = cred.Status == models.CredentialStatusConnected
	status.LastSyncedAt = cred.LastSyncedAt
	status.LastSyncError = cred.LastSyncError
	status.SyncIntervalMinutes = int(cred.SyncInterval(defaultInterval) / time.Minute)

	if cred.Status != models.CredentialStatusDisconnected {
		if snapshot, err := o.deps.Vault.Open(cred); err == nil {
			status.CompanyName = snapshot.Metadata(models.MetadataCompanyName)
		} else {
			o.logger.WithContext(ctx).WithError(err).WithField("source", src).Warn("credential metadata is unreadable")
		}
	}

	jobs, err := o.deps.Jobs.ListBySource(ctx, src, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		status.LatestJob = &jobs[0]
	}
	return status, nil
}

// Disconnect clears the credential's tokens. Job history is kept.
func (o *Orchestrator) Disconnect(ctx context.Context, workspaceID uuid.UUID, src string) error {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.Disconnect")
	defer span.End()

	if err := o.deps.Credentials.Disconnect(ctx, src); err != nil {
		return err
	}
	o.logger.WithContext(ctx).WithField("source", src).Info("integration disconnected")
	return nil
}

// UpdateSettings changes the credential's sync settings.
func (o *Orchestrator) UpdateSettings(ctx context.Context, workspaceID uuid.UUID, src string, settings models.CredentialSettings) error {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.UpdateSettings")
	defer span.End()

	return o.deps.Credentials.UpdateSettings(ctx, src, settings)
}

func (o *Orchestrator) ListJobs(ctx context.Context, workspaceID uuid.UUID, src string, limit int) ([]models.SyncJob, error) {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.ListJobs")
	defer span.End()

	return o.deps.Jobs.ListBySource(ctx, src, limit)
}
