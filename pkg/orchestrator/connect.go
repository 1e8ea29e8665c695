package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/sage/pkg/context"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/oauth"
	"github.com/Ramsey-B/sage/pkg/repositories"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/tracing"
	"github.com/Ramsey-B/sage/pkg/vault"
)

// Authorizer runs the authorization code grant.
type Authorizer interface {
	AuthCodeURL(source string, app models.OAuthApp, state string) (string, error)
	Exchange(ctx context.Context, source string, app models.OAuthApp, code string) (models.TokenSet, error)
}

// Connector owns connecting and configuring integrations: app credentials,
// the authorize redirect and the OAuth callback.
type Connector struct {
	orchestrator *Orchestrator
	credentials  repositories.CredentialRepo
	apps         repositories.AppCredentialRepo
	resolver     *vault.Resolver
	vault        *vault.Vault
	states       *vault.StateIssuer
	authorizer   Authorizer
	stateMaxAge  time.Duration
	logger       ectologger.Logger
}

func NewConnector(
	orchestrator *Orchestrator,
	credentials repositories.CredentialRepo,
	apps repositories.AppCredentialRepo,
	resolver *vault.Resolver,
	v *vault.Vault,
	states *vault.StateIssuer,
	authorizer Authorizer,
	stateMaxAge time.Duration,
	logger ectologger.Logger,
) *Connector {
	if stateMaxAge <= 0 {
		stateMaxAge = vault.DefaultStateMaxAge
	}
	return &Connector{
		orchestrator: orchestrator,
		credentials:  credentials,
		apps:         apps,
		resolver:     resolver,
		vault:        v,
		states:       states,
		authorizer:   authorizer,
		stateMaxAge:  stateMaxAge,
		logger:       logger,
	}
}

// ConnectResult carries the authorize URL, or Configured=false when no OAuth
// app exists for the workspace so the caller can prompt for one.
type ConnectResult struct {
	Configured   bool                   `json:"configured"`
	Origin       vault.ResolutionOrigin `json:"origin,omitempty"`
	AuthorizeURL string                 `json:"authorize_url,omitempty"`
}

func (c *Connector) Connect(ctx context.Context, workspaceID uuid.UUID, src, userID string) (*ConnectResult, error) {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx, span := tracing.StartSpan(ctx, "Connector.Connect")
	defer span.End()

	resolution, err := c.resolver.Resolve(ctx, src)
	if err != nil {
		return nil, err
	}
	if !resolution.Configured {
		return &ConnectResult{Configured: false}, nil
	}

	state, err := c.states.CreateOAuthState(workspaceID, src, userID)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("failed to create oauth state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start authorization")
	}
	authorizeURL, err := c.authorizer.AuthCodeURL(src, resolution.App, state)
	if err != nil {
		if errors.Is(err, oauth.ErrUnknownSource) {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unsupported source %q", src)
		}
		return nil, err
	}

	return &ConnectResult{Configured: true, Origin: resolution.Origin, AuthorizeURL: authorizeURL}, nil
}

// CallbackParams are the query parameters of the provider's redirect.
type CallbackParams struct {
	Source  string
	Code    string
	State   string
	RealmID string
	// Set by the provider when the user denied access
	Error string
}

type CallbackResult struct {
	WorkspaceID uuid.UUID       `json:"workspace_id"`
	Source      string          `json:"source"`
	Job         *models.SyncJob `json:"job,omitempty"`
}

// CompleteOAuth verifies the state, exchanges the code, stores the encrypted
// credential and queues its first sync. The workspace comes from the state
// token, never from the request.
func (c *Connector) CompleteOAuth(ctx context.Context, params CallbackParams) (*CallbackResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Connector.CompleteOAuth")
	defer span.End()

	if params.Error != "" {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "authorization was not granted: %s", params.Error)
	}
	if params.Code == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "authorization code is required")
	}

	state, err := c.states.VerifyOAuthState(params.State, c.stateMaxAge)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("rejected oauth state")
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid or expired state")
	}
	if state.Source != params.Source {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "state was issued for a different source")
	}

	ctx = appctx.SetWorkspaceID(ctx, state.WorkspaceID.String())
	ctx = appctx.SetUserID(ctx, state.UserID)

	resolution, err := c.resolver.Resolve(ctx, params.Source)
	if err != nil {
		return nil, err
	}
	if !resolution.Configured {
		return nil, httperror.NewHTTPErrorf(http.StatusConflict, "no oauth app configured for %s", params.Source)
	}

	tokens, err := c.authorizer.Exchange(ctx, params.Source, resolution.App, params.Code)
	if err != nil {
		if syncerr.Classify(err) == syncerr.KindAuthentication {
			return nil, httperror.NewHTTPError(http.StatusBadRequest, "authorization code was rejected")
		}
		return nil, httperror.NewHTTPError(http.StatusBadGateway, "token exchange failed")
	}

	credential, err := c.store(ctx, params, resolution.App, tokens)
	if err != nil {
		return nil, err
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"source":        params.Source,
		"credential_id": credential.ID,
	}).Info("integration connected")

	result := &CallbackResult{WorkspaceID: state.WorkspaceID, Source: params.Source}
	jobType := models.SyncJobTypeIncremental
	if credential.LastSyncedAt == nil {
		jobType = models.SyncJobTypeInitial
	}
	enqueued, err := c.orchestrator.EnqueueSync(ctx, state.WorkspaceID, params.Source, jobType)
	if err != nil {
		// the scheduler picks the credential up on its next pass
		c.logger.WithContext(ctx).WithError(err).Warn("failed to queue first sync")
		return result, nil
	}
	result.Job = enqueued.Job
	return result, nil
}

func (c *Connector) store(ctx context.Context, params CallbackParams, app models.OAuthApp, tokens models.TokenSet) (*models.IntegrationCredential, error) {
	environment := app.Environment
	if environment == "" {
		environment = oauth.EnvironmentSandbox
	}
	metadata := c.existingMetadata(ctx, params.Source)
	if params.RealmID != "" && params.RealmID != metadata[models.MetadataRealmID] {
		// another company: what we knew about the old one no longer applies
		metadata = map[string]string{models.MetadataRealmID: params.RealmID}
	}
	metadata[models.MetadataEnvironment] = environment

	sealed, err := c.vault.SealTokens(tokens)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("failed to encrypt tokens")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to store credential")
	}
	metadataEnc, err := c.vault.SealMetadata(metadata)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("failed to encrypt credential metadata")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to store credential")
	}

	credential := &models.IntegrationCredential{
		Source:          params.Source,
		Status:          models.CredentialStatusConnected,
		AccessTokenEnc:  sealed.AccessTokenEnc,
		RefreshTokenEnc: sealed.RefreshTokenEnc,
		MetadataEnc:     metadataEnc,
	}
	if !tokens.ExpiresAt.IsZero() {
		expiresAt := tokens.ExpiresAt
		credential.TokenExpiresAt = &expiresAt
	}
	if err := c.credentials.Upsert(ctx, credential); err != nil {
		return nil, err
	}
	return credential, nil
}

// existingMetadata returns the stored metadata of a reconnecting credential,
// or an empty map for a new or unreadable one.
func (c *Connector) existingMetadata(ctx context.Context, src string) map[string]string {
	existing, err := c.credentials.Find(ctx, src)
	if err != nil || existing == nil || existing.MetadataEnc == "" {
		return map[string]string{}
	}
	metadata, err := c.vault.OpenMetadata(existing.MetadataEnc)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("replacing unreadable credential metadata")
		return map[string]string{}
	}
	return metadata
}

// SaveAppCredentials stores the workspace's own OAuth client for a source.
func (c *Connector) SaveAppCredentials(ctx context.Context, workspaceID uuid.UUID, src string, app models.OAuthApp) error {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx, span := tracing.StartSpan(ctx, "Connector.SaveAppCredentials")
	defer span.End()

	if strings.TrimSpace(app.ClientID) == "" || strings.TrimSpace(app.ClientSecret) == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "client_id and client_secret are required")
	}
	switch app.Environment {
	case "":
		app.Environment = oauth.EnvironmentSandbox
	case oauth.EnvironmentSandbox, oauth.EnvironmentProduction:
	default:
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid environment %q", app.Environment)
	}

	clientIDEnc, secretEnc, err := c.resolver.SealApp(app)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("failed to encrypt app credentials")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to store app credentials")
	}

	return c.apps.Upsert(ctx, &models.AppCredential{
		Source:          src,
		ClientIDEnc:     clientIDEnc,
		ClientSecretEnc: secretEnc,
		RedirectURI:     app.RedirectURI,
		Environment:     app.Environment,
	})
}

func (c *Connector) DeleteAppCredentials(ctx context.Context, workspaceID uuid.UUID, src string) error {
	ctx = appctx.SetWorkspaceID(ctx, workspaceID.String())
	ctx, span := tracing.StartSpan(ctx, "Connector.DeleteAppCredentials")
	defer span.End()

	return c.apps.Delete(ctx, src)
}
