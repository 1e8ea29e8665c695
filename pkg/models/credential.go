package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/sage/pkg/database"
)

const SourceQuickBooks = "quickbooks"

// Credential metadata keys.
const (
	// Remote company id, QuickBooks' realmId
	MetadataRealmID     = "realm_id"
	MetadataEnvironment = "environment"
	MetadataCompanyName = "company_name"
)

type CredentialStatus string

const (
	CredentialStatusPending      CredentialStatus = "pending"
	CredentialStatusConnected    CredentialStatus = "connected"
	CredentialStatusError        CredentialStatus = "error"
	CredentialStatusDisconnected CredentialStatus = "disconnected"
)

// CredentialSettings is the per-credential settings document.
type CredentialSettings struct {
	// Minutes between scheduled syncs, default hourly
	SyncIntervalMinutes *int `json:"sync_interval_minutes,omitempty"`
}

// IntegrationCredential is the stored token set for one (workspace, source)
// pair. Token and metadata columns hold ciphertext.
type IntegrationCredential struct {
	ID              uuid.UUID                          `db:"id" json:"id"`
	WorkspaceID     uuid.UUID                          `db:"workspace_id" json:"workspace_id"`
	Source          string                             `db:"source" json:"source"`
	Status          CredentialStatus                   `db:"status" json:"status"`
	AccessTokenEnc  string                             `db:"access_token_enc" json:"-"`
	RefreshTokenEnc string                             `db:"refresh_token_enc" json:"-"`
	TokenExpiresAt  *time.Time                         `db:"token_expires_at" json:"token_expires_at,omitempty"`
	MetadataEnc     string                             `db:"metadata_enc" json:"-"`
	Settings        database.JSONB[CredentialSettings] `db:"settings" json:"settings"`
	LastSyncedAt    *time.Time                         `db:"last_synced_at" json:"last_synced_at,omitempty"`
	LastSyncError   *string                            `db:"last_sync_error" json:"last_sync_error,omitempty"`
	CreatedAt       time.Time                          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time                          `db:"updated_at" json:"updated_at"`
}

func (IntegrationCredential) TableName() string {
	return "integration_credentials"
}

// SyncInterval returns the configured interval, or def when unset or invalid.
func (c IntegrationCredential) SyncInterval(def time.Duration) time.Duration {
	minutes := c.Settings.Data.SyncIntervalMinutes
	if minutes == nil || *minutes <= 0 {
		return def
	}
	return time.Duration(*minutes) * time.Minute
}

// TokenSet is a decrypted token pair as returned by a token endpoint.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
