package models

import (
	"time"

	"github.com/google/uuid"
)

// AppCredential is a workspace's own OAuth client registration for a source.
// Client id and secret are stored encrypted.
type AppCredential struct {
	WorkspaceID     uuid.UUID `db:"workspace_id" json:"workspace_id"`
	Source          string    `db:"source" json:"source"`
	ClientIDEnc     string    `db:"client_id_enc" json:"-"`
	ClientSecretEnc string    `db:"client_secret_enc" json:"-"`
	RedirectURI     string    `db:"redirect_uri" json:"redirect_uri"`
	Environment     string    `db:"environment" json:"environment"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

func (AppCredential) TableName() string {
	return "oauth_app_credentials"
}

// OAuthApp is a resolved, decrypted OAuth client configuration.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Environment  string
}
