package models

import (
	"time"

	"github.com/google/uuid"
)

// CredentialSnapshot is a decrypted, read-only view of a credential taken at
// the start of one sync attempt. It holds no reference to storage; a refresh
// produces a new snapshot via WithTokens.
type CredentialSnapshot struct {
	workspaceID  uuid.UUID
	source       string
	status       CredentialStatus
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	metadata     map[string]string
}

type SnapshotFields struct {
	WorkspaceID  uuid.UUID
	Source       string
	Status       CredentialStatus
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Metadata     map[string]string
}

func NewCredentialSnapshot(f SnapshotFields) CredentialSnapshot {
	return CredentialSnapshot{
		workspaceID:  f.WorkspaceID,
		source:       f.Source,
		status:       f.Status,
		accessToken:  f.AccessToken,
		refreshToken: f.RefreshToken,
		expiresAt:    f.ExpiresAt,
		metadata:     copyMetadata(f.Metadata),
	}
}

func (s CredentialSnapshot) WorkspaceID() uuid.UUID   { return s.workspaceID }
func (s CredentialSnapshot) Source() string           { return s.source }
func (s CredentialSnapshot) Status() CredentialStatus { return s.status }
func (s CredentialSnapshot) AccessToken() string      { return s.accessToken }
func (s CredentialSnapshot) RefreshToken() string     { return s.refreshToken }
func (s CredentialSnapshot) ExpiresAt() time.Time     { return s.expiresAt }

// Metadata returns one opaque metadata value, such as the remote company id.
func (s CredentialSnapshot) Metadata(key string) string {
	return s.metadata[key]
}

// MetadataMap returns a copy of all metadata values.
func (s CredentialSnapshot) MetadataMap() map[string]string {
	return copyMetadata(s.metadata)
}

// NeedsRefresh reports whether the access token is missing, expired, or
// expires within skew of now. A zero expiry is treated as expired.
func (s CredentialSnapshot) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if s.accessToken == "" || s.expiresAt.IsZero() {
		return true
	}
	return !now.Add(skew).Before(s.expiresAt)
}

// WithTokens returns a copy carrying a refreshed token set. An empty refresh
// token keeps the previous one, since some providers do not rotate it.
func (s CredentialSnapshot) WithTokens(tokens TokenSet) CredentialSnapshot {
	next := s
	next.metadata = copyMetadata(s.metadata)
	next.accessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		next.refreshToken = tokens.RefreshToken
	}
	next.expiresAt = tokens.ExpiresAt
	return next
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
