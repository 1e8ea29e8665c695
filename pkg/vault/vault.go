package vault

import (
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/syncerr"
)

// Vault converts between stored credential rows and decrypted snapshots.
type Vault struct {
	cipher *Cipher
}

func New(c *Cipher) *Vault {
	return &Vault{cipher: c}
}

func (v *Vault) Cipher() *Cipher {
	return v.cipher
}

// Open decrypts cred into a snapshot. A decrypt failure means the credential
// is unusable and is classified as a configuration error.
func (v *Vault) Open(cred *models.IntegrationCredential) (models.CredentialSnapshot, error) {
	access, err := v.cipher.Decrypt(cred.AccessTokenEnc)
	if err != nil {
		return models.CredentialSnapshot{}, syncerr.New(syncerr.KindConfiguration, "vault.Open", fmt.Errorf("access token unusable: %w", err))
	}
	refresh, err := v.cipher.Decrypt(cred.RefreshTokenEnc)
	if err != nil {
		return models.CredentialSnapshot{}, syncerr.New(syncerr.KindConfiguration, "vault.Open", fmt.Errorf("refresh token unusable: %w", err))
	}
	metadata, err := v.OpenMetadata(cred.MetadataEnc)
	if err != nil {
		return models.CredentialSnapshot{}, syncerr.New(syncerr.KindConfiguration, "vault.Open", err)
	}

	fields := models.SnapshotFields{
		WorkspaceID:  cred.WorkspaceID,
		Source:       cred.Source,
		Status:       cred.Status,
		AccessToken:  access,
		RefreshToken: refresh,
		Metadata:     metadata,
	}
	if cred.TokenExpiresAt != nil {
		fields.ExpiresAt = *cred.TokenExpiresAt
	}
	return models.NewCredentialSnapshot(fields), nil
}

// OpenMetadata decrypts a credential's metadata column. An empty column is an
// empty map.
func (v *Vault) OpenMetadata(enc string) (map[string]string, error) {
	plaintext, err := v.cipher.Decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("metadata unusable: %w", err)
	}
	metadata := map[string]string{}
	if plaintext == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(plaintext), &metadata); err != nil {
		return nil, fmt.Errorf("metadata malformed: %w", err)
	}
	return metadata, nil
}

// SealedTokens holds ciphertext ready for the credential row.
type SealedTokens struct {
	AccessTokenEnc  string
	RefreshTokenEnc string
}

func (v *Vault) SealTokens(tokens models.TokenSet) (SealedTokens, error) {
	access, err := v.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return SealedTokens{}, err
	}
	refresh, err := v.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return SealedTokens{}, err
	}
	return SealedTokens{AccessTokenEnc: access, RefreshTokenEnc: refresh}, nil
}

func (v *Vault) SealMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return v.cipher.Encrypt(string(raw))
}
