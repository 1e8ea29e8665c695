package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const DefaultStateMaxAge = 600 * time.Second

var (
	ErrInvalidState = errors.New("invalid oauth state")
	ErrStateExpired = errors.New("oauth state expired")
)

// OAuthState is the payload carried through the provider's authorize redirect.
type OAuthState struct {
	WorkspaceID uuid.UUID `json:"w"`
	Source      string    `json:"s"`
	UserID      string    `json:"u"`
	IssuedAt    int64     `json:"t"`
	Nonce       string    `json:"n"`
}

// StateIssuer creates and verifies encrypted OAuth state tokens.
type StateIssuer struct {
	cipher *Cipher
	now    func() time.Time
}

func NewStateIssuer(c *Cipher) *StateIssuer {
	return &StateIssuer{cipher: c, now: time.Now}
}

func (s *StateIssuer) CreateOAuthState(workspaceID uuid.UUID, source, userID string) (string, error) {
	payload, err := json.Marshal(OAuthState{
		WorkspaceID: workspaceID,
		Source:      source,
		UserID:      userID,
		IssuedAt:    s.now().Unix(),
		Nonce:       uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	return s.cipher.Encrypt(string(payload))
}

// VerifyOAuthState rejects tokens that fail to decrypt, are malformed, or are
// older than maxAge. A zero maxAge uses DefaultStateMaxAge.
func (s *StateIssuer) VerifyOAuthState(token string, maxAge time.Duration) (*OAuthState, error) {
	if maxAge <= 0 {
		maxAge = DefaultStateMaxAge
	}
	if token == "" {
		return nil, ErrInvalidState
	}

	plaintext, err := s.cipher.Decrypt(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	var state OAuthState
	if err := json.Unmarshal([]byte(plaintext), &state); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrInvalidState)
	}
	if state.WorkspaceID == uuid.Nil || state.Source == "" || state.Nonce == "" {
		return nil, fmt.Errorf("%w: incomplete payload", ErrInvalidState)
	}

	age := s.now().Sub(time.Unix(state.IssuedAt, 0))
	if age > maxAge {
		return nil, ErrStateExpired
	}
	// allow a little clock drift between instances
	if age < -time.Minute {
		return nil, fmt.Errorf("%w: issued in the future", ErrInvalidState)
	}

	return &state, nil
}
