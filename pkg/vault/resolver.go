package vault

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

// AppCredentialFinder loads the workspace scoped app credential for a source,
// returning nil when the workspace has none.
type AppCredentialFinder interface {
	FindAppCredential(ctx context.Context, source string) (*models.AppCredential, error)
}

type ResolutionOrigin string

const (
	OriginWorkspace ResolutionOrigin = "workspace"
	OriginDefault   ResolutionOrigin = "default"
)

// Resolution is the outcome of app credential lookup. Configured=false is a
// normal result that callers surface as a configuration prompt.
type Resolution struct {
	Configured bool
	Origin     ResolutionOrigin
	App        models.OAuthApp
}

// Resolver finds the OAuth client for a (workspace, source): the workspace's
// stored app first, then the process-wide default for the source.
type Resolver struct {
	store    AppCredentialFinder
	cipher   *Cipher
	defaults map[string]models.OAuthApp
	logger   ectologger.Logger
}

func NewResolver(store AppCredentialFinder, cipher *Cipher, defaults map[string]models.OAuthApp, logger ectologger.Logger) *Resolver {
	return &Resolver{
		store:    store,
		cipher:   cipher,
		defaults: defaults,
		logger:   logger,
	}
}

// Resolve expects the workspace on ctx. Stored secrets that cannot be
// decrypted are a configuration error rather than a silent fallback.
func (r *Resolver) Resolve(ctx context.Context, source string) (Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "Resolver.Resolve")
	defer span.End()

	stored, err := r.store.FindAppCredential(ctx, source)
	if err != nil {
		return Resolution{}, err
	}

	if stored != nil {
		clientID, err := r.cipher.Decrypt(stored.ClientIDEnc)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("source", source).Error("stored app client id is unreadable")
			return Resolution{}, syncerr.New(syncerr.KindConfiguration, "vault.Resolve", err)
		}
		secret, err := r.cipher.Decrypt(stored.ClientSecretEnc)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("source", source).Error("stored app client secret is unreadable")
			return Resolution{}, syncerr.New(syncerr.KindConfiguration, "vault.Resolve", err)
		}
		if clientID != "" && secret != "" {
			return Resolution{
				Configured: true,
				Origin:     OriginWorkspace,
				App: models.OAuthApp{
					ClientID:     clientID,
					ClientSecret: secret,
					RedirectURI:  stored.RedirectURI,
					Environment:  stored.Environment,
				},
			}, nil
		}
	}

	if def, ok := r.defaults[source]; ok && def.ClientID != "" && def.ClientSecret != "" {
		return Resolution{Configured: true, Origin: OriginDefault, App: def}, nil
	}

	r.logger.WithContext(ctx).WithField("source", source).Debug("no oauth app configured")
	return Resolution{Configured: false}, nil
}

// SealApp encrypts an app registration for storage.
func (r *Resolver) SealApp(app models.OAuthApp) (clientIDEnc, secretEnc string, err error) {
	if clientIDEnc, err = r.cipher.Encrypt(app.ClientID); err != nil {
		return "", "", err
	}
	if secretEnc, err = r.cipher.Encrypt(app.ClientSecret); err != nil {
		return "", "", err
	}
	return clientIDEnc, secretEnc, nil
}
