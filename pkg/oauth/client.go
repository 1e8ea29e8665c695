// Package oauth runs the authorization-code and refresh-token grants against a
// source's token endpoint.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

var ErrUnknownSource = errors.New("unknown source")

type Client struct {
	providers  map[string]Provider
	httpClient *http.Client
	logger     ectologger.Logger
}

func NewClient(httpClient *http.Client, logger ectologger.Logger, providers ...Provider) *Client {
	c := &Client{
		providers:  make(map[string]Provider, len(providers)),
		httpClient: httpClient,
		logger:     logger,
	}
	for _, p := range providers {
		c.providers[p.Source] = p
	}
	return c
}

func (c *Client) Provider(source string) (Provider, error) {
	p, ok := c.providers[source]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return p, nil
}

func (c *Client) config(source string, app models.OAuthApp) (*oauth2.Config, error) {
	p, err := c.Provider(source)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURI,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}, nil
}

func (c *Client) context(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the consent URL the user is redirected to.
func (c *Client) AuthCodeURL(source string, app models.OAuthApp, state string) (string, error) {
	cfg, err := c.config(source, app)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for a token set.
func (c *Client) Exchange(ctx context.Context, source string, app models.OAuthApp, code string) (models.TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "OAuthClient.Exchange")
	defer span.End()

	cfg, err := c.config(source, app)
	if err != nil {
		return models.TokenSet{}, syncerr.New(syncerr.KindConfiguration, "oauth.exchange", err)
	}

	token, err := cfg.Exchange(c.context(ctx), code)
	if err != nil {
		classified := classify("oauth.exchange", err)
		c.logger.WithContext(ctx).WithError(classified).WithField("source", source).Warn("authorization code exchange failed")
		return models.TokenSet{}, classified
	}

	return toTokenSet(token), nil
}

// Refresh runs the refresh-token grant. The returned set keeps refreshToken
// when the provider does not rotate it.
func (c *Client) Refresh(ctx context.Context, source string, app models.OAuthApp, refreshToken string) (models.TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "OAuthClient.Refresh")
	defer span.End()

	if refreshToken == "" {
		metrics.RecordTokenRefresh(source, "failed")
		return models.TokenSet{}, syncerr.Errorf(syncerr.KindAuthentication, "oauth.refresh", "no refresh token stored")
	}

	cfg, err := c.config(source, app)
	if err != nil {
		return models.TokenSet{}, syncerr.New(syncerr.KindConfiguration, "oauth.refresh", err)
	}

	// an expired token forces the token source to hit the endpoint
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	token, err := cfg.TokenSource(c.context(ctx), expired).Token()
	if err != nil {
		metrics.RecordTokenRefresh(source, "failed")
		classified := classify("oauth.refresh", err)
		c.logger.WithContext(ctx).WithError(classified).WithField("source", source).Warn("token refresh failed")
		return models.TokenSet{}, classified
	}

	metrics.RecordTokenRefresh(source, "success")
	tokens := toTokenSet(token)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func toTokenSet(token *oauth2.Token) models.TokenSet {
	return models.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}
}

// classify maps token endpoint failures onto sync error kinds. A rejected
// grant means the stored refresh token is unusable.
func classify(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		if syncerr.Classify(err) == syncerr.KindNetwork {
			return syncerr.New(syncerr.KindNetwork, op, err)
		}
		return syncerr.New(syncerr.KindAuthentication, op, err)
	}

	status := 0
	if retrieveErr.Response != nil {
		status = retrieveErr.Response.StatusCode
	}

	switch {
	case retrieveErr.ErrorCode == "invalid_grant", retrieveErr.ErrorCode == "invalid_client":
		return &syncerr.Error{Kind: syncerr.KindAuthentication, Op: op, StatusCode: status, Err: err}
	case status == http.StatusBadRequest:
		return &syncerr.Error{Kind: syncerr.KindAuthentication, Op: op, StatusCode: status, Err: err}
	case status != 0:
		classified := syncerr.FromStatus(op, status, "")
		classified.Err = err
		return classified
	default:
		return syncerr.New(syncerr.KindAuthentication, op, err)
	}
}
