package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/syncerr"
)

var testApp = models.OAuthApp{
	ClientID:     "client-id",
	ClientSecret: "client-secret",
	RedirectURI:  "https://sage.test/api/v1/oauth/quickbooks/callback",
	Environment:  EnvironmentSandbox,
}

func newTestClient(tokenURL string) *Client {
	provider := QuickBooks
	provider.TokenURL = tokenURL
	return NewClient(http.DefaultClient, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), provider)
}

func TestClient_AuthCodeURL(t *testing.T) {
	c := newTestClient("https://token.test")

	raw, err := c.AuthCodeURL(models.SourceQuickBooks, testApp, "state-token")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "appcenter.intuit.com", u.Host)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Equal(t, "com.intuit.quickbooks.accounting", q.Get("scope"))
	assert.Equal(t, testApp.RedirectURI, q.Get("redirect_uri"))

	_, err = c.AuthCodeURL("xero", testApp, "state-token")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestClient_ExchangeAndRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		assert.NoError(t, r.ParseForm())

		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			assert.Equal(t, "the-code", r.Form.Get("code"))
			_, _ = w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-1","token_type":"bearer","expires_in":3600}`))
		case "refresh_token":
			assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
			_, _ = w.Write([]byte(`{"access_token":"access-2","token_type":"bearer","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	tokens, err := c.Exchange(ctx, models.SourceQuickBooks, testApp, "the-code")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tokens.ExpiresAt, time.Minute)

	refreshed, err := c.Refresh(ctx, models.SourceQuickBooks, testApp, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", refreshed.AccessToken)
	assert.Equal(t, "refresh-1", refreshed.RefreshToken, "unrotated refresh token is kept")
}

func TestClient_Refresh_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind syncerr.Kind
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, syncerr.KindAuthentication},
		{"unauthorized client", http.StatusUnauthorized, `{"error":"invalid_client"}`, syncerr.KindAuthentication},
		{"unavailable", http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`, syncerr.KindNetwork},
		{"rate limited", http.StatusTooManyRequests, `{}`, syncerr.KindRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Refresh(context.Background(), models.SourceQuickBooks, testApp, "refresh-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, syncerr.Classify(err))
		})
	}
}

func TestClient_Refresh_NoToken(t *testing.T) {
	_, err := newTestClient("https://token.test").Refresh(context.Background(), models.SourceQuickBooks, testApp, "")
	assert.Equal(t, syncerr.KindAuthentication, syncerr.Classify(err))
}

func TestProvider_APIBaseURL(t *testing.T) {
	assert.Equal(t, "https://quickbooks.api.intuit.com", QuickBooks.APIBaseURL(EnvironmentProduction))
	assert.Equal(t, "https://sandbox-quickbooks.api.intuit.com", QuickBooks.APIBaseURL("anything"))
}
