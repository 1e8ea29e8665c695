package oauth

import "github.com/Ramsey-B/sage/pkg/models"

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// Provider describes one source's OAuth endpoints and API hosts.
type Provider struct {
	Source   string
	AuthURL  string
	TokenURL string
	Scopes   []string
	// API base URL per environment
	APIBaseURLs map[string]string
}

// APIBaseURL returns the host for env, falling back to sandbox.
func (p Provider) APIBaseURL(env string) string {
	if url, ok := p.APIBaseURLs[env]; ok {
		return url
	}
	return p.APIBaseURLs[EnvironmentSandbox]
}

var QuickBooks = Provider{
	Source:   models.SourceQuickBooks,
	AuthURL:  "https://appcenter.intuit.com/connect/oauth2",
	TokenURL: "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
	Scopes:   []string{"com.intuit.quickbooks.accounting"},
	APIBaseURLs: map[string]string{
		EnvironmentSandbox:    "https://sandbox-quickbooks.api.intuit.com",
		EnvironmentProduction: "https://quickbooks.api.intuit.com",
	},
}
