package gh

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cli/oauth"
	"github.com/google/go-github/v82/github"
)

// OAuthResult is the outcome of a device-flow login.
type OAuthResult struct {
	Token    string
	Username string
}

// OAuthFlow runs the GitHub OAuth device flow.
type OAuthFlow struct {
	scopes       []string
	onDeviceCode func(code, verificationURL string)
}

// NewOAuthFlow creates a device flow requesting the given scopes.
func NewOAuthFlow(scopes []string) *OAuthFlow {
	return &OAuthFlow{scopes: scopes}
}

// OnDeviceCode sets the callback invoked with the user code and
// verification URL to display.
func (f *OAuthFlow) OnDeviceCode(callback func(code, verificationURL string)) {
	f.onDeviceCode = callback
}

// Run executes the device flow and returns the token plus the
// authenticated username.
func (f *OAuthFlow) Run(ctx context.Context) (*OAuthResult, error) {
	host, err := oauth.NewGitHubHost("github.com")
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub host: %w", err)
	}

	flow := &oauth.Flow{
		Host:   host,
		Scopes: f.scopes,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	if f.onDeviceCode != nil {
		flow.DisplayCode = func(code, verificationURL string) error {
			f.onDeviceCode(code, verificationURL)

			return nil
		}
	}

	accessToken, err := flow.DetectFlow()
	if err != nil {
		return nil, fmt.Errorf("OAuth flow failed: %w", err)
	}

	user, _, err := github.NewClient(nil).WithAuthToken(accessToken.Token).Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &OAuthResult{
		Token:    accessToken.Token,
		Username: user.GetLogin(),
	}, nil
}

// ValidateToken checks whether the token still works and returns the
// username it belongs to.
func ValidateToken(ctx context.Context, token string) (bool, string, error) {
	user, resp, err := github.NewClient(nil).WithAuthToken(token).Users.Get(ctx, "")
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, "", nil
		}

		return false, "", fmt.Errorf("token validation failed: %w", err)
	}

	return true, user.GetLogin(), nil
}
