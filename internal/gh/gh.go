// Package gh validates repositories against the GitHub API.
package gh

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"
)

// ErrRepoNotFound is returned when GitHub reports no such repository,
// or the token cannot see it.
var ErrRepoNotFound = errors.New("repository not found on GitHub")

// NewClient creates an authenticated GitHub client using the provided token.
func NewClient(ctx context.Context, token string) *github.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	return github.NewClient(tc)
}

// Validator checks repository existence and resolves default branches.
type Validator struct {
	client *github.Client
}

// NewValidator creates a Validator backed by the given token.
func NewValidator(ctx context.Context, token string) *Validator {
	return &Validator{client: NewClient(ctx, token)}
}

// RepoInfo is the subset of repository metadata the bot needs.
type RepoInfo struct {
	Owner         string
	Name          string
	DefaultBranch string
	Private       bool
}

// Lookup fetches repository metadata. A 404 from GitHub maps to
// ErrRepoNotFound so callers can decline instead of failing.
func (v *Validator) Lookup(ctx context.Context, owner, name string) (*RepoInfo, error) {
	repo, resp, err := v.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s/%s: %w", owner, name, ErrRepoNotFound)
		}

		return nil, fmt.Errorf("looking up %s/%s: %w", owner, name, err)
	}

	return &RepoInfo{
		Owner:         repo.GetOwner().GetLogin(),
		Name:          repo.GetName(),
		DefaultBranch: repo.GetDefaultBranch(),
		Private:       repo.GetPrivate(),
	}, nil
}

// BranchExists reports whether the named branch exists on the repository.
func (v *Validator) BranchExists(ctx context.Context, owner, name, branch string) (bool, error) {
	_, resp, err := v.client.Repositories.GetBranch(ctx, owner, name, branch, 1)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, nil
		}

		return false, fmt.Errorf("checking branch %s on %s/%s: %w", branch, owner, name, err)
	}

	return true, nil
}
