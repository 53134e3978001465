// Package checkout clones application source for a deploy: shallow,
// single-branch, into a deploy-scoped scratch directory.
package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	git "github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Options describes one checkout. Username defaults to the first path segment
// of the repository URL, matching how source hosts key personal access
// tokens.
type Options struct {
	RepoURL     string
	Username    string
	AccessToken string
	Dir         string
}

// Cloner fetches source and reports the head revision. The release pipeline
// depends on this interface so deploys are testable without a source host.
type Cloner interface {
	Clone(ctx context.Context, opts Options) (commitID string, err error)
}

type gitCloner struct {
	logger *slog.Logger
}

// NewGit returns the go-git backed cloner used in production.
func NewGit(logger *slog.Logger) Cloner {
	if logger == nil {
		logger = slog.Default()
	}
	return &gitCloner{logger: logger.With(slog.String("component", "checkout"))}
}

func (c *gitCloner) Clone(ctx context.Context, opts Options) (string, error) {
	username := opts.Username
	if username == "" {
		username = usernameOf(opts.RepoURL)
	}

	cloneOpts := &git.CloneOptions{
		URL:          opts.RepoURL,
		Depth:        1,
		SingleBranch: true,
	}
	if opts.AccessToken != "" {
		cloneOpts.Auth = &githttp.BasicAuth{Username: username, Password: opts.AccessToken}
	}

	c.logger.Info("cloning repository", slog.String("url", opts.RepoURL), slog.String("dir", opts.Dir))
	repo, err := git.PlainCloneContext(ctx, opts.Dir, false, cloneOpts)
	if err != nil {
		return "", fmt.Errorf("checkout: clone %s: %w", opts.RepoURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("checkout: resolve head: %w", err)
	}
	return head.Hash().String(), nil
}

// usernameOf extracts the owner segment of a repository URL.
func usernameOf(repoURL string) string {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.TrimPrefix(parsed.Path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

// ShortCommit truncates a revision id to the 12-character form releases are
// keyed by.
func ShortCommit(commitID string) string {
	if len(commitID) > 12 {
		return commitID[:12]
	}
	return commitID
}
