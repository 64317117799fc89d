package runner

import (
	"context"
	"fmt"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/pksorensen/devspawn/internal/log"
)

// CloneFunc clones a repository branch into dest, authenticating with
// the runner token. Declared as a type so tests can substitute it.
type CloneFunc func(ctx context.Context, url, branch, dest, token string) error

// CloneRepository is the production CloneFunc, backed by go-git. A
// shallow single-branch clone is enough: jobs build from a snapshot,
// they do not need history.
func CloneRepository(ctx context.Context, url, branch, dest, token string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating clone directory: %w", err)
	}

	opts := &git.CloneOptions{
		URL:          url,
		SingleBranch: true,
		Depth:        1,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{
			Username: "x-access-token",
			Password: token,
		}
	}

	log.Info("cloning repository", "url", url, "branch", branch)
	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		return fmt.Errorf("cloning %s: %w", url, err)
	}
	return nil
}
