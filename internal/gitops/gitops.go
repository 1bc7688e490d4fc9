package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibekit/vibekit/internal/shell"
)

// Clone clones the repository at url into dir. The runner's working
// directory is the parent under which dir is created.
func Clone(ctx context.Context, r *shell.Runner, url, dir string) error {
	if _, err := r.Run(ctx, "git", "clone", url, dir); err != nil {
		return fmt.Errorf("cloning repository: %w", err)
	}
	return nil
}

// CreateBranch creates and checks out a new branch.
func CreateBranch(ctx context.Context, r *shell.Runner, branch string) error {
	if _, err := r.Run(ctx, "git", "checkout", "-b", branch); err != nil {
		return fmt.Errorf("creating branch %s: %w", branch, err)
	}
	return nil
}

// ConfigureGitIdentity sets repo-local git user.name and user.email so that
// commits created by the agent's internal git operations use the correct
// identity.
func ConfigureGitIdentity(ctx context.Context, r *shell.Runner, name, email string) error {
	if _, err := r.Run(ctx, "git", "config", "user.name", name); err != nil {
		return fmt.Errorf("setting git user.name: %w", err)
	}
	if _, err := r.Run(ctx, "git", "config", "user.email", email); err != nil {
		return fmt.Errorf("setting git user.email: %w", err)
	}
	return nil
}

// HasChanges returns true if the working tree has uncommitted changes.
func HasChanges(ctx context.Context, r *shell.Runner) (bool, error) {
	out, err := r.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking working tree status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything and commits with the given message. A clean
// working tree is not an error: it commits nothing and returns nil.
func CommitAll(ctx context.Context, r *shell.Runner, message string) error {
	dirty, err := HasChanges(ctx, r)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if _, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	if _, err := r.Run(ctx, "git", "commit", "-m", message); err != nil {
		return fmt.Errorf("committing changes: %w", err)
	}
	return nil
}

// PushBranch pushes the branch to origin, setting the upstream.
func PushBranch(ctx context.Context, r *shell.Runner, branch string) error {
	if _, err := r.Run(ctx, "git", "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("pushing branch %s: %w", branch, err)
	}
	return nil
}
