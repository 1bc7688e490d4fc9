// Package agent implements the sandbox execution capability by running the
// Claude CLI against a scratch clone of the target repository.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vibekit/vibekit/internal/github"
	"github.com/vibekit/vibekit/internal/gitops"
	"github.com/vibekit/vibekit/internal/sandbox"
	"github.com/vibekit/vibekit/internal/shell"
)

const branchPrefix = "vibekit/"

// GitHubClient is the subset of the GitHub API the agent needs for PR
// creation.
type GitHubClient interface {
	CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (github.PR, error)
	FindOpenPR(ctx context.Context, owner, repo, head, base string) (*github.PR, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// Config holds the shared settings for all run-scoped clients.
type Config struct {
	// WorkspaceDir is the parent directory under which each run gets a
	// scratch workspace.
	WorkspaceDir string
	// Command is the agent CLI binary. Defaults to "claude".
	Command string
	// Model selects the agent model (--model flag). Optional.
	Model string
	// MaxTurns limits agentic turns (--max-turns flag). Optional.
	MaxTurns int
	// GitHub creates pull requests. Required.
	GitHub GitHubClient
	// GitName and GitEmail set the repo-local commit identity.
	GitName  string
	GitEmail string
	// CloneURLFn builds the clone URL for a repository. The default embeds
	// the token as an x-access-token credential on github.com. Tests
	// override it to clone from a local path.
	CloneURLFn func(owner, repo, token string) string
	Logger     *slog.Logger
}

// NewFactory returns a sandbox.Factory producing one Client per run.
func NewFactory(cfg Config) sandbox.Factory {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.CloneURLFn == nil {
		cfg.CloneURLFn = func(owner, repo, token string) string {
			return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(p sandbox.Params) (sandbox.Client, error) {
		owner, repo, err := splitRepository(p.Repository)
		if err != nil {
			return nil, err
		}
		if p.LogID == "" {
			return nil, fmt.Errorf("missing log id")
		}
		return &Client{
			cfg:          cfg,
			owner:        owner,
			repo:         repo,
			token:        p.GithubToken,
			instructions: p.Instructions,
			branch:       branchPrefix + p.LogID,
			workDir:      filepath.Join(cfg.WorkspaceDir, p.LogID, repo),
		}, nil
	}
}

// Client drives one run: clone, agent invocation, commit, push, PR. It
// implements sandbox.Client and holds no state beyond the run's handles.
type Client struct {
	cfg          Config
	owner        string
	repo         string
	token        string
	instructions string
	branch       string
	workDir      string
	generated    bool
}

// lifecycleEvent is the structured progress payload the client emits for its
// own steps. Agent CLI output lines are forwarded verbatim.
type lifecycleEvent struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

func emit(onUpdate sandbox.UpdateFunc, e lifecycleEvent) {
	if onUpdate == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	onUpdate(string(data))
}

// GenerateCode clones the repository, runs the agent CLI with the prompt,
// and commits the resulting changes on a run-scoped branch.
func (c *Client) GenerateCode(ctx context.Context, req sandbox.GenerateRequest) error {
	fail := func(err error) error {
		if req.OnError != nil {
			req.OnError(err.Error())
		}
		return err
	}

	emit(req.OnUpdate, lifecycleEvent{Type: "start"})

	parent := filepath.Dir(c.workDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fail(fmt.Errorf("creating workspace: %w", err))
	}

	emit(req.OnUpdate, lifecycleEvent{Type: "git", Detail: "clone " + c.owner + "/" + c.repo})
	cloneURL := c.cfg.CloneURLFn(c.owner, c.repo, c.token)
	if err := gitops.Clone(ctx, &shell.Runner{Dir: parent}, cloneURL, c.repo); err != nil {
		return fail(err)
	}

	work := &shell.Runner{Dir: c.workDir}
	if c.cfg.GitName != "" && c.cfg.GitEmail != "" {
		if err := gitops.ConfigureGitIdentity(ctx, work, c.cfg.GitName, c.cfg.GitEmail); err != nil {
			return fail(err)
		}
	}

	emit(req.OnUpdate, lifecycleEvent{Type: "git", Detail: "checkout " + c.branch})
	if err := gitops.CreateBranch(ctx, work, c.branch); err != nil {
		return fail(err)
	}

	args := c.buildArgs(req.Mode)
	onLine := func(line string) {
		if req.OnUpdate != nil {
			req.OnUpdate(line)
		}
	}
	if err := work.RunWithStdinLines(ctx, req.Prompt, onLine, c.cfg.Command, args...); err != nil {
		return fail(fmt.Errorf("running agent: %w", err))
	}

	if req.Mode == sandbox.ModeCode {
		if err := gitops.CommitAll(ctx, work, commitMessage(c.instructions)); err != nil {
			return fail(err)
		}
	}

	c.generated = true
	return nil
}

// CreatePullRequest pushes the run branch and opens a PR against the
// repository's default branch. Reuses an already-open PR for the branch.
func (c *Client) CreatePullRequest(ctx context.Context) (sandbox.PullRequest, error) {
	if !c.generated {
		return sandbox.PullRequest{}, fmt.Errorf("code generation has not completed")
	}

	work := &shell.Runner{Dir: c.workDir}
	if err := gitops.PushBranch(ctx, work, c.branch); err != nil {
		return sandbox.PullRequest{}, err
	}

	base, err := c.cfg.GitHub.DefaultBranch(ctx, c.owner, c.repo)
	if err != nil {
		return sandbox.PullRequest{}, err
	}

	if existing, err := c.cfg.GitHub.FindOpenPR(ctx, c.owner, c.repo, c.branch, base); err != nil {
		return sandbox.PullRequest{}, err
	} else if existing != nil {
		return sandbox.PullRequest{Number: existing.Number, URL: existing.HTMLURL, Branch: c.branch}, nil
	}

	title, body := prContent(c.instructions)
	pr, err := c.cfg.GitHub.CreatePullRequest(ctx, c.owner, c.repo, c.branch, base, title, body)
	if err != nil {
		return sandbox.PullRequest{}, err
	}
	return sandbox.PullRequest{Number: pr.Number, URL: pr.HTMLURL, Branch: c.branch}, nil
}

func (c *Client) buildArgs(mode sandbox.Mode) []string {
	args := []string{"--print", "--dangerously-skip-permissions", "--output-format", "stream-json"}
	if mode == sandbox.ModeAsk {
		args = append(args, "--permission-mode", "plan")
	}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	if c.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.cfg.MaxTurns))
	}
	return args
}

// splitRepository parses an "owner/name" repository identifier.
func splitRepository(repository string) (owner, repo string, err error) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", repository)
	}
	return parts[0], parts[1], nil
}

// prContent splits the instructions into a PR title (first line) and body.
func prContent(instructions string) (string, string) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return "Automated changes", ""
	}
	parts := strings.SplitN(instructions, "\n", 2)
	title := strings.TrimSpace(parts[0])
	if len(title) > 72 {
		title = title[:69] + "..."
	}
	var body string
	if len(parts) > 1 {
		body = strings.TrimSpace(parts[1])
	}
	return title, body
}

func commitMessage(instructions string) string {
	title, _ := prContent(instructions)
	return title
}
