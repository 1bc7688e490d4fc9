package sandbox

import "context"

// Mode selects how the agent interprets the prompt.
type Mode string

const (
	// ModeCode asks the agent to implement the change in the repository.
	ModeCode Mode = "code"
	// ModeAsk asks the agent a question without modifying the repository.
	ModeAsk Mode = "ask"
)

// UpdateFunc receives raw progress payloads from the execution engine. The
// payload shape is an implementation detail of the engine; it may be
// structured JSON or plain text. Implementations must never panic on it.
type UpdateFunc func(message string)

// ErrorFunc receives error messages surfaced by the execution engine while a
// step is in flight.
type ErrorFunc func(message string)

// GenerateRequest configures one code-generation invocation.
type GenerateRequest struct {
	Prompt   string
	Mode     Mode
	OnUpdate UpdateFunc
	OnError  ErrorFunc
}

// PullRequest holds the result of the engine's PR-creation step.
type PullRequest struct {
	Number int
	URL    string
	Branch string
}

// Client is the sandbox/agent execution capability for a single run. The real
// implementation provisions a sandbox and drives an AI coding agent inside
// it; tests inject a stub.
type Client interface {
	GenerateCode(ctx context.Context, req GenerateRequest) error
	CreatePullRequest(ctx context.Context) (PullRequest, error)
}

// Params are the construction parameters for a run-scoped client.
type Params struct {
	// GithubToken authenticates repository access and PR creation.
	// Never logged.
	GithubToken string
	// Repository is the target in "owner/name" form.
	Repository string
	// Instructions is the caller's free-text description of the change.
	Instructions string
	// LogID correlates sandbox resources (workspace, branch) with the run.
	LogID string
}

// Factory builds a Client for one run. The state machine receives a Factory
// rather than a Client so each run gets a fresh handle.
type Factory func(p Params) (Client, error)
