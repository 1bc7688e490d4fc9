package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vibekit/vibekit/internal/sandbox"
	"github.com/vibekit/vibekit/internal/status"
)

// Request is one caller-submitted agent run. It is consumed exactly once.
type Request struct {
	// Repository is the target in "owner/name" form.
	Repository string
	// Instructions is the caller's description of the change.
	Instructions string
	// Prompt is the full prompt handed to the agent. May be large markdown.
	Prompt string
	// GithubToken authenticates repository access. Never logged.
	GithubToken string
	// LogID is the caller-supplied correlation key scoping all status events
	// for this run.
	LogID string
}

// Result is returned by a successful run.
type Result struct {
	LogID string
	PR    sandbox.PullRequest
}

// RunLog persists run lifecycle and events. All methods are best-effort from
// the runner's perspective: write failures are logged, never fatal.
type RunLog interface {
	StartRun(logID, repository, instructions string) error
	RecordEvent(logID string, st status.RunStatus, detail string) error
	FinishRun(logID string, st status.RunStatus, errMsg, prURL string) error
}

// Config holds the dependencies for the run state machine.
type Config struct {
	Channel *status.Channel
	Factory sandbox.Factory
	// Log is the optional persistent run log. Nil-safe.
	Log RunLog
	Logger *slog.Logger
}

// Runner drives a single run through the workflow
// INITIALIZING → CLONING_REPO → IMPLEMENTING_CODE* → CREATING_PR → DONE,
// publishing a status event on every transition. Any fatal step error moves
// the run to FAILED. Distinct runs execute concurrently and independently;
// the status channel is the only shared resource.
type Runner struct {
	channel *status.Channel
	factory sandbox.Factory
	log     RunLog
	logger  *slog.Logger
}

// New creates a Runner with the given configuration.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		channel: cfg.Channel,
		factory: cfg.Factory,
		log:     cfg.Log,
		logger:  logger,
	}
}

// Run executes the workflow for one request. It returns once the run reaches
// DONE or a terminal error. There is no automatic retry: retries are a caller
// policy.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	client, err := r.factory(sandbox.Params{
		GithubToken:  req.GithubToken,
		Repository:   req.Repository,
		Instructions: req.Instructions,
		LogID:        req.LogID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("constructing sandbox client: %w", err)
	}

	if r.log != nil {
		if err := r.log.StartRun(req.LogID, req.Repository, req.Instructions); err != nil {
			r.logger.Warn("recording run start", "log_id", req.LogID, "error", err)
		}
	}

	// state tracks the furthest step reached. Progress messages arrive on the
	// engine's goroutines, so transitions are guarded by a mutex.
	var mu sync.Mutex
	state := status.StatusInitializing
	r.publish(req.LogID, status.StatusInitializing, "")

	genErr := client.GenerateCode(ctx, sandbox.GenerateRequest{
		Prompt: req.Prompt,
		Mode:   sandbox.ModeCode,
		OnUpdate: func(raw string) {
			st, ok := sandbox.Classify(raw)
			if !ok {
				r.logger.Debug("skipping unclassifiable agent message", "log_id", req.LogID)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !r.accept(state, st) {
				return
			}
			state = st
			r.publish(req.LogID, st, "")
		},
		OnError: func(msg string) {
			r.logger.Error("agent reported error", "log_id", req.LogID, "message", msg)
		},
	})
	if genErr != nil {
		return Result{}, r.fail(ctx, req.LogID, fmt.Errorf("generating code: %w", genErr))
	}

	mu.Lock()
	state = status.StatusCreatingPR
	mu.Unlock()
	r.publish(req.LogID, status.StatusCreatingPR, "")

	pr, err := client.CreatePullRequest(ctx)
	if err != nil {
		return Result{}, r.fail(ctx, req.LogID, fmt.Errorf("creating pull request: %w", err))
	}

	r.publish(req.LogID, status.StatusDone, pr.URL)
	if r.log != nil {
		if err := r.log.FinishRun(req.LogID, status.StatusDone, "", pr.URL); err != nil {
			r.logger.Warn("recording run completion", "log_id", req.LogID, "error", err)
		}
	}

	return Result{LogID: req.LogID, PR: pr}, nil
}

// accept reports whether a classified status may be published given the
// current state. Statuses never move backwards, and only IMPLEMENTING_CODE
// repeats (it doubles as a heartbeat while the agent works).
func (r *Runner) accept(current, next status.RunStatus) bool {
	if status.Rank(next) < status.Rank(current) {
		return false
	}
	if next == current {
		return next == status.StatusImplementingCode
	}
	return true
}

// fail moves the run to its error-terminal state. Cancellation is a clean
// exit: no FAILED event is published for it.
func (r *Runner) fail(ctx context.Context, logID string, runErr error) error {
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) || ctx.Err() != nil {
		r.logger.Info("run cancelled", "log_id", logID)
		if r.log != nil {
			if err := r.log.FinishRun(logID, status.StatusFailed, "cancelled", ""); err != nil {
				r.logger.Warn("recording run cancellation", "log_id", logID, "error", err)
			}
		}
		return runErr
	}

	r.logger.Error("run failed", "log_id", logID, "error", runErr)
	r.publish(logID, status.StatusFailed, runErr.Error())
	if r.log != nil {
		if err := r.log.FinishRun(logID, status.StatusFailed, runErr.Error(), ""); err != nil {
			r.logger.Warn("recording run failure", "log_id", logID, "error", err)
		}
	}
	return runErr
}

// publish broadcasts a status event and records it in the run log. Broadcast
// failure is non-fatal: status is best-effort telemetry, not a run
// precondition.
func (r *Runner) publish(logID string, st status.RunStatus, detail string) {
	if err := r.channel.Publish(status.TopicStatus, status.Event{Status: st, LogID: logID}); err != nil {
		r.logger.Warn("publishing status event", "log_id", logID, "status", st, "error", err)
	}
	if r.log != nil {
		if err := r.log.RecordEvent(logID, st, detail); err != nil {
			r.logger.Warn("recording status event", "log_id", logID, "status", st, "error", err)
		}
	}
}
