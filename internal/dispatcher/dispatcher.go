package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vibekit/vibekit/internal/runner"
)

// ErrUnauthenticated is returned when a request carries no GitHub token.
// Validation happens before any sandbox resource is allocated.
var ErrUnauthenticated = errors.New("missing github token")

// ErrAlreadyRunning is returned when a run with the same LogID is active.
// The dispatcher never starts a second concurrent execution for a LogID.
var ErrAlreadyRunning = errors.New("run already active for this log id")

// ErrBusy is returned when all worker slots are taken.
var ErrBusy = errors.New("no worker slot available")

// Runner executes one run to completion. The real implementation is
// runner.Runner; tests inject a mock.
type Runner interface {
	Run(ctx context.Context, req runner.Request) (runner.Result, error)
}

// Config holds the dependencies for the run dispatcher.
type Config struct {
	Runner     Runner
	MaxWorkers int
	Logger     *slog.Logger
}

// Dispatcher binds each run request to exactly one execution of the run
// state machine. It limits concurrency and tracks which LogIDs are active.
type Dispatcher struct {
	runner     Runner
	maxWorkers int
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // LogID → cancel func
	slots  int
	wg     sync.WaitGroup
}

// New creates a Dispatcher with the given configuration.
func New(cfg Config) *Dispatcher {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:     cfg.Runner,
		maxWorkers: maxWorkers,
		logger:     logger,
		active:     make(map[string]context.CancelFunc),
	}
}

func validate(req runner.Request) error {
	if req.GithubToken == "" {
		return ErrUnauthenticated
	}
	if req.LogID == "" {
		return fmt.Errorf("missing log id")
	}
	if req.Repository == "" {
		return fmt.Errorf("missing repository")
	}
	return nil
}

// Submit validates the request and starts its run asynchronously. Status is
// observable on the status channel under the request's LogID; failure
// visibility is the FAILED event and the run log.
func (d *Dispatcher) Submit(ctx context.Context, req runner.Request) error {
	if err := validate(req); err != nil {
		return err
	}

	runCtx, release, err := d.acquire(ctx, req.LogID)
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer release()
		if _, err := d.runner.Run(runCtx, req); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				d.logger.Info("run cancelled", "log_id", req.LogID)
				return
			}
			d.logger.Error("run failed", "log_id", req.LogID, "error", err)
		}
	}()
	return nil
}

// Execute validates the request and runs it inline, returning the result.
// It honors the same at-most-one-active and concurrency bounds as Submit.
func (d *Dispatcher) Execute(ctx context.Context, req runner.Request) (runner.Result, error) {
	if err := validate(req); err != nil {
		return runner.Result{}, err
	}

	runCtx, release, err := d.acquire(ctx, req.LogID)
	if err != nil {
		return runner.Result{}, err
	}

	d.wg.Add(1)
	defer d.wg.Done()
	defer release()
	return d.runner.Run(runCtx, req)
}

// acquire reserves a worker slot and registers the LogID as active. The
// returned release func must be called exactly once when the run ends.
func (d *Dispatcher) acquire(ctx context.Context, logID string) (context.Context, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.active[logID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, logID)
	}
	if d.slots >= d.maxWorkers {
		return nil, nil, fmt.Errorf("%w (max %d)", ErrBusy, d.maxWorkers)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.active[logID] = cancel
	d.slots++

	release := func() {
		d.mu.Lock()
		delete(d.active, logID)
		d.slots--
		d.mu.Unlock()
		cancel()
	}
	return runCtx, release, nil
}

// Cancel requests cooperative cancellation of an active run. It returns true
// if a run was active for the LogID.
func (d *Dispatcher) Cancel(logID string) bool {
	d.mu.Lock()
	cancel, ok := d.active[logID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning returns true if a run is active for the given LogID.
func (d *Dispatcher) IsRunning(logID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[logID]
	return ok
}

// ActiveCount returns the number of currently active runs.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Wait blocks until all active runs have completed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
