package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vibekit/vibekit/internal/runner"
	"github.com/vibekit/vibekit/internal/sandbox"
	"github.com/vibekit/vibekit/internal/status"
)

// stubClient is a scriptable sandbox client. Updates are emitted to OnUpdate
// during GenerateCode, in order.
type stubClient struct {
	updates   []string
	genErr    error
	pr        sandbox.PullRequest
	prErr     error
	mu        sync.Mutex
	genCalls  int
	prCalls   int
}

func (c *stubClient) GenerateCode(ctx context.Context, req sandbox.GenerateRequest) error {
	c.mu.Lock()
	c.genCalls++
	c.mu.Unlock()
	for _, u := range c.updates {
		req.OnUpdate(u)
	}
	return c.genErr
}

func (c *stubClient) CreatePullRequest(ctx context.Context) (sandbox.PullRequest, error) {
	c.mu.Lock()
	c.prCalls++
	c.mu.Unlock()
	return c.pr, c.prErr
}

type recordingLog struct {
	mu       sync.Mutex
	started  []string
	events   []status.RunStatus
	finished map[string]status.RunStatus
	errMsgs  map[string]string
}

func newRecordingLog() *recordingLog {
	return &recordingLog{
		finished: make(map[string]status.RunStatus),
		errMsgs:  make(map[string]string),
	}
}

func (l *recordingLog) StartRun(logID, repository, instructions string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, logID)
	return nil
}

func (l *recordingLog) RecordEvent(logID string, st status.RunStatus, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, st)
	return nil
}

func (l *recordingLog) FinishRun(logID string, st status.RunStatus, errMsg, prURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished[logID] = st
	l.errMsgs[logID] = errMsg
	return nil
}

func factoryFor(client sandbox.Client) sandbox.Factory {
	return func(p sandbox.Params) (sandbox.Client, error) {
		return client, nil
	}
}

func testRequest(logID string) runner.Request {
	return runner.Request{
		Repository:   "org/repo",
		Instructions: "add a README",
		Prompt:       "# doc",
		GithubToken:  "tok",
		LogID:        logID,
	}
}

// drain reads events for the given logID until the subscription times out.
func drain(t *testing.T, sub *status.Subscription, logID string) []status.RunStatus {
	t.Helper()
	var seq []status.RunStatus
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return seq
			}
			if e.LogID == logID {
				seq = append(seq, e.Status)
			}
		case <-time.After(200 * time.Millisecond):
			return seq
		}
	}
}

func assertSequence(t *testing.T, got, want []status.RunStatus) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got sequence %v, want %v", got, want)
		}
	}
}

func TestRun_ImmediateSuccess_PublishesExactSequence(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()
	sub, _ := ch.Subscribe(status.TopicStatus)

	client := &stubClient{pr: sandbox.PullRequest{Number: 7, URL: "https://github.com/org/repo/pull/7"}}
	r := runner.New(runner.Config{Channel: ch, Factory: factoryFor(client)})

	result, err := r.Run(context.Background(), testRequest("abc"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.PR.Number != 7 {
		t.Fatalf("got PR number %d, want 7", result.PR.Number)
	}

	// No progress messages were emitted, so CLONING_REPO and
	// IMPLEMENTING_CODE never appear.
	assertSequence(t, drain(t, sub, "abc"), []status.RunStatus{
		status.StatusInitializing,
		status.StatusCreatingPR,
		status.StatusDone,
	})
}

func TestRun_ProgressMessages_DriveTransitions(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()
	sub, _ := ch.Subscribe(status.TopicStatus)

	client := &stubClient{
		updates: []string{
			`{"type":"start"}`,
			`{"type":"git","detail":"clone"}`,
			`{"type":"tool_use","tool":"Edit"}`,
			"plain text noise",
			`{"type":"tool_use","tool":"Bash"}`,
		},
	}
	r := runner.New(runner.Config{Channel: ch, Factory: factoryFor(client)})

	if _, err := r.Run(context.Background(), testRequest("abc")); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	// start repeats INITIALIZING and is suppressed; the malformed payload is
	// skipped; IMPLEMENTING_CODE repeats as a heartbeat.
	assertSequence(t, drain(t, sub, "abc"), []status.RunStatus{
		status.StatusInitializing,
		status.StatusCloningRepo,
		status.StatusImplementingCode,
		status.StatusImplementingCode,
		status.StatusCreatingPR,
		status.StatusDone,
	})
}

func TestRun_StatusNeverMovesBackwards(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()
	sub, _ := ch.Subscribe(status.TopicStatus)

	client := &stubClient{
		updates: []string{
			`{"type":"tool_use"}`,
			`{"type":"git"}`, // arrives late, must not regress the state
		},
	}
	r := runner.New(runner.Config{Channel: ch, Factory: factoryFor(client)})

	if _, err := r.Run(context.Background(), testRequest("abc")); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	assertSequence(t, drain(t, sub, "abc"), []status.RunStatus{
		status.StatusInitializing,
		status.StatusImplementingCode,
		status.StatusCreatingPR,
		status.StatusDone,
	})
}

func TestRun_GenerateFails_PublishesFailedAndNoDone(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()
	sub, _ := ch.Subscribe(status.TopicStatus)

	client := &stubClient{genErr: errors.New("sandbox exploded")}
	r := runner.New(runner.Config{Channel: ch, Factory: factoryFor(client)})

	_, err := r.Run(context.Background(), testRequest("abc"))
	if err == nil {
		t.Fatal("expected error from failed generation")
	}

	seq := drain(t, sub, "abc")
	assertSequence(t, seq, []status.RunStatus{
		status.StatusInitializing,
		status.StatusFailed,
	})
	if client.prCalls != 0 {
		t.Fatal("CreatePullRequest must not run after a generation failure")
	}
}

func TestRun_PRCreationFails_NoDoneEverPublished(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()
	sub, _ := ch.Subscribe(status.TopicStatus)

	client := &stubClient{prErr: errors.New("422 validation failed")}
	r := runner.New(runner.Config{Channel: ch, Factory: factoryFor(client)})

	_, err := r.Run(context.Background(), testRequest("abc"))
	if err == nil {
		t.Fatal("expected error from failed PR creation")
	}
	if got := err.Error(); got == "" {
		t.Fatal("expected descriptive error message")
	}

	seq := drain(t, sub, "abc")
	for _, s := range seq {
		if s == status.StatusDone {
			t.Fatalf("DONE published for a failed run: %v", seq)
		}
	}
	assertSequence(t, seq, []status.RunStatus{
		status.StatusInitializing,
		status.StatusCreatingPR,
		status.StatusFailed,
	})
}

func TestRun_FactoryError_PublishesNothing(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()
	sub, _ := ch.Subscribe(status.TopicStatus)

	r := runner.New(runner.Config{
		Channel: ch,
		Factory: func(p sandbox.Params) (sandbox.Client, error) {
			return nil, errors.New("no sandbox capacity")
		},
	})

	if _, err := r.Run(context.Background(), testRequest("abc")); err == nil {
		t.Fatal("expected factory error")
	}
	if seq := drain(t, sub, "abc"); len(seq) != 0 {
		t.Fatalf("expected no events before client construction, got %v", seq)
	}
}

func TestRun_Cancelled_NoFailedEvent(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()
	sub, _ := ch.Subscribe(status.TopicStatus)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &stubClient{genErr: context.Canceled}
	log := newRecordingLog()
	r := runner.New(runner.Config{Channel: ch, Factory: factoryFor(client), Log: log})

	_, err := r.Run(ctx, testRequest("abc"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	for _, s := range drain(t, sub, "abc") {
		if s == status.StatusFailed {
			t.Fatal("FAILED must not be published for a cancelled run")
		}
	}
	if log.errMsgs["abc"] != "cancelled" {
		t.Fatalf("run log error message = %q, want %q", log.errMsgs["abc"], "cancelled")
	}
}

func TestRun_RecordsLifecycleInRunLog(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()

	client := &stubClient{pr: sandbox.PullRequest{URL: "https://github.com/org/repo/pull/1"}}
	log := newRecordingLog()
	r := runner.New(runner.Config{Channel: ch, Factory: factoryFor(client), Log: log})

	if _, err := r.Run(context.Background(), testRequest("abc")); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(log.started) != 1 || log.started[0] != "abc" {
		t.Fatalf("expected run start recorded, got %v", log.started)
	}
	if log.finished["abc"] != status.StatusDone {
		t.Fatalf("finished state = %s, want DONE", log.finished["abc"])
	}
}

func TestRun_ConcurrentRuns_IndependentSequences(t *testing.T) {
	ch := status.New(nil)
	defer ch.Close()
	sub, _ := ch.Subscribe(status.TopicStatus)

	r := runner.New(runner.Config{
		Channel: ch,
		Factory: func(p sandbox.Params) (sandbox.Client, error) {
			return &stubClient{updates: []string{`{"type":"tool_use"}`}}, nil
		},
	})

	var wg sync.WaitGroup
	for _, logID := range []string{"run-a", "run-b"} {
		wg.Go(func() {
			if _, err := r.Run(context.Background(), testRequest(logID)); err != nil {
				t.Errorf("run %s: %v", logID, err)
			}
		})
	}
	wg.Wait()

	byRun := make(map[string][]status.RunStatus)
	timeout := time.After(200 * time.Millisecond)
collecting:
	for {
		select {
		case e := <-sub.Events():
			byRun[e.LogID] = append(byRun[e.LogID], e.Status)
		case <-timeout:
			break collecting
		}
	}

	want := []status.RunStatus{
		status.StatusInitializing,
		status.StatusImplementingCode,
		status.StatusCreatingPR,
		status.StatusDone,
	}
	for _, logID := range []string{"run-a", "run-b"} {
		assertSequence(t, byRun[logID], want)
	}
}
