package runlog

import (
	"path/filepath"
	"testing"

	"github.com/vibekit/vibekit/internal/status"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartRun_And_GetRun(t *testing.T) {
	s := openTestStore(t)

	if err := s.StartRun("run-1", "octocat/hello", "fix the bug"); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if run.Repository != "octocat/hello" {
		t.Errorf("got repository %q", run.Repository)
	}
	if run.State != string(status.StatusInitializing) {
		t.Errorf("got state %q, want INITIALIZING", run.State)
	}
	if run.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestStartRun_Rerun_ResetsRow(t *testing.T) {
	s := openTestStore(t)

	if err := s.StartRun("run-1", "octocat/hello", "first"); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	if err := s.FinishRun("run-1", status.StatusFailed, "boom", ""); err != nil {
		t.Fatalf("FinishRun error: %v", err)
	}
	if err := s.StartRun("run-1", "octocat/hello", "second"); err != nil {
		t.Fatalf("re-StartRun error: %v", err)
	}

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if run.Instructions != "second" {
		t.Errorf("got instructions %q, want second", run.Instructions)
	}
	if run.State != string(status.StatusInitializing) || run.ErrorMessage != "" {
		t.Errorf("re-run did not reset state: %+v", run)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun("missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestRecordEvent_AdvancesState(t *testing.T) {
	s := openTestStore(t)

	if err := s.StartRun("run-1", "o/r", ""); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	for _, st := range []status.RunStatus{
		status.StatusInitializing,
		status.StatusCloningRepo,
		status.StatusImplementingCode,
		status.StatusImplementingCode,
		status.StatusCreatingPR,
	} {
		if err := s.RecordEvent("run-1", st, ""); err != nil {
			t.Fatalf("RecordEvent(%s) error: %v", st, err)
		}
	}

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if run.State != string(status.StatusCreatingPR) {
		t.Errorf("got state %q, want CREATING_PR", run.State)
	}

	events, err := s.ListEvents("run-1")
	if err != nil {
		t.Fatalf("ListEvents error: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	if events[1].Status != string(status.StatusCloningRepo) {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestFinishRun(t *testing.T) {
	s := openTestStore(t)

	if err := s.StartRun("run-1", "o/r", ""); err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	if err := s.FinishRun("run-1", status.StatusDone, "", "https://github.com/o/r/pull/1"); err != nil {
		t.Fatalf("FinishRun error: %v", err)
	}

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun error: %v", err)
	}
	if run.State != string(status.StatusDone) {
		t.Errorf("got state %q, want DONE", run.State)
	}
	if run.PRURL != "https://github.com/o/r/pull/1" {
		t.Errorf("got pr_url %q", run.PRURL)
	}
}

func TestFinishRun_UnknownRun(t *testing.T) {
	s := openTestStore(t)
	if err := s.FinishRun("missing", status.StatusDone, "", ""); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestListRuns_Filter(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.StartRun(id, "o/r", ""); err != nil {
			t.Fatalf("StartRun error: %v", err)
		}
	}
	if err := s.FinishRun("a", status.StatusDone, "", ""); err != nil {
		t.Fatalf("FinishRun error: %v", err)
	}
	if err := s.FinishRun("b", status.StatusFailed, "boom", ""); err != nil {
		t.Fatalf("FinishRun error: %v", err)
	}

	all, err := s.ListRuns(RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d runs, want 3", len(all))
	}

	failed, err := s.ListRuns(RunFilter{State: string(status.StatusFailed)})
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(failed) != 1 || failed[0].LogID != "b" {
		t.Fatalf("got %+v, want run b", failed)
	}

	terminal, err := s.ListRuns(RunFilter{States: []string{
		string(status.StatusDone), string(status.StatusFailed),
	}})
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(terminal) != 2 {
		t.Fatalf("got %d terminal runs, want 2", len(terminal))
	}
}

func TestListEvents_Empty(t *testing.T) {
	s := openTestStore(t)
	events, err := s.ListEvents("missing")
	if err != nil {
		t.Fatalf("ListEvents error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}
