package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/pureboot/pureboot/engine/internal/arbiter"
	"github.com/pureboot/pureboot/engine/internal/lifecycle"
	"github.com/pureboot/pureboot/pkg/backend/memory"
	"github.com/pureboot/pureboot/pkg/data"
)

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	m := &lifecycle.Machine{
		Store:     store,
		Approvals: memory.NewApprovals(),
		Log:       logr.Discard(),
	}
	e := &Engine{
		Store:   store,
		Machine: m,
		Locks:   arbiter.New(),
		Log:     logr.Discard(),
	}
	return e, store
}

func seedInstall(t *testing.T, store *memory.Store, state data.NodeState) (*data.Node, *data.Workflow) {
	t.Helper()
	ctx := context.Background()
	wf := &data.Workflow{
		ID:            "wf-debian",
		Name:          "debian install",
		Arch:          data.ArchX8664,
		Firmware:      data.FirmwareUEFI,
		InstallMethod: data.InstallMethodKernel,
		Tasks: []data.Task{
			{Ordinal: 1, Type: data.TaskImageDeploy},
			{Ordinal: 2, Type: data.TaskScriptRun},
			{Ordinal: 3, Type: data.TaskReboot},
		},
	}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("seeding workflow: %v", err)
	}
	n := &data.Node{
		ID:         "node-1",
		MAC:        "aa:bb:cc:dd:ee:ff",
		State:      state,
		WorkflowID: wf.ID,
	}
	if err := store.SeedNode(n); err != nil {
		t.Fatalf("seeding node: %v", err)
	}
	return n, wf
}

func openSession(t *testing.T, e *Engine, store *memory.Store) (*data.Node, *data.BootSession) {
	t.Helper()
	node, wf := seedInstall(t, store, data.StatePending)
	session, err := e.Open(context.Background(), node, wf, "operator")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return node, session
}

func report(session *data.BootSession, seq uint64, kind data.ReportKind, ordinal int) data.AgentReport {
	return data.AgentReport{
		ID:          "r-" + string(rune('a'+seq)),
		SessionID:   session.ID,
		Sequence:    seq,
		Kind:        kind,
		TaskOrdinal: ordinal,
		At:          time.Now(),
	}
}

func TestOpenTransitionsPendingNode(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	node, session := openSession(t, e, store)

	if session.Status != data.SessionActive || session.CurrentTask != 1 {
		t.Errorf("session = %+v, want active at first ordinal", session)
	}
	if node.State != data.StateInstalling {
		t.Errorf("node state = %s, want installing", node.State)
	}
	history, _ := store.Transitions(ctx, node.ID)
	if len(history) != 1 || history[0].To != data.StateInstalling {
		t.Errorf("history = %+v, want single pending->installing row", history)
	}

	// reopening returns the existing session instead of starting a second one
	wf, _ := store.GetWorkflow(ctx, node.WorkflowID)
	again, err := e.Open(ctx, node, wf, "operator")
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if again.ID != session.ID {
		t.Errorf("second Open() created session %s, want %s", again.ID, session.ID)
	}
}

func TestOpenWipingNodeSkipsTransition(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	node, wf := seedInstall(t, store, data.StateWiping)

	session, err := e.Open(ctx, node, wf, "operator")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if session.Status != data.SessionActive {
		t.Errorf("session status = %s, want active", session.Status)
	}

	got, _ := store.GetByID(ctx, node.ID)
	if got.State != data.StateWiping {
		t.Errorf("node state = %s, want wiping (unchanged)", got.State)
	}
	if history, _ := store.Transitions(ctx, node.ID); len(history) != 0 {
		t.Errorf("wipe session open wrote %d history rows", len(history))
	}
}

func TestOpenRejectsOtherStates(t *testing.T) {
	e, store := newTestEngine(t)
	node, wf := seedInstall(t, store, data.StateActive)

	if _, err := e.Open(context.Background(), node, wf, "operator"); err == nil {
		t.Fatal("Open() on an active node succeeded, want error")
	}
}

func TestProgressMovesForwardOnly(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	_, session := openSession(t, e, store)

	got, abort, err := e.HandleReport(ctx, report(session, 1, data.ReportProgress, 2))
	if err != nil || abort {
		t.Fatalf("HandleReport() = abort=%v err=%v", abort, err)
	}
	if got.CurrentTask != 2 {
		t.Fatalf("current task = %d, want 2", got.CurrentTask)
	}

	// a later report for an earlier task is acknowledged but ignored
	got, _, err = e.HandleReport(ctx, report(session, 2, data.ReportProgress, 1))
	if err != nil {
		t.Fatalf("HandleReport() error = %v", err)
	}
	if got.CurrentTask != 2 {
		t.Errorf("current task moved backwards to %d", got.CurrentTask)
	}
	if got.LastSequence != 2 {
		t.Errorf("last sequence = %d, want 2", got.LastSequence)
	}
}

func TestProgressResetsRetryState(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	_, session := openSession(t, e, store)

	got, _, err := e.HandleReport(ctx, report(session, 1, data.ReportFailed, 1))
	if err != nil {
		t.Fatalf("HandleReport(failed) error = %v", err)
	}
	if got.Attempts != 1 || got.RetryAt.IsZero() {
		t.Fatalf("failure not recorded: attempts=%d retryAt=%v", got.Attempts, got.RetryAt)
	}

	got, _, err = e.HandleReport(ctx, report(session, 2, data.ReportProgress, 2))
	if err != nil {
		t.Fatalf("HandleReport(progress) error = %v", err)
	}
	if got.Attempts != 0 || !got.RetryAt.IsZero() {
		t.Errorf("advancing a task kept retry state: attempts=%d retryAt=%v", got.Attempts, got.RetryAt)
	}
}

func TestStaleReportsDropped(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	_, session := openSession(t, e, store)

	if _, _, err := e.HandleReport(ctx, report(session, 5, data.ReportProgress, 2)); err != nil {
		t.Fatalf("HandleReport() error = %v", err)
	}

	// lower sequence
	got, _, err := e.HandleReport(ctx, report(session, 4, data.ReportProgress, 3))
	if err != nil {
		t.Fatalf("HandleReport(stale) error = %v", err)
	}
	if got.CurrentTask != 2 || got.LastSequence != 5 {
		t.Errorf("stale report applied: %+v", got)
	}

	// duplicate sequence loses to the already-applied report
	dup := report(session, 5, data.ReportProgress, 3)
	dup.ID = "zzz-later"
	got, _, err = e.HandleReport(ctx, dup)
	if err != nil {
		t.Fatalf("HandleReport(duplicate) error = %v", err)
	}
	if got.CurrentTask != 2 {
		t.Errorf("duplicate sequence report applied: %+v", got)
	}
}

func TestDuplicateSequenceTieBreak(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	_, session := openSession(t, e, store)

	first := report(session, 1, data.ReportProgress, 2)
	if _, _, err := e.HandleReport(ctx, first); err != nil {
		t.Fatalf("HandleReport() error = %v", err)
	}

	// a duplicate with an earlier timestamp would have won the race and
	// displaces the applied report
	winner := report(session, 1, data.ReportProgress, 3)
	winner.ID = "aaa-earlier"
	winner.At = first.At.Add(-time.Second)
	got, _, err := e.HandleReport(ctx, winner)
	if err != nil {
		t.Fatalf("HandleReport(winner) error = %v", err)
	}
	if got.CurrentTask != 3 || got.LastReportID != winner.ID {
		t.Errorf("earlier duplicate not applied: %+v", got)
	}

	// same timestamp, lexicographically larger id loses
	loser := report(session, 1, data.ReportProgress, 4)
	loser.ID = "zzz-later"
	loser.At = winner.At
	got, _, err = e.HandleReport(ctx, loser)
	if err != nil {
		t.Fatalf("HandleReport(loser) error = %v", err)
	}
	if got.CurrentTask != 3 {
		t.Errorf("losing duplicate applied: %+v", got)
	}
}

func TestFailureRetryLadder(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.NowFunc = func() time.Time { return now }
	node, session := openSession(t, e, store)

	waits := []time.Duration{2 * time.Second, 8 * time.Second, 32 * time.Second}
	for i, want := range waits {
		got, abort, err := e.HandleReport(ctx, report(session, uint64(i+1), data.ReportFailed, 1))
		if err != nil || abort {
			t.Fatalf("failure %d: abort=%v err=%v", i+1, abort, err)
		}
		if got.Status != data.SessionActive {
			t.Fatalf("failure %d closed the session: %s", i+1, got.Status)
		}
		if wait := got.RetryAt.Sub(now); wait != want {
			t.Errorf("retry %d scheduled after %v, want %v", i+1, wait, want)
		}
	}

	// the failure after the last scheduled retry exhausts the attempts
	got, _, err := e.HandleReport(ctx, report(session, 4, data.ReportFailed, 1))
	if err != nil {
		t.Fatalf("final failure error = %v", err)
	}
	if got.Status != data.SessionFailed {
		t.Errorf("session status = %s, want failed", got.Status)
	}
	stored, _ := store.GetByID(ctx, node.ID)
	if stored.State != data.StateInstallFailed {
		t.Errorf("node state = %s, want install_failed", stored.State)
	}
}

func TestCompletionInstallsNode(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	node, session := openSession(t, e, store)

	got, abort, err := e.HandleReport(ctx, report(session, 1, data.ReportCompleted, 3))
	if err != nil || abort {
		t.Fatalf("HandleReport() = abort=%v err=%v", abort, err)
	}
	if got.Status != data.SessionSucceeded {
		t.Errorf("session status = %s, want succeeded", got.Status)
	}
	stored, _ := store.GetByID(ctx, node.ID)
	if stored.State != data.StateInstalled {
		t.Errorf("node state = %s, want installed", stored.State)
	}

	// replaying the completion is a no-op
	history, _ := store.Transitions(ctx, node.ID)
	if _, _, err := e.HandleReport(ctx, report(session, 2, data.ReportCompleted, 3)); err != nil {
		t.Fatalf("replayed completion error = %v", err)
	}
	again, _ := store.Transitions(ctx, node.ID)
	if len(again) != len(history) {
		t.Errorf("replayed completion wrote history: %d -> %d rows", len(history), len(again))
	}
}

func TestCompletionDecommissionsWipingNode(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	node, wf := seedInstall(t, store, data.StateWiping)
	session, err := e.Open(ctx, node, wf, "operator")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	got, _, err := e.HandleReport(ctx, report(session, 1, data.ReportCompleted, 3))
	if err != nil {
		t.Fatalf("HandleReport() error = %v", err)
	}
	if got.Status != data.SessionSucceeded {
		t.Errorf("session status = %s, want succeeded", got.Status)
	}
	stored, _ := store.GetByID(ctx, node.ID)
	if stored.State != data.StateDecommissioned {
		t.Errorf("node state = %s, want decommissioned", stored.State)
	}
}

func TestFirstBootActivatesInstalledNode(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	node, session := openSession(t, e, store)

	if _, _, err := e.HandleReport(ctx, report(session, 1, data.ReportCompleted, 3)); err != nil {
		t.Fatalf("completion error = %v", err)
	}

	// the first boot report arrives after the session closed
	if _, _, err := e.HandleReport(ctx, report(session, 2, data.ReportFirstBootOK, 0)); err != nil {
		t.Fatalf("first boot report error = %v", err)
	}
	stored, _ := store.GetByID(ctx, node.ID)
	if stored.State != data.StateActive {
		t.Fatalf("node state = %s, want active", stored.State)
	}

	// a replayed first boot report has no further effect
	history, _ := store.Transitions(ctx, node.ID)
	if _, _, err := e.HandleReport(ctx, report(session, 3, data.ReportFirstBootOK, 0)); err != nil {
		t.Fatalf("replayed first boot error = %v", err)
	}
	again, _ := store.Transitions(ctx, node.ID)
	if len(again) != len(history) {
		t.Errorf("replayed first boot wrote history: %d -> %d rows", len(history), len(again))
	}
}

func TestCancelRollsBackOnNextReport(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	node, session := openSession(t, e, store)

	if err := e.Cancel(ctx, session.ID, "operator"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	got, abort, err := e.HandleReport(ctx, report(session, 1, data.ReportProgress, 2))
	if err != nil {
		t.Fatalf("HandleReport() error = %v", err)
	}
	if !abort {
		t.Fatal("report on a cancelled session did not instruct abort")
	}
	if got.Status != data.SessionCancelled {
		t.Errorf("session status = %s, want cancelled", got.Status)
	}

	stored, _ := store.GetByID(ctx, node.ID)
	if stored.State != data.StatePending {
		t.Fatalf("node state = %s, want pending after rollback", stored.State)
	}
	history, _ := store.Transitions(ctx, node.ID)
	// open, rollback through install_failed, back to pending
	if len(history) != 3 {
		t.Fatalf("history = %d rows, want 3", len(history))
	}
	if history[1].To != data.StateInstallFailed || history[2].To != data.StatePending {
		t.Errorf("rollback path = %s, %s", history[1].To, history[2].To)
	}

	// the next report aborts again without repeating the rollback
	if _, abort, err = e.HandleReport(ctx, report(session, 2, data.ReportProgress, 2)); err != nil || !abort {
		t.Fatalf("second report: abort=%v err=%v", abort, err)
	}
	if again, _ := store.Transitions(ctx, node.ID); len(again) != 3 {
		t.Errorf("repeated finalize wrote history: %d rows", len(again))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	_, session := openSession(t, e, store)

	if err := e.Cancel(ctx, session.ID, "operator"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	first, _ := store.GetSession(ctx, session.ID)
	if err := e.Cancel(ctx, session.ID, "operator"); err != nil {
		t.Fatalf("second Cancel() error = %v", err)
	}
	second, _ := store.GetSession(ctx, session.ID)
	if !second.CancelledAt.Equal(first.CancelledAt) {
		t.Errorf("second cancel moved CancelledAt: %v -> %v", first.CancelledAt, second.CancelledAt)
	}
}

func TestSweepTimesOutStalledSession(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.NowFunc = func() time.Time { return now }
	e.DefaultTaskTimeout = 10 * time.Minute
	node, session := openSession(t, e, store)

	// just inside the timeout nothing happens
	now = now.Add(9 * time.Minute)
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	got, _ := store.GetSession(ctx, session.ID)
	if got.Status != data.SessionActive {
		t.Fatalf("session closed before the timeout: %s", got.Status)
	}

	now = now.Add(2 * time.Minute)
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	got, _ = store.GetSession(ctx, session.ID)
	if got.Status != data.SessionTimedOut {
		t.Errorf("session status = %s, want timed_out", got.Status)
	}
	stored, _ := store.GetByID(ctx, node.ID)
	if stored.State != data.StateInstallFailed {
		t.Errorf("node state = %s, want install_failed", stored.State)
	}
}

func TestSweepHonorsPerTaskTimeout(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.NowFunc = func() time.Time { return now }
	e.DefaultTaskTimeout = time.Hour

	node, wf := seedInstall(t, store, data.StatePending)
	wf.Tasks[0].Timeout = 5 * time.Minute
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("updating workflow: %v", err)
	}
	session, err := e.Open(ctx, node, wf, "operator")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	now = now.Add(6 * time.Minute)
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	got, _ := store.GetSession(ctx, session.ID)
	if got.Status != data.SessionTimedOut {
		t.Errorf("session status = %s, want timed_out on the task override", got.Status)
	}
}

func TestSweepFinalizesSilentCancel(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	e.NowFunc = func() time.Time { return now }
	e.CancelGrace = 30 * time.Second
	node, session := openSession(t, e, store)

	if err := e.Cancel(ctx, session.ID, "operator"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	// inside the grace period the sweeper waits for the agent
	now = now.Add(10 * time.Second)
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	got, _ := store.GetSession(ctx, session.ID)
	if got.Finalized {
		t.Fatal("cancel finalized inside the grace period")
	}

	now = now.Add(25 * time.Second)
	if err := e.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	got, _ = store.GetSession(ctx, session.ID)
	if !got.Finalized {
		t.Fatal("cancel not finalized after the grace period")
	}
	stored, _ := store.GetByID(ctx, node.ID)
	if stored.State != data.StatePending {
		t.Errorf("node state = %s, want pending after rollback", stored.State)
	}
}
