package engine

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/pureboot/pureboot/pkg/backend/memory"
	"github.com/pureboot/pureboot/pkg/data"
)

type stubBlobs struct{}

func (stubBlobs) Resolve(_ context.Context, ref string) (*url.URL, error) {
	return &url.URL{Scheme: "http", Host: "10.0.0.1:7171", Path: "/artifacts/" + ref}, nil
}

func (stubBlobs) Open(context.Context, *url.URL) (io.ReadCloser, int64, string, error) {
	return io.NopCloser(strings.NewReader("blob")), 4, "application/octet-stream", nil
}

func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	e, err := New(Config{
		Store:     store,
		Blobs:     stubBlobs{},
		Approvals: memory.NewApprovals(),
		Log:       logr.Discard(),
		BaseURL:   &url.URL{Scheme: "http", Host: "10.0.0.1:7171"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, store
}

func seedPendingNode(t *testing.T, store *memory.Store) *data.Node {
	t.Helper()
	ctx := context.Background()
	wf := &data.Workflow{
		ID:            "wf-debian",
		Name:          "debian install",
		Arch:          data.ArchX8664,
		Firmware:      data.FirmwareUEFI,
		InstallMethod: data.InstallMethodKernel,
		KernelRef:     "images/vmlinuz",
		Cmdline:       "quiet",
		Tasks: []data.Task{
			{Ordinal: 1, Type: data.TaskImageDeploy},
			{Ordinal: 2, Type: data.TaskReboot},
		},
	}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatalf("seeding workflow: %v", err)
	}
	n := &data.Node{
		ID:         "node-1",
		MAC:        "aa:bb:cc:dd:ee:ff",
		State:      data.StatePending,
		Arch:       data.ArchX8664,
		Firmware:   data.FirmwareUEFI,
		WorkflowID: wf.ID,
	}
	if err := store.SeedNode(n); err != nil {
		t.Fatalf("seeding node: %v", err)
	}
	return n
}

func TestNextDecisionOpensInstallSession(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	node := seedPendingNode(t, store)

	decision, err := e.NextDecision(ctx, data.IdentityHints{MAC: node.MAC})
	if err != nil {
		t.Fatalf("NextDecision() error = %v", err)
	}
	if decision.Kind != data.DecisionInstall || decision.SessionID == "" {
		t.Fatalf("decision = %+v, want install with a session", decision)
	}

	stored, _ := store.GetByID(ctx, node.ID)
	if stored.State != data.StateInstalling {
		t.Errorf("node state = %s, want installing", stored.State)
	}
	if _, err := store.ActiveSession(ctx, node.ID); err != nil {
		t.Errorf("no active session after install decision: %v", err)
	}
}

func TestReportPersistsSessionProgress(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	node := seedPendingNode(t, store)

	decision, err := e.NextDecision(ctx, data.IdentityHints{MAC: node.MAC})
	if err != nil {
		t.Fatalf("NextDecision() error = %v", err)
	}

	session, abort, err := e.Report(ctx, data.AgentReport{
		SessionID:   decision.SessionID,
		Sequence:    1,
		Kind:        data.ReportProgress,
		TaskOrdinal: 2,
	})
	if err != nil || abort {
		t.Fatalf("Report() = abort=%v err=%v", abort, err)
	}
	if session.CurrentTask != 2 {
		t.Errorf("current task = %d, want 2", session.CurrentTask)
	}

	stored, err := store.GetSession(ctx, decision.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if stored.CurrentTask != 2 || stored.LastSequence != 1 {
		t.Errorf("progress not persisted: %+v", stored)
	}
}

func TestTransitionRejectsIllegalPair(t *testing.T) {
	e, store := newTestEngine(t)
	node := seedPendingNode(t, store)

	_, err := e.Transition(context.Background(), node.ID, data.StateActive, "operator", "")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Transition() error = %v, want ErrIllegalTransition", err)
	}
}
