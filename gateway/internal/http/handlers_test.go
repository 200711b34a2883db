package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/pureboot/pureboot/engine"
	"github.com/pureboot/pureboot/pkg/data"
)

type fakeEngine struct {
	decision  *data.BootDecision
	session   *data.BootSession
	abort     bool
	result    engine.TransitionResult
	approval  *data.Approval
	err       error
	lastHints data.IdentityHints
}

func (f *fakeEngine) NextDecision(_ context.Context, hints data.IdentityHints) (*data.BootDecision, error) {
	f.lastHints = hints
	return f.decision, f.err
}

func (f *fakeEngine) Report(context.Context, data.AgentReport) (*data.BootSession, bool, error) {
	return f.session, f.abort, f.err
}

func (f *fakeEngine) CancelSession(context.Context, string, string) error { return f.err }

func (f *fakeEngine) SubmitDiskScan(context.Context, data.DiskScan) error { return f.err }

func (f *fakeEngine) DiskScan(context.Context, string) (*data.DiskScan, error) {
	return &data.DiskScan{}, f.err
}

func (f *fakeEngine) PlanPartitionOps(_ context.Context, _ string, ops []data.PartitionOperation) ([]data.PartitionOperation, error) {
	return ops, f.err
}

func (f *fakeEngine) PartitionOps(context.Context, string) ([]data.PartitionOperation, error) {
	return nil, f.err
}

func (f *fakeEngine) ReportPartitionOp(context.Context, string, string, data.PartitionOpStatus) error {
	return f.err
}

func (f *fakeEngine) Transition(context.Context, string, data.NodeState, string, string) (engine.TransitionResult, error) {
	return f.result, f.err
}

func (f *fakeEngine) AssignWorkflow(context.Context, string, string, string) error { return f.err }

func (f *fakeEngine) Vote(context.Context, string, string, bool, string) (*data.Approval, error) {
	return f.approval, f.err
}

func (f *fakeEngine) Node(context.Context, string) (*data.Node, error) {
	return &data.Node{ID: "node-1", MAC: "aa:bb:cc:dd:ee:ff"}, f.err
}

func (f *fakeEngine) Transitions(context.Context, string) ([]data.StateTransition, error) {
	return nil, f.err
}

func (f *fakeEngine) Approval(context.Context, string) (*data.Approval, error) {
	return f.approval, f.err
}

func (f *fakeEngine) OpenArtifact(context.Context, string) (io.ReadCloser, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return io.NopCloser(strings.NewReader("artifact-bytes")), 14, nil
}

func newAPI(e *fakeEngine) http.Handler {
	api := &API{Log: logr.Discard(), Engine: e, StartTime: time.Now()}
	return api.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNextRequiresMAC(t *testing.T) {
	h := newAPI(&fakeEngine{})
	w := do(t, h, http.MethodGet, "/api/v1/next", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestNextReturnsDecision(t *testing.T) {
	e := &fakeEngine{decision: &data.BootDecision{
		Kind:      data.DecisionInstall,
		NodeID:    "node-1",
		SessionID: "sess-1",
		Artifacts: []data.Artifact{{Name: "vmlinuz", Kind: "kernel", URL: "http://x/vmlinuz"}},
	}}
	h := newAPI(e)

	w := do(t, h, http.MethodGet, "/api/v1/next?mac=aa:bb:cc:dd:ee:ff", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got data.BootDecision
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got.Kind != data.DecisionInstall || got.SessionID != "sess-1" || len(got.Artifacts) != 1 {
		t.Errorf("decision = %+v", got)
	}
}

func TestNextSilentDenyHidesDetail(t *testing.T) {
	e := &fakeEngine{decision: &data.BootDecision{Kind: data.DecisionDeny, Silent: true, NodeID: "node-1", Reason: "node ignored"}}
	h := newAPI(e)

	w := do(t, h, http.MethodGet, "/api/v1/next?mac=aa:bb:cc:dd:ee:ff", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "node-1") || strings.Contains(body, "ignored") {
		t.Errorf("silent deny leaked detail: %s", body)
	}
}

func TestIPXEMenu(t *testing.T) {
	e := &fakeEngine{decision: &data.BootDecision{Kind: data.DecisionLocal}}
	h := newAPI(e)

	w := do(t, h, http.MethodGet, "/api/v1/menus/aa:bb:cc:dd:ee:ff.ipxe", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "sanboot --drive 0x80\n" {
		t.Errorf("body = %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
}

func TestIPXEMenuByNodeID(t *testing.T) {
	e := &fakeEngine{decision: &data.BootDecision{Kind: data.DecisionLocal}}
	h := newAPI(e)

	w := do(t, h, http.MethodGet, "/api/v1/menus/node-1.ipxe", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "sanboot --drive 0x80\n" {
		t.Errorf("body = %q", w.Body.String())
	}
	if e.lastHints.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("decision requested for MAC %q, want the node's MAC", e.lastHints.MAC)
	}
}

func TestIPXEMenuSilentDeny(t *testing.T) {
	e := &fakeEngine{decision: &data.BootDecision{Kind: data.DecisionDeny, Silent: true}}
	h := newAPI(e)

	w := do(t, h, http.MethodGet, "/api/v1/menus/aa:bb:cc:dd:ee:ff.ipxe", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("silent deny wrote a body: %q", w.Body.String())
	}
}

func TestArtifactStreams(t *testing.T) {
	h := newAPI(&fakeEngine{})
	w := do(t, h, http.MethodGet, "/artifacts/images/debian/vmlinuz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "artifact-bytes" {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("Content-Length") != "14" {
		t.Errorf("content length = %q", w.Header().Get("Content-Length"))
	}
}

func TestReportTellsAgentToAbort(t *testing.T) {
	e := &fakeEngine{
		session: &data.BootSession{ID: "sess-1", Status: data.SessionCancelled, CurrentTask: 2},
		abort:   true,
	}
	h := newAPI(e)

	w := do(t, h, http.MethodPost, "/api/v1/report", `{"session_id":"sess-1","sequence":3,"kind":"progress","task_ordinal":2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got reportResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if !got.Abort || got.Status != data.SessionCancelled {
		t.Errorf("response = %+v", got)
	}
}

func TestReportRejectsUnknownFields(t *testing.T) {
	h := newAPI(&fakeEngine{session: &data.BootSession{}})
	w := do(t, h, http.MethodPost, "/api/v1/report", `{"session_id":"s","bogus":true}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTransitionAcceptedWhenGated(t *testing.T) {
	e := &fakeEngine{result: engine.TransitionResult{ApprovalID: "ap-1"}}
	h := newAPI(e)

	w := do(t, h, http.MethodPost, "/api/v1/nodes/node-1/transition", `{"to":"retired","actor":"alice"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ap-1") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestTransitionCommitted(t *testing.T) {
	e := &fakeEngine{result: engine.TransitionResult{Transition: &data.StateTransition{ID: "t-1"}}}
	h := newAPI(e)

	w := do(t, h, http.MethodPost, "/api/v1/nodes/node-1/transition", `{"to":"pending","actor":"alice"}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestTransitionRequiresToAndActor(t *testing.T) {
	h := newAPI(&fakeEngine{})
	w := do(t, h, http.MethodPost, "/api/v1/nodes/node-1/transition", `{"to":"pending"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCancelSessionAccepted(t *testing.T) {
	h := newAPI(&fakeEngine{})
	w := do(t, h, http.MethodPost, "/api/v1/sessions/sess-1/cancel", `{"actor":"alice"}`)
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}

func TestVoteRequiresVoter(t *testing.T) {
	h := newAPI(&fakeEngine{approval: &data.Approval{}})
	w := do(t, h, http.MethodPost, "/api/v1/approvals/ap-1/vote", `{"approve":true}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := map[string]struct {
		err        error
		wantStatus int
	}{
		"malformed":        {err: engine.ErrMalformedRequest, wantStatus: http.StatusBadRequest},
		"unknown node":     {err: engine.ErrUnknownNode, wantStatus: http.StatusNotFound},
		"not found":        {err: data.ErrNotFound, wantStatus: http.StatusNotFound},
		"illegal":          {err: engine.ErrIllegalTransition, wantStatus: http.StatusConflict},
		"self approval":    {err: engine.ErrSelfApprovalForbidden, wantStatus: http.StatusForbidden},
		"conflict":         {err: data.ErrConflict, wantStatus: http.StatusConflict},
		"busy":             {err: engine.ErrBusy, wantStatus: http.StatusServiceUnavailable},
		"store down":       {err: engine.ErrStoreUnavailable, wantStatus: http.StatusServiceUnavailable},
		"template":         {err: &engine.TemplateError{Placeholder: "kernel"}, wantStatus: http.StatusConflict},
		"anything else":    {err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			h := newAPI(&fakeEngine{err: tc.err})
			w := do(t, h, http.MethodGet, "/api/v1/nodes/node-1", "")
			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
		})
	}
}

func TestBusySetsRetryAfter(t *testing.T) {
	h := newAPI(&fakeEngine{err: engine.ErrBusy})
	w := do(t, h, http.MethodGet, "/api/v1/nodes/node-1", "")
	if w.Header().Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}
}

func TestHealthcheck(t *testing.T) {
	h := newAPI(&fakeEngine{})
	w := do(t, h, http.MethodGet, "/healthcheck", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("healthcheck body missing uptime")
	}
}
