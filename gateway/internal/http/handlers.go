package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pureboot/pureboot/engine"
	"github.com/pureboot/pureboot/gateway/internal/menu"
	"github.com/pureboot/pureboot/pkg/data"
)

// Engine is the lifecycle engine surface the HTTP API uses.
type Engine interface {
	NextDecision(ctx context.Context, hints data.IdentityHints) (*data.BootDecision, error)
	Report(ctx context.Context, report data.AgentReport) (*data.BootSession, bool, error)
	CancelSession(ctx context.Context, sessionID, actor string) error
	SubmitDiskScan(ctx context.Context, scan data.DiskScan) error
	DiskScan(ctx context.Context, nodeID string) (*data.DiskScan, error)
	PlanPartitionOps(ctx context.Context, nodeID string, ops []data.PartitionOperation) ([]data.PartitionOperation, error)
	PartitionOps(ctx context.Context, nodeID string) ([]data.PartitionOperation, error)
	ReportPartitionOp(ctx context.Context, nodeID, opID string, status data.PartitionOpStatus) error
	Transition(ctx context.Context, nodeID string, to data.NodeState, actor, comment string) (engine.TransitionResult, error)
	AssignWorkflow(ctx context.Context, nodeID, workflowID, actor string) error
	Vote(ctx context.Context, approvalID, voter string, approve bool, comment string) (*data.Approval, error)
	Node(ctx context.Context, nodeID string) (*data.Node, error)
	Transitions(ctx context.Context, nodeID string) ([]data.StateTransition, error)
	Approval(ctx context.Context, id string) (*data.Approval, error)
	OpenArtifact(ctx context.Context, ref string) (io.ReadCloser, int64, error)
}

// API wires the gateway's HTTP routes.
type API struct {
	Log       logr.Logger
	Engine    Engine
	StartTime time.Time
	// TrustedProxies lists networks whose X-Forwarded-For header is
	// honored when logging client addresses.
	TrustedProxies []netip.Prefix
	// MaxInFlight caps concurrent requests; zero disables the cap.
	MaxInFlight int
}

// Handler builds the complete route table wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	// boot surface
	mux.HandleFunc("GET /api/v1/next", a.next)
	mux.HandleFunc("GET /api/v1/menus/{file}", a.ipxeMenu)
	mux.HandleFunc("GET /artifacts/{ref...}", a.artifact)

	// agent channel
	mux.HandleFunc("POST /api/v1/report", a.report)
	mux.HandleFunc("POST /api/v1/nodes/{id}/disks/report", a.diskReport)
	mux.HandleFunc("GET /api/v1/nodes/{id}/partition-operations", a.partitionOps)
	mux.HandleFunc("POST /api/v1/nodes/{id}/disks/{device}/operations", a.planPartitionOps)
	mux.HandleFunc("POST /api/v1/nodes/{id}/partition-operations/{op}/status", a.partitionOpStatus)

	// operator surface
	mux.HandleFunc("GET /api/v1/nodes/{id}", a.node)
	mux.HandleFunc("GET /api/v1/nodes/{id}/transitions", a.transitions)
	mux.HandleFunc("POST /api/v1/nodes/{id}/transition", a.transition)
	mux.HandleFunc("POST /api/v1/nodes/{id}/workflow", a.assignWorkflow)
	mux.HandleFunc("GET /api/v1/nodes/{id}/disks", a.disks)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", a.cancelSession)
	mux.HandleFunc("GET /api/v1/approvals/{id}", a.approval)
	mux.HandleFunc("POST /api/v1/approvals/{id}/vote", a.vote)

	mux.HandleFunc("GET /healthcheck", a.healthcheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = RequestMetrics()(handler)
	handler = Logging(a.Log, a.TrustedProxies)(handler)
	handler = OTel("pureboot-gateway")(handler)
	handler = ConcurrencyLimit(a.MaxInFlight)(handler)
	handler = Recovery(a.Log)(handler)
	return handler
}

// writeError maps engine boundary errors to status codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, engine.ErrMalformedRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownNode), errors.Is(err, data.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrSelfApprovalForbidden):
		status = http.StatusForbidden
	case errors.Is(err, data.ErrSelfApproval):
		status = http.StatusForbidden
	case errors.Is(err, data.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrBusy):
		w.Header().Set("Retry-After", "2")
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	default:
		var te *engine.TemplateError
		if errors.As(err, &te) {
			status = http.StatusConflict
			break
		}
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrMalformedRequest, err)
	}
	return nil
}

// next answers GET /api/v1/next?mac= with the node's boot decision.
func (a *API) next(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	if mac == "" {
		a.writeError(w, fmt.Errorf("%w: missing mac parameter", engine.ErrMalformedRequest))
		return
	}
	decision, err := a.Engine.NextDecision(r.Context(), data.IdentityHints{MAC: mac})
	if err != nil {
		a.writeError(w, err)
		return
	}
	if decision.Kind == data.DecisionDeny && decision.Silent {
		// ignored nodes get a deny body with no detail
		writeJSON(w, http.StatusForbidden, map[string]string{"decision": string(data.DecisionDeny)})
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// ipxeMenu renders the decision as an iPXE script. The path segment is a
// node id; a MAC is accepted too because the DHCP bootfile URL carries the
// client MAC before any node id is known to the client.
func (a *API) ipxeMenu(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(r.PathValue("file"), ".ipxe")
	if !ok {
		http.NotFound(w, r)
		return
	}
	mac := id
	if !strings.Contains(id, ":") {
		node, err := a.Engine.Node(r.Context(), id)
		if err != nil {
			a.writeError(w, err)
			return
		}
		mac = node.MAC
	}
	decision, err := a.Engine.NextDecision(r.Context(), data.IdentityHints{MAC: mac})
	if err != nil {
		a.writeError(w, err)
		return
	}
	body, err := menu.Render(menu.FormatIPXE, decision)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if body == nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(body)
}

// artifact streams a boot artifact by reference.
func (a *API) artifact(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	rc, size, err := a.Engine.OpenArtifact(r.Context(), ref)
	if err != nil {
		a.writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		a.Log.V(1).Info("artifact stream aborted", "ref", ref, "reason", err.Error())
	}
}

type reportResponse struct {
	SessionID   string             `json:"session_id"`
	Status      data.SessionStatus `json:"status"`
	CurrentTask int                `json:"current_task"`
	Abort       bool               `json:"abort"`
}

// report applies one agent report. The response tells the agent whether to
// abort (session cancelled server-side).
func (a *API) report(w http.ResponseWriter, r *http.Request) {
	var report data.AgentReport
	if err := decodeJSON(r, &report); err != nil {
		a.writeError(w, err)
		return
	}
	session, abort, err := a.Engine.Report(r.Context(), report)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{
		SessionID:   session.ID,
		Status:      session.Status,
		CurrentTask: session.CurrentTask,
		Abort:       abort,
	})
}

// diskReport replaces the node's disk inventory.
func (a *API) diskReport(w http.ResponseWriter, r *http.Request) {
	var scan data.DiskScan
	if err := decodeJSON(r, &scan); err != nil {
		a.writeError(w, err)
		return
	}
	scan.NodeID = r.PathValue("id")
	if err := a.Engine.SubmitDiskScan(r.Context(), scan); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// disks returns the node's latest disk scan.
func (a *API) disks(w http.ResponseWriter, r *http.Request) {
	scan, err := a.Engine.DiskScan(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// partitionOps returns the node's open partition operations in execution
// order.
func (a *API) partitionOps(w http.ResponseWriter, r *http.Request) {
	ops, err := a.Engine.PartitionOps(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

// planPartitionOps stores a partition plan for one device of a node.
func (a *API) planPartitionOps(w http.ResponseWriter, r *http.Request) {
	var ops []data.PartitionOperation
	if err := decodeJSON(r, &ops); err != nil {
		a.writeError(w, err)
		return
	}
	device := r.PathValue("device")
	for i := range ops {
		ops[i].Device = device
	}
	planned, err := a.Engine.PlanPartitionOps(r.Context(), r.PathValue("id"), ops)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, planned)
}

// partitionOpStatus records an agent's status for a partition operation.
func (a *API) partitionOpStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status data.PartitionOpStatus `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.Engine.ReportPartitionOp(r.Context(), r.PathValue("id"), r.PathValue("op"), body.Status); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// node returns a node record.
func (a *API) node(w http.ResponseWriter, r *http.Request) {
	n, err := a.Engine.Node(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// transitions returns the node's state history.
func (a *API) transitions(w http.ResponseWriter, r *http.Request) {
	ts, err := a.Engine.Transitions(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// transition requests an operator state change.
func (a *API) transition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To      data.NodeState `json:"to"`
		Actor   string         `json:"actor"`
		Comment string         `json:"comment"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if body.To == "" || body.Actor == "" {
		a.writeError(w, fmt.Errorf("%w: to and actor are required", engine.ErrMalformedRequest))
		return
	}
	res, err := a.Engine.Transition(r.Context(), r.PathValue("id"), body.To, body.Actor, body.Comment)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if res.ApprovalID != "" {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// assignWorkflow binds a workflow to a node.
func (a *API) assignWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkflowID string `json:"workflow_id"`
		Actor      string `json:"actor"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if body.WorkflowID == "" {
		a.writeError(w, fmt.Errorf("%w: workflow_id is required", engine.ErrMalformedRequest))
		return
	}
	if err := a.Engine.AssignWorkflow(r.Context(), r.PathValue("id"), body.WorkflowID, body.Actor); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancelSession requests cancellation of a boot session.
func (a *API) cancelSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.Engine.CancelSession(r.Context(), r.PathValue("id"), body.Actor); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// approval returns an approval with its votes.
func (a *API) approval(w http.ResponseWriter, r *http.Request) {
	ap, err := a.Engine.Approval(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

// vote records an approval vote.
func (a *API) vote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Voter   string `json:"voter"`
		Approve bool   `json:"approve"`
		Comment string `json:"comment"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, err)
		return
	}
	if body.Voter == "" {
		a.writeError(w, fmt.Errorf("%w: voter is required", engine.ErrMalformedRequest))
		return
	}
	ap, err := a.Engine.Vote(r.Context(), r.PathValue("id"), body.Voter, body.Approve, body.Comment)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

// healthcheck reports process liveness with uptime and goroutine count.
func (a *API) healthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":     time.Since(a.StartTime).String(),
		"goroutines": runtime.NumGoroutine(),
	})
}
