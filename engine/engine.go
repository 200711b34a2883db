// Package engine is the PureBoot lifecycle engine: identity resolution,
// the node state machine, boot decisions, workflow progression, the agent
// channel, and approval gating behind one facade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pureboot/pureboot/engine/internal/arbiter"
	"github.com/pureboot/pureboot/engine/internal/artifact"
	"github.com/pureboot/pureboot/engine/internal/identity"
	"github.com/pureboot/pureboot/engine/internal/lifecycle"
	"github.com/pureboot/pureboot/engine/internal/policy"
	"github.com/pureboot/pureboot/engine/internal/workflow"
	"github.com/pureboot/pureboot/pkg/data"
)

// Config carries every tunable of the engine. Zero values select the
// documented defaults.
type Config struct {
	Store     NodeStore
	Blobs     BlobStore
	Approvals ApprovalService
	Audit     AuditSink
	Log       logr.Logger
	Clock     Clock

	// BaseURL is the node-facing HTTP base used in kernel cmdlines.
	BaseURL *url.URL

	AutoDiscovery  bool
	PiDiscovery    bool
	PiDefaultModel string

	// GatedOps lists the approval-gated operations.
	GatedOps    []string
	Quorum      int
	ApprovalTTL time.Duration

	MaxAttempts        int
	InitialBackoff     time.Duration
	DefaultTaskTimeout time.Duration
	CancelGrace        time.Duration

	LockWait    time.Duration
	DedupWindow time.Duration

	// SweepInterval is how often the monitor scans sessions for timeouts
	// and unacknowledged cancels.
	SweepInterval time.Duration
}

// Engine is the lifecycle engine facade. Construct with New.
type Engine struct {
	cfg Config
	log logr.Logger

	store     NodeStore
	approvals ApprovalService

	arbiter  *arbiter.Arbiter
	identity *identity.Resolver
	machine  *lifecycle.Machine
	gate     *lifecycle.Gate
	workflow *workflow.Engine
	policy   *policy.Policy
	artifact *artifact.Resolver
}

// New wires the engine from its collaborators.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: Store is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("engine: Blobs is required")
	}
	if cfg.Approvals == nil {
		return nil, errors.New("engine: Approvals is required")
	}
	if cfg.BaseURL == nil {
		return nil, errors.New("engine: BaseURL is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = ClockFunc(time.Now)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = 24 * time.Hour
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = 1
	}
	if len(cfg.GatedOps) == 0 {
		cfg.GatedOps = []string{"retire", "wipe", "reprovision"}
	}

	audit := func(data.AuditEvent) {}
	if cfg.Audit != nil {
		audit = cfg.Audit.Append
	}

	arb := arbiter.New()
	if cfg.LockWait > 0 {
		arb.Wait = cfg.LockWait
	}
	if cfg.DedupWindow > 0 {
		arb.DedupWindow = cfg.DedupWindow
	}

	gated := make(map[string]bool, len(cfg.GatedOps))
	for _, op := range cfg.GatedOps {
		gated[op] = true
	}

	machine := &lifecycle.Machine{
		Store:       cfg.Store,
		Approvals:   cfg.Approvals,
		Audit:       audit,
		Log:         cfg.Log.WithName("lifecycle"),
		GatedOps:    gated,
		Quorum:      cfg.Quorum,
		ApprovalTTL: cfg.ApprovalTTL,
		NowFunc:     cfg.Clock.Now,
	}

	wf := &workflow.Engine{
		Store:              cfg.Store,
		Machine:            machine,
		Locks:              arb,
		Audit:              audit,
		Log:                cfg.Log.WithName("workflow"),
		MaxAttempts:        cfg.MaxAttempts,
		InitialBackoff:     cfg.InitialBackoff,
		DefaultTaskTimeout: cfg.DefaultTaskTimeout,
		CancelGrace:        cfg.CancelGrace,
		NowFunc:            cfg.Clock.Now,
	}

	resolver := &artifact.Resolver{
		Blobs:   cfg.Blobs,
		BaseURL: cfg.BaseURL,
	}

	e := &Engine{
		cfg:       cfg,
		log:       cfg.Log,
		store:     cfg.Store,
		approvals: cfg.Approvals,
		arbiter:   arb,
		identity: &identity.Resolver{
			Store:          cfg.Store,
			Log:            cfg.Log.WithName("identity"),
			AutoDiscovery:  cfg.AutoDiscovery,
			PiDiscovery:    cfg.PiDiscovery,
			PiDefaultModel: cfg.PiDefaultModel,
			NowFunc:        cfg.Clock.Now,
		},
		machine: machine,
		gate: &lifecycle.Gate{
			Machine:   machine,
			Approvals: cfg.Approvals,
			Lister:    cfg.Approvals,
			Locks:     arb,
		},
		workflow: wf,
		policy: &policy.Policy{
			Store:     cfg.Store,
			Artifacts: resolver,
			Sessions:  wf,
			Log:       cfg.Log.WithName("policy"),
		},
		artifact: resolver,
	}
	return e, nil
}

// Run starts the engine's background loops: the approval gate consumer, the
// session timeout sweeper, and dedup cache expiry. Blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := e.gate.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := e.workflow.Sweep(ctx); err != nil {
					e.log.Error(err, "session sweep")
				}
				if err := e.gate.Reconcile(ctx); err != nil {
					e.log.Error(err, "approval reconcile")
				}
				e.arbiter.Expire()
			}
		}
	})

	return g.Wait()
}

// mapErr converts internal errors to the boundary error set.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identity.ErrMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	case errors.Is(err, identity.ErrUnknown):
		return fmt.Errorf("%w: %v", ErrUnknownNode, err)
	case errors.Is(err, arbiter.ErrWaitExceeded):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case errors.Is(err, data.ErrSelfApproval):
		return fmt.Errorf("%w: %v", ErrSelfApprovalForbidden, err)
	case errors.Is(err, data.ErrNotFound), errors.Is(err, data.ErrConflict),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		var te *artifact.TemplateError
		if errors.As(err, &te) {
			return &TemplateError{Placeholder: te.Placeholder}
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// NextDecision resolves the request's identity and answers with the node's
// boot decision. Identical requests within the dedup window share one
// answer. This is the single decision core behind every protocol surface.
func (e *Engine) NextDecision(ctx context.Context, hints data.IdentityHints) (*data.BootDecision, error) {
	key := "next/" + hints.MAC
	v, err := e.arbiter.Dedup(key, func() (any, error) {
		return e.decide(ctx, hints)
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return v.(*data.BootDecision), nil
}

func (e *Engine) decide(ctx context.Context, hints data.IdentityHints) (*data.BootDecision, error) {
	node, err := e.identity.Resolve(ctx, hints)
	if err != nil {
		return nil, err
	}

	unlock, err := e.arbiter.Lock(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// re-read under the lock; the snapshot taken during resolution may be
	// behind a concurrent transition
	node, err = e.store.GetByID(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	return e.policy.Decide(ctx, node)
}

// DecidePiBoot answers a Raspberry Pi serial-addressed boot file request.
// Pi firmware speaks before DHCP identity exists, so the serial is the only
// identity available.
func (e *Engine) DecidePiBoot(ctx context.Context, serial string) (*data.BootDecision, error) {
	key := "pi/" + serial
	v, err := e.arbiter.Dedup(key, func() (any, error) {
		node, err := e.identity.ResolveSerial(ctx, serial)
		if err != nil {
			return nil, err
		}
		unlock, err := e.arbiter.Lock(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		node, err = e.store.GetByID(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		return e.policy.Decide(ctx, node)
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return v.(*data.BootDecision), nil
}

// Report applies one agent report. Returns the session and whether the agent
// must abort its workflow.
func (e *Engine) Report(ctx context.Context, report data.AgentReport) (*data.BootSession, bool, error) {
	if report.SessionID == "" {
		return nil, false, fmt.Errorf("%w: missing session id", ErrMalformedRequest)
	}
	if report.ID == "" {
		report.ID = ulid.Make().String()
	}
	if report.At.IsZero() {
		report.At = e.cfg.Clock.Now()
	}
	session, abort, err := e.workflow.HandleReport(ctx, report)
	if err != nil {
		return nil, false, mapErr(err)
	}
	// a state may have changed; drop any cached decision for the node
	if node, err := e.store.GetByID(ctx, session.NodeID); err == nil && node.MAC != "" {
		e.arbiter.Invalidate("next/" + node.MAC)
	}
	return session, abort, nil
}

// TransitionResult is the outcome of an operator transition request. When
// the operation is approval gated, ApprovalID is set and Transition is nil;
// otherwise Transition is the committed history row.
type TransitionResult struct {
	ApprovalID string                `json:"approval_id,omitempty"`
	Transition *data.StateTransition `json:"transition,omitempty"`
}

// Transition requests an operator-driven state change.
func (e *Engine) Transition(ctx context.Context, nodeID string, to data.NodeState, actor, comment string) (TransitionResult, error) {
	unlock, err := e.arbiter.Lock(ctx, nodeID)
	if err != nil {
		return TransitionResult{}, mapErr(err)
	}
	defer unlock()

	node, err := e.store.GetByID(ctx, nodeID)
	if err != nil {
		return TransitionResult{}, mapErr(err)
	}
	res, err := e.machine.Transition(ctx, node, to, actor, comment)
	if err != nil {
		return TransitionResult{}, mapErr(err)
	}
	if res.Outcome == lifecycle.Rejected {
		return TransitionResult{}, fmt.Errorf("%w: %s", ErrIllegalTransition, res.Reason)
	}
	if node.MAC != "" {
		e.arbiter.Invalidate("next/" + node.MAC)
	}
	return TransitionResult{ApprovalID: res.ApprovalID, Transition: res.Transition}, nil
}

// AssignWorkflow binds a workflow to a node. Legal in any state; the binding
// takes effect at the next install decision.
func (e *Engine) AssignWorkflow(ctx context.Context, nodeID, workflowID, actor string) error {
	unlock, err := e.arbiter.Lock(ctx, nodeID)
	if err != nil {
		return mapErr(err)
	}
	defer unlock()

	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return mapErr(err)
	}
	node, err := e.store.GetByID(ctx, nodeID)
	if err != nil {
		return mapErr(err)
	}
	node.WorkflowID = workflowID
	node.UpdatedAt = e.cfg.Clock.Now()
	if err := e.store.Update(ctx, node); err != nil {
		return mapErr(err)
	}
	if e.cfg.Audit != nil {
		e.cfg.Audit.Append(data.AuditEvent{
			At:      e.cfg.Clock.Now(),
			NodeID:  nodeID,
			Actor:   actor,
			Action:  "assign_workflow",
			Outcome: "ok",
			Detail:  map[string]any{"workflow_id": workflowID},
		})
	}
	return nil
}

// Vote records an approval vote. Self-votes are rejected.
func (e *Engine) Vote(ctx context.Context, approvalID, voter string, approve bool, comment string) (*data.Approval, error) {
	a, err := e.approvals.Vote(ctx, approvalID, voter, approve, comment)
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

// CancelSession requests cancellation of a boot session.
func (e *Engine) CancelSession(ctx context.Context, sessionID, actor string) error {
	return mapErr(e.workflow.Cancel(ctx, sessionID, actor))
}

// SubmitDiskScan replaces the node's disk inventory in one atomic write.
func (e *Engine) SubmitDiskScan(ctx context.Context, scan data.DiskScan) error {
	if scan.NodeID == "" {
		return fmt.Errorf("%w: missing node id", ErrMalformedRequest)
	}
	if scan.ReportedAt.IsZero() {
		scan.ReportedAt = e.cfg.Clock.Now()
	}
	if _, err := e.store.GetByID(ctx, scan.NodeID); err != nil {
		return mapErr(err)
	}
	return mapErr(e.store.PutDiskScan(ctx, scan))
}

// DiskScan returns the node's latest disk inventory.
func (e *Engine) DiskScan(ctx context.Context, nodeID string) (*data.DiskScan, error) {
	scan, err := e.store.GetDiskScan(ctx, nodeID)
	if err != nil {
		return nil, mapErr(err)
	}
	return scan, nil
}

// PlanPartitionOps stores a partition operation plan for the node. Sequence
// numbers are assigned per (node, device) in submission order.
func (e *Engine) PlanPartitionOps(ctx context.Context, nodeID string, ops []data.PartitionOperation) ([]data.PartitionOperation, error) {
	unlock, err := e.arbiter.Lock(ctx, nodeID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer unlock()

	if _, err := e.store.GetByID(ctx, nodeID); err != nil {
		return nil, mapErr(err)
	}

	existing, err := e.store.PartitionOps(ctx, nodeID)
	if err != nil {
		return nil, mapErr(err)
	}
	next := map[string]int{}
	for _, op := range existing {
		if op.Sequence >= next[op.Device] {
			next[op.Device] = op.Sequence + 1
		}
	}

	planned := make([]data.PartitionOperation, len(ops))
	for i, op := range ops {
		op.ID = ulid.Make().String()
		op.NodeID = nodeID
		op.Sequence = next[op.Device]
		op.Status = data.PartitionOpPending
		next[op.Device]++
		planned[i] = op
	}
	if err := e.store.CreatePartitionOps(ctx, planned); err != nil {
		return nil, mapErr(err)
	}
	return planned, nil
}

// PartitionOps returns the node's pending and running partition operations
// in execution order: per device, ascending sequence.
func (e *Engine) PartitionOps(ctx context.Context, nodeID string) ([]data.PartitionOperation, error) {
	ops, err := e.store.PartitionOps(ctx, nodeID)
	if err != nil {
		return nil, mapErr(err)
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Device != ops[j].Device {
			return ops[i].Device < ops[j].Device
		}
		return ops[i].Sequence < ops[j].Sequence
	})
	out := ops[:0]
	for _, op := range ops {
		if op.Status == data.PartitionOpPending || op.Status == data.PartitionOpRunning {
			out = append(out, op)
		}
	}
	return out, nil
}

// ReportPartitionOp records an agent's status for a partition operation.
// Operations on a device execute strictly in sequence: a status for an
// operation whose predecessor on the same device is still open is rejected.
func (e *Engine) ReportPartitionOp(ctx context.Context, nodeID, opID string, status data.PartitionOpStatus) error {
	unlock, err := e.arbiter.Lock(ctx, nodeID)
	if err != nil {
		return mapErr(err)
	}
	defer unlock()

	ops, err := e.store.PartitionOps(ctx, nodeID)
	if err != nil {
		return mapErr(err)
	}
	var target *data.PartitionOperation
	for i := range ops {
		if ops[i].ID == opID {
			target = &ops[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("partition operation %s: %w", opID, data.ErrNotFound)
	}
	for _, op := range ops {
		if op.Device == target.Device && op.Sequence < target.Sequence &&
			op.Status != data.PartitionOpCompleted {
			return fmt.Errorf("%w: operation %s blocked by %s", data.ErrConflict, opID, op.ID)
		}
	}
	target.Status = status
	return mapErr(e.store.UpdatePartitionOp(ctx, target))
}

// Node returns a node by id.
func (e *Engine) Node(ctx context.Context, nodeID string) (*data.Node, error) {
	n, err := e.store.GetByID(ctx, nodeID)
	if err != nil {
		return nil, mapErr(err)
	}
	return n, nil
}

// NodeByMAC returns a node by canonical MAC.
func (e *Engine) NodeByMAC(ctx context.Context, mac string) (*data.Node, error) {
	canonical, err := identity.CanonicalMAC(mac)
	if err != nil {
		return nil, mapErr(err)
	}
	n, err := e.store.GetByMAC(ctx, canonical)
	if err != nil {
		return nil, mapErr(err)
	}
	return n, nil
}

// Transitions returns the node's state history, oldest first.
func (e *Engine) Transitions(ctx context.Context, nodeID string) ([]data.StateTransition, error) {
	ts, err := e.store.Transitions(ctx, nodeID)
	if err != nil {
		return nil, mapErr(err)
	}
	return ts, nil
}

// Approval returns an approval by id.
func (e *Engine) Approval(ctx context.Context, id string) (*data.Approval, error) {
	a, err := e.approvals.Get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

// OpenArtifact streams an artifact by template reference, with the fetch
// deadline and retries applied.
func (e *Engine) OpenArtifact(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	rc, size, err := e.artifact.Open(ctx, ref)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	return rc, size, nil
}

// OpenNodeArtifact streams a node's named install artifact (kernel or
// initrd) resolved through its workflow templates.
func (e *Engine) OpenNodeArtifact(ctx context.Context, nodeID, name string) (io.ReadCloser, int64, error) {
	node, err := e.store.GetByID(ctx, nodeID)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	wf, err := e.store.GetWorkflow(ctx, node.WorkflowID)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	var ref string
	switch name {
	case "kernel":
		ref = wf.KernelRef
	case "initrd":
		ref = wf.InitrdRef
	default:
		return nil, 0, fmt.Errorf("artifact %q: %w", name, data.ErrNotFound)
	}
	if ref == "" {
		return nil, 0, fmt.Errorf("artifact %q: %w", name, data.ErrNotFound)
	}
	expanded, err := artifact.Expand(ref, node)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	rc, size, err := e.artifact.Open(ctx, expanded)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	return rc, size, nil
}
