// Package lifecycle enforces the node state machine: the legal transition
// graph, approval gating, and atomic commits with history.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"

	"github.com/pureboot/pureboot/pkg/data"
)

// ErrIllegal is a state machine reject for a (from, to) pair outside the
// transition table.
var ErrIllegal = errors.New("illegal transition")

// transitions is the closed legal transition graph. Every pair not listed
// here is rejected.
var transitions = map[data.NodeState][]data.NodeState{
	data.StateDiscovered:     {data.StatePending, data.StateIgnored},
	data.StateIgnored:        {data.StateDiscovered},
	data.StatePending:        {data.StateInstalling},
	data.StateInstalling:     {data.StateInstalled, data.StateInstallFailed},
	data.StateInstallFailed:  {data.StatePending},
	data.StateInstalled:      {data.StateActive},
	data.StateActive:         {data.StateReprovision, data.StateMigrating, data.StateRetired},
	data.StateReprovision:    {data.StatePending},
	data.StateMigrating:      {data.StateActive},
	data.StateRetired:        {data.StateDecommissioned},
	data.StateDecommissioned: {data.StateWiping},
	data.StateWiping:         {data.StateDecommissioned},
}

// CanTransition reports whether (from, to) is in the legal transition table.
func CanTransition(from, to data.NodeState) bool {
	return slices.Contains(transitions[from], to)
}

// sessionClosingStates are the target states that cancel any active boot
// session as part of the commit: terminal states and rewinds to pending.
var sessionClosingStates = map[data.NodeState]bool{
	data.StatePending:        true,
	data.StateActive:         true,
	data.StateIgnored:        true,
	data.StateInstallFailed:  true,
	data.StateRetired:        true,
	data.StateDecommissioned: true,
}

// Outcome is the result category of a transition request.
type Outcome int

const (
	// Committed means the transition was applied atomically.
	Committed Outcome = iota
	// RequiresApproval means an approval was created and node state is
	// unchanged.
	RequiresApproval
	// Rejected means the transition is illegal.
	Rejected
)

// Result is the state machine's answer to a transition request.
type Result struct {
	Outcome    Outcome
	ApprovalID string
	Reason     string
	Transition *data.StateTransition
}

// Store is the subset of the node store the state machine needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*data.Node, error)
	Commit(ctx context.Context, b data.CommitBundle) error
	ActiveSession(ctx context.Context, nodeID string) (*data.BootSession, error)
	TransitionForApproval(ctx context.Context, approvalID string) (*data.StateTransition, error)
}

// Approvals is the subset of the approval service the state machine needs.
type Approvals interface {
	Create(ctx context.Context, a *data.Approval) error
}

// Machine commits node state transitions. Callers must hold the node's
// exclusive lock for any call that can mutate state.
type Machine struct {
	Store     Store
	Approvals Approvals
	Audit     func(event data.AuditEvent)
	Log       logr.Logger

	// GatedOps maps operation names ("retire", "wipe", "reprovision") to
	// approval gating. Configured per deployment.
	GatedOps map[string]bool
	// Quorum is the number of distinct non-requester approvers required.
	Quorum int
	// ApprovalTTL is how long a pending approval stays valid.
	ApprovalTTL time.Duration

	NowFunc func() time.Time
	NewID   func() string
}

func (m *Machine) now() time.Time {
	if m.NowFunc != nil {
		return m.NowFunc()
	}
	return time.Now()
}

func (m *Machine) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return ulid.Make().String()
}

func (m *Machine) audit(e data.AuditEvent) {
	if m.Audit != nil {
		e.At = m.now()
		m.Audit(e)
	}
}

// gatedOperation names the approval-gated operation for a transition, or ""
// when the transition is not gated.
func (m *Machine) gatedOperation(from, to data.NodeState) string {
	var op string
	switch {
	case to == data.StateRetired:
		op = "retire"
	case to == data.StateWiping:
		op = "wipe"
	case from == data.StateActive && to == data.StateReprovision:
		op = "reprovision"
	default:
		return ""
	}
	if m.GatedOps[op] {
		return op
	}
	return ""
}

// Transition requests a state change for the node. The caller holds the
// node lock. Gated operations create an Approval carrying the intent and
// leave node state unchanged.
func (m *Machine) Transition(ctx context.Context, node *data.Node, to data.NodeState, actor, comment string) (Result, error) {
	if !CanTransition(node.State, to) {
		m.audit(data.AuditEvent{
			NodeID:  node.ID,
			Actor:   actor,
			Action:  "transition",
			Outcome: "rejected",
			Detail:  map[string]any{"from": node.State, "to": to, "reason": "illegal transition"},
		})
		return Result{Outcome: Rejected, Reason: fmt.Sprintf("illegal transition %s -> %s", node.State, to)}, nil
	}

	if op := m.gatedOperation(node.State, to); op != "" {
		approval := &data.Approval{
			ID:        m.newID(),
			NodeID:    node.ID,
			Operation: op,
			Requester: actor,
			Quorum:    m.Quorum,
			Status:    data.ApprovalPending,
			ExpiresAt: m.now().Add(m.ApprovalTTL),
			Intent: data.TransitionIntent{
				NodeID:  node.ID,
				To:      to,
				Actor:   actor,
				Comment: comment,
			},
		}
		if err := m.Approvals.Create(ctx, approval); err != nil {
			return Result{}, fmt.Errorf("creating approval: %w", err)
		}
		m.audit(data.AuditEvent{
			NodeID:  node.ID,
			Actor:   actor,
			Action:  "transition",
			Outcome: "requires_approval",
			Detail:  map[string]any{"from": node.State, "to": to, "approval_id": approval.ID, "operation": op},
		})
		return Result{Outcome: RequiresApproval, ApprovalID: approval.ID}, nil
	}

	t, err := m.commit(ctx, node, to, actor, comment, "", sessionChange{})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Committed, Transition: t}, nil
}

// sessionChange is the caller-provided session part of a commit bundle.
type sessionChange struct {
	open        *data.BootSession
	closeID     string
	closeStatus data.SessionStatus
	update      *data.BootSession
}

// TransitionWithSession commits a transition together with caller-provided
// session changes in one atomic bundle. Used by the workflow engine for
// engine-driven transitions; approval gating does not apply. The caller
// holds the node lock.
func (m *Machine) TransitionWithSession(ctx context.Context, node *data.Node, to data.NodeState, actor, comment string, open *data.BootSession, closeID string, closeStatus data.SessionStatus) (Result, error) {
	if !CanTransition(node.State, to) {
		return Result{Outcome: Rejected, Reason: fmt.Sprintf("illegal transition %s -> %s", node.State, to)}, nil
	}
	t, err := m.commit(ctx, node, to, actor, comment, "", sessionChange{open: open, closeID: closeID, closeStatus: closeStatus})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Committed, Transition: t}, nil
}

// CommitApproved commits the transition an approved Approval carries,
// exactly once: the approval id is the idempotency key. The caller holds
// the node lock.
func (m *Machine) CommitApproved(ctx context.Context, approval data.Approval) (Result, error) {
	if prior, err := m.Store.TransitionForApproval(ctx, approval.ID); err == nil {
		// already committed; replaying a resolution event is a no-op
		return Result{Outcome: Committed, ApprovalID: approval.ID, Transition: prior}, nil
	} else if !errors.Is(err, data.ErrNotFound) {
		return Result{}, err
	}

	node, err := m.Store.GetByID(ctx, approval.Intent.NodeID)
	if err != nil {
		return Result{}, err
	}
	if !CanTransition(node.State, approval.Intent.To) {
		// node moved on while the approval was pending
		m.audit(data.AuditEvent{
			NodeID:  node.ID,
			Actor:   approval.Intent.Actor,
			Action:  "approved_transition",
			Outcome: "rejected",
			Detail:  map[string]any{"from": node.State, "to": approval.Intent.To, "approval_id": approval.ID},
		})
		return Result{Outcome: Rejected, Reason: fmt.Sprintf("illegal transition %s -> %s", node.State, approval.Intent.To)}, nil
	}

	t, err := m.commit(ctx, node, approval.Intent.To, approval.Intent.Actor, approval.Intent.Comment, approval.ID, sessionChange{})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: Committed, ApprovalID: approval.ID, Transition: t}, nil
}

// commit applies the transition as a single atomic store operation: node
// state update, history insert, and cancellation of any active session when
// the target state closes sessions.
func (m *Machine) commit(ctx context.Context, node *data.Node, to data.NodeState, actor, comment, approvalID string, sc sessionChange) (*data.StateTransition, error) {
	now := m.now()
	from := node.State

	updated := *node
	updated.State = to
	updated.UpdatedAt = now

	t := &data.StateTransition{
		ID:         m.newID(),
		NodeID:     node.ID,
		From:       from,
		To:         to,
		Actor:      actor,
		Comment:    comment,
		At:         now,
		ApprovalID: approvalID,
	}

	bundle := data.CommitBundle{
		Node:           &updated,
		Transition:     t,
		OpenSession:    sc.open,
		CloseSessionID: sc.closeID,
		CloseStatus:    sc.closeStatus,
		UpdateSession:  sc.update,
	}
	if bundle.CloseSessionID == "" && bundle.OpenSession == nil && sessionClosingStates[to] {
		if s, err := m.Store.ActiveSession(ctx, node.ID); err == nil {
			bundle.CloseSessionID = s.ID
			bundle.CloseStatus = data.SessionCancelled
		} else if !errors.Is(err, data.ErrNotFound) {
			return nil, err
		}
	}

	if err := m.Store.Commit(ctx, bundle); err != nil {
		return nil, err
	}
	*node = updated

	m.audit(data.AuditEvent{
		NodeID:  node.ID,
		Actor:   actor,
		Action:  "transition",
		Outcome: "committed",
		Detail:  map[string]any{"from": from, "to": to, "approval_id": approvalID},
	})
	m.Log.Info("state transition committed", "node", node.ID, "from", from, "to", to, "actor", actor)
	return t, nil
}
