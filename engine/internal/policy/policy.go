// Package policy maps a resolved node to its next boot decision.
package policy

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/pureboot/pureboot/pkg/data"
)

// ArtifactRenderer resolves workflow template references to concrete
// artifacts for a node.
type ArtifactRenderer interface {
	Render(ctx context.Context, node *data.Node, wf *data.Workflow) ([]data.Artifact, error)
}

// SessionOpener creates a boot session, transitioning pending nodes to
// installing in the same commit. Satisfied by the workflow engine.
type SessionOpener interface {
	Open(ctx context.Context, node *data.Node, wf *data.Workflow, actor string) (*data.BootSession, error)
}

// Store is the read surface the decision policy needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*data.Workflow, error)
	ActiveSession(ctx context.Context, nodeID string) (*data.BootSession, error)
}

// Policy turns node lifecycle state into boot decisions. Decisions are
// deterministic for a given node state: the same node yields the same
// decision until something transitions.
type Policy struct {
	Store     Store
	Artifacts ArtifactRenderer
	Sessions  SessionOpener
	Log       logr.Logger
}

// Decide returns the boot decision for the node. The caller holds the node
// lock so that session opening and the pending->installing transition cannot
// race a concurrent boot attempt. Architecture and firmware come from the
// node record, never from request hints, once the node is past discovered.
func (p *Policy) Decide(ctx context.Context, node *data.Node) (*data.BootDecision, error) {
	d := &data.BootDecision{
		NodeID:   node.ID,
		Firmware: node.Firmware,
		Arch:     node.Arch,
	}

	switch node.State {
	case data.StateDiscovered, data.StateInstallFailed, data.StateReprovision:
		// awaiting operator action; serve the static stub menu
		d.Kind = data.DecisionAwait
		d.Reason = "awaiting assignment"
		return d, nil

	case data.StatePending:
		if node.WorkflowID == "" {
			d.Kind = data.DecisionAwait
			d.Reason = "no workflow assigned"
			return d, nil
		}
		return p.install(ctx, d, node)

	case data.StateInstalling, data.StateWiping:
		return p.install(ctx, d, node)

	case data.StateInstalled, data.StateActive, data.StateMigrating:
		d.Kind = data.DecisionLocal
		return d, nil

	case data.StateIgnored:
		d.Kind = data.DecisionDeny
		d.Silent = true
		d.Reason = "node ignored"
		return d, nil

	case data.StateRetired, data.StateDecommissioned:
		d.Kind = data.DecisionDeny
		d.Reason = fmt.Sprintf("node %s", node.State)
		return d, nil

	default:
		return nil, fmt.Errorf("no decision rule for state %s", node.State)
	}
}

// install resolves the node's workflow, opens or resumes the boot session and
// renders the installation artifact set. Wiping nodes get their workflow's
// wipe payload the same way.
func (p *Policy) install(ctx context.Context, d *data.BootDecision, node *data.Node) (*data.BootDecision, error) {
	wf, err := p.Store.GetWorkflow(ctx, node.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", node.WorkflowID, err)
	}

	session, err := p.Sessions.Open(ctx, node, wf, "engine")
	if err != nil {
		return nil, err
	}

	artifacts, err := p.Artifacts.Render(ctx, node, wf)
	if err != nil {
		return nil, err
	}

	d.Kind = data.DecisionInstall
	d.SessionID = session.ID
	d.Artifacts = artifacts
	p.Log.V(1).Info("install decision", "node", node.ID, "session", session.ID, "workflow", wf.ID, "state", node.State)
	return d, nil
}
