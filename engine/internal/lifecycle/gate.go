package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/pureboot/pureboot/pkg/data"
)

// Locker hands out per-node locks. Satisfied by the arbiter.
type Locker interface {
	Lock(ctx context.Context, nodeID string) (func(), error)
}

// Subscriber delivers approval resolution events.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan data.Approval, error)
}

// Lister enumerates approvals. Used by the reconciliation sweep.
type Lister interface {
	List(ctx context.Context) ([]data.Approval, error)
}

// Gate couples the state machine to the approval service: it consumes
// resolution events and commits or discards the saved intent.
type Gate struct {
	Machine   *Machine
	Approvals Subscriber
	Lister    Lister
	Locks     Locker
}

// Run consumes approval resolution events until ctx is done. On approved it
// re-invokes the state machine with the saved intent; on rejected or expired
// it leaves state unchanged and records the outcome in the audit channel.
func (g *Gate) Run(ctx context.Context) error {
	events, err := g.Approvals.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to approval events: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case approval, ok := <-events:
			if !ok {
				return nil
			}
			if err := g.resolve(ctx, approval); err != nil {
				g.Machine.Log.Error(err, "resolving approval", "approval", approval.ID)
			}
		}
	}
}

// Reconcile re-commits approved approvals whose transition never landed.
// A resolution event can be lost to a full subscriber buffer or a busy node
// lock; without this sweep the approved intent would stay uncommitted
// forever. CommitApproved keeps the pass idempotent.
func (g *Gate) Reconcile(ctx context.Context) error {
	if g.Lister == nil {
		return nil
	}
	approvals, err := g.Lister.List(ctx)
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}
	var errs []error
	for _, a := range approvals {
		if a.Status != data.ApprovalApproved {
			continue
		}
		if _, err := g.Machine.Store.TransitionForApproval(ctx, a.ID); err == nil {
			continue
		} else if !errors.Is(err, data.ErrNotFound) {
			errs = append(errs, fmt.Errorf("approval %s: %w", a.ID, err))
			continue
		}
		if err := g.resolve(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("approval %s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gate) resolve(ctx context.Context, approval data.Approval) error {
	switch approval.Status {
	case data.ApprovalApproved:
		unlock, err := g.Locks.Lock(ctx, approval.Intent.NodeID)
		if err != nil {
			return err
		}
		defer unlock()
		_, err = g.Machine.CommitApproved(ctx, approval)
		return err
	case data.ApprovalRejected, data.ApprovalExpired, data.ApprovalCancelled:
		// state is left unchanged; the discarded intent is recorded for
		// the history channel through the audit sink
		g.Machine.audit(data.AuditEvent{
			NodeID:  approval.Intent.NodeID,
			Actor:   approval.Intent.Actor,
			Action:  "approved_transition",
			Outcome: string(approval.Status),
			Detail:  map[string]any{"to": approval.Intent.To, "approval_id": approval.ID},
		})
		return nil
	case data.ApprovalPending:
		return nil
	default:
		return errors.New("unknown approval status " + string(approval.Status))
	}
}
