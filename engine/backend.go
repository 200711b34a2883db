package engine

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/pureboot/pureboot/pkg/data"
)

// NodeStore is the repository interface the engine reads and writes through.
// Implementations must provide snapshot reads and apply CommitBundles
// transactionally: a crash mid-transition can never leave node state and
// history out of sync.
type NodeStore interface {
	// GetByMAC returns the node with the given canonical MAC, or
	// data.ErrNotFound.
	GetByMAC(ctx context.Context, mac string) (*data.Node, error)
	// GetBySerial returns the node with the given client serial, or
	// data.ErrNotFound. Used for Raspberry Pi discovery.
	GetBySerial(ctx context.Context, serial string) (*data.Node, error)
	GetByID(ctx context.Context, id string) (*data.Node, error)
	// Create inserts a new node. Returns data.ErrConflict when the MAC is
	// already registered; the unique-MAC constraint is authoritative.
	Create(ctx context.Context, n *data.Node) error
	Update(ctx context.Context, n *data.Node) error
	// Commit applies a node-scoped bundle atomically.
	Commit(ctx context.Context, b data.CommitBundle) error

	GetWorkflow(ctx context.Context, id string) (*data.Workflow, error)

	// ActiveSession returns the node's active boot session, or
	// data.ErrNotFound when none exists.
	ActiveSession(ctx context.Context, nodeID string) (*data.BootSession, error)
	GetSession(ctx context.Context, id string) (*data.BootSession, error)
	// UpdateSession persists session progress fields outside a transition
	// commit.
	UpdateSession(ctx context.Context, s *data.BootSession) error
	// ListActiveSessions returns a snapshot of every active session, used
	// by the timeout sweeper.
	ListActiveSessions(ctx context.Context) ([]data.BootSession, error)

	// Transitions returns the node's history, oldest first.
	Transitions(ctx context.Context, nodeID string) ([]data.StateTransition, error)
	// TransitionForApproval returns the transition committed for an
	// approval id, or data.ErrNotFound. Backs exactly-once approval
	// commits.
	TransitionForApproval(ctx context.Context, approvalID string) (*data.StateTransition, error)

	// PutDiskScan replaces the node's disk scan in a single atomic write.
	PutDiskScan(ctx context.Context, scan data.DiskScan) error
	GetDiskScan(ctx context.Context, nodeID string) (*data.DiskScan, error)

	CreatePartitionOps(ctx context.Context, ops []data.PartitionOperation) error
	PartitionOps(ctx context.Context, nodeID string) ([]data.PartitionOperation, error)
	UpdatePartitionOp(ctx context.Context, op *data.PartitionOperation) error
}

// BlobStore resolves logical template references to concrete URLs and opens
// them. The engine never mutates blobs.
type BlobStore interface {
	Resolve(ctx context.Context, ref string) (*url.URL, error)
	// Open returns the blob stream, its size and etag.
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, string, error)
}

// ApprovalService holds transitions pending quorum. Calls are idempotent by
// intent id. The service enforces the self-vote prohibition, as does the
// engine.
type ApprovalService interface {
	Create(ctx context.Context, a *data.Approval) error
	Get(ctx context.Context, id string) (*data.Approval, error)
	// Vote records a vote and returns the updated approval. A voter equal
	// to the requester must be rejected.
	Vote(ctx context.Context, id, voter string, approve bool, comment string) (*data.Approval, error)
	// List returns every approval. Backs the reconciliation sweep that
	// re-commits approved intents whose resolution event was lost.
	List(ctx context.Context) ([]data.Approval, error)
	// Subscribe delivers approvals whose status changed. The channel is
	// closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan data.Approval, error)
}

// AuditSink receives audit events. Append is non-blocking and best-effort;
// sink unavailability never blocks a state transition.
type AuditSink interface {
	Append(event data.AuditEvent)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}
