// Package memory is the reference in-memory backend: snapshot reads, atomic
// commit bundles, and the unique-MAC and one-active-session constraints.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pureboot/pureboot/pkg/data"
)

// Store implements the engine's NodeStore on process memory. Every read
// returns a deep copy so callers can never observe a write in progress.
type Store struct {
	mu sync.RWMutex

	nodes     map[string]*data.Node // by id
	byMAC     map[string]string     // mac -> id
	bySerial  map[string]string     // serial -> id
	workflows map[string]*data.Workflow
	sessions  map[string]*data.BootSession
	history   map[string][]data.StateTransition // by node id
	byApproval map[string]string                // approval id -> transition id
	transIdx  map[string]data.StateTransition   // transition id -> row
	scans     map[string]*data.DiskScan // by node id
	partOps   map[string][]data.PartitionOperation // by node id
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		nodes:      make(map[string]*data.Node),
		byMAC:      make(map[string]string),
		bySerial:   make(map[string]string),
		workflows:  make(map[string]*data.Workflow),
		sessions:   make(map[string]*data.BootSession),
		history:    make(map[string][]data.StateTransition),
		byApproval: make(map[string]string),
		transIdx:   make(map[string]data.StateTransition),
		scans:      make(map[string]*data.DiskScan),
		partOps:    make(map[string][]data.PartitionOperation),
	}
}

func copyNode(n *data.Node) *data.Node {
	c := *n
	c.Tags = append([]string(nil), n.Tags...)
	return &c
}

func copyWorkflow(w *data.Workflow) *data.Workflow {
	c := *w
	c.Tasks = make([]data.Task, len(w.Tasks))
	for i, t := range w.Tasks {
		c.Tasks[i] = t
		if t.Params != nil {
			c.Tasks[i].Params = make(map[string]string, len(t.Params))
			for k, v := range t.Params {
				c.Tasks[i].Params[k] = v
			}
		}
	}
	return &c
}

func copySession(s *data.BootSession) *data.BootSession {
	c := *s
	return &c
}

// GetByMAC implements NodeStore.
func (s *Store) GetByMAC(_ context.Context, mac string) (*data.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byMAC[mac]
	if !ok {
		return nil, fmt.Errorf("node with mac %s: %w", mac, data.ErrNotFound)
	}
	return copyNode(s.nodes[id]), nil
}

// GetBySerial implements NodeStore.
func (s *Store) GetBySerial(_ context.Context, serial string) (*data.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySerial[serial]
	if !ok {
		return nil, fmt.Errorf("node with serial %s: %w", serial, data.ErrNotFound)
	}
	return copyNode(s.nodes[id]), nil
}

// GetByID implements NodeStore.
func (s *Store) GetByID(_ context.Context, id string) (*data.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, data.ErrNotFound)
	}
	return copyNode(n), nil
}

// Create implements NodeStore. The unique-MAC constraint is enforced here
// and is what makes concurrent discovery idempotent.
func (s *Store) Create(_ context.Context, n *data.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; ok {
		return fmt.Errorf("node %s: %w", n.ID, data.ErrConflict)
	}
	if n.MAC != "" {
		if _, ok := s.byMAC[n.MAC]; ok {
			return fmt.Errorf("mac %s: %w", n.MAC, data.ErrConflict)
		}
	}
	if n.Serial != "" {
		if _, ok := s.bySerial[n.Serial]; ok {
			return fmt.Errorf("serial %s: %w", n.Serial, data.ErrConflict)
		}
	}
	s.insertLocked(copyNode(n))
	return nil
}

func (s *Store) insertLocked(n *data.Node) {
	s.nodes[n.ID] = n
	if n.MAC != "" {
		s.byMAC[n.MAC] = n.ID
	}
	if n.Serial != "" {
		s.bySerial[n.Serial] = n.ID
	}
}

// Update implements NodeStore.
func (s *Store) Update(_ context.Context, n *data.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(n)
}

func (s *Store) updateLocked(n *data.Node) error {
	prev, ok := s.nodes[n.ID]
	if !ok {
		return fmt.Errorf("node %s: %w", n.ID, data.ErrNotFound)
	}
	if n.MAC != prev.MAC {
		if n.MAC != "" {
			if owner, ok := s.byMAC[n.MAC]; ok && owner != n.ID {
				return fmt.Errorf("mac %s: %w", n.MAC, data.ErrConflict)
			}
		}
		delete(s.byMAC, prev.MAC)
	}
	if n.Serial != prev.Serial && prev.Serial != "" {
		delete(s.bySerial, prev.Serial)
	}
	s.insertLocked(copyNode(n))
	return nil
}

// Commit implements NodeStore. The whole bundle applies under one lock
// acquisition; constraint violations reject the bundle with no effect.
func (s *Store) Commit(_ context.Context, b data.CommitBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// validate everything before touching state
	if b.Node != nil {
		if _, ok := s.nodes[b.Node.ID]; !ok {
			return fmt.Errorf("node %s: %w", b.Node.ID, data.ErrNotFound)
		}
	}
	if b.OpenSession != nil {
		for _, existing := range s.sessions {
			if existing.NodeID == b.OpenSession.NodeID && existing.Status == data.SessionActive {
				return fmt.Errorf("node %s already has active session %s: %w",
					b.OpenSession.NodeID, existing.ID, data.ErrConflict)
			}
		}
	}
	if b.CloseSessionID != "" {
		if _, ok := s.sessions[b.CloseSessionID]; !ok {
			return fmt.Errorf("session %s: %w", b.CloseSessionID, data.ErrNotFound)
		}
	}
	if b.UpdateSession != nil {
		if _, ok := s.sessions[b.UpdateSession.ID]; !ok {
			return fmt.Errorf("session %s: %w", b.UpdateSession.ID, data.ErrNotFound)
		}
	}

	if b.Node != nil {
		if err := s.updateLocked(b.Node); err != nil {
			return err
		}
	}
	if b.Transition != nil {
		t := *b.Transition
		s.history[t.NodeID] = append(s.history[t.NodeID], t)
		s.transIdx[t.ID] = t
		if t.ApprovalID != "" {
			s.byApproval[t.ApprovalID] = t.ID
		}
	}
	if b.OpenSession != nil {
		s.sessions[b.OpenSession.ID] = copySession(b.OpenSession)
	}
	if b.CloseSessionID != "" {
		if sess := s.sessions[b.CloseSessionID]; sess.Status == data.SessionActive {
			sess.Status = b.CloseStatus
		}
	}
	if b.UpdateSession != nil {
		s.sessions[b.UpdateSession.ID] = copySession(b.UpdateSession)
	}
	return nil
}

// PutWorkflow stores a workflow definition. Used by seeding and tests.
func (s *Store) PutWorkflow(_ context.Context, w *data.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

// GetWorkflow implements NodeStore.
func (s *Store) GetWorkflow(_ context.Context, id string) (*data.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, data.ErrNotFound)
	}
	return copyWorkflow(w), nil
}

// ActiveSession implements NodeStore.
func (s *Store) ActiveSession(_ context.Context, nodeID string) (*data.BootSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.NodeID == nodeID && sess.Status == data.SessionActive {
			return copySession(sess), nil
		}
	}
	return nil, fmt.Errorf("active session for node %s: %w", nodeID, data.ErrNotFound)
}

// GetSession implements NodeStore.
func (s *Store) GetSession(_ context.Context, id string) (*data.BootSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, data.ErrNotFound)
	}
	return copySession(sess), nil
}

// UpdateSession implements the workflow engine's store surface.
func (s *Store) UpdateSession(_ context.Context, sess *data.BootSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %s: %w", sess.ID, data.ErrNotFound)
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// ListActiveSessions implements NodeStore. Cancelled sessions that have not
// been finalized are included so the sweeper can close them out.
func (s *Store) ListActiveSessions(_ context.Context) ([]data.BootSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []data.BootSession
	for _, sess := range s.sessions {
		if sess.Status == data.SessionActive ||
			(sess.Status == data.SessionCancelled && !sess.Finalized) {
			out = append(out, *copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Transitions implements NodeStore. History is append-only and returned
// oldest first.
func (s *Store) Transitions(_ context.Context, nodeID string) ([]data.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]data.StateTransition(nil), s.history[nodeID]...), nil
}

// TransitionForApproval implements NodeStore.
func (s *Store) TransitionForApproval(_ context.Context, approvalID string) (*data.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tid, ok := s.byApproval[approvalID]
	if !ok {
		return nil, fmt.Errorf("transition for approval %s: %w", approvalID, data.ErrNotFound)
	}
	t := s.transIdx[tid]
	return &t, nil
}

// PutDiskScan implements NodeStore. A new scan replaces the previous one
// wholesale.
func (s *Store) PutDiskScan(_ context.Context, scan data.DiskScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := scan
	c.Disks = make([]data.Disk, len(scan.Disks))
	for i, d := range scan.Disks {
		c.Disks[i] = d
		c.Disks[i].Partitions = append([]data.Partition(nil), d.Partitions...)
	}
	s.scans[scan.NodeID] = &c
	return nil
}

// GetDiskScan implements NodeStore.
func (s *Store) GetDiskScan(_ context.Context, nodeID string) (*data.DiskScan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[nodeID]
	if !ok {
		return nil, fmt.Errorf("disk scan for node %s: %w", nodeID, data.ErrNotFound)
	}
	c := *scan
	c.Disks = make([]data.Disk, len(scan.Disks))
	for i, d := range scan.Disks {
		c.Disks[i] = d
		c.Disks[i].Partitions = append([]data.Partition(nil), d.Partitions...)
	}
	return &c, nil
}

// CreatePartitionOps implements NodeStore.
func (s *Store) CreatePartitionOps(_ context.Context, ops []data.PartitionOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.partOps[op.NodeID] = append(s.partOps[op.NodeID], op)
	}
	return nil
}

// PartitionOps implements NodeStore.
func (s *Store) PartitionOps(_ context.Context, nodeID string) ([]data.PartitionOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]data.PartitionOperation(nil), s.partOps[nodeID]...), nil
}

// UpdatePartitionOp implements NodeStore.
func (s *Store) UpdatePartitionOp(_ context.Context, op *data.PartitionOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.partOps[op.NodeID]
	for i := range ops {
		if ops[i].ID == op.ID {
			ops[i] = *op
			return nil
		}
	}
	return fmt.Errorf("partition operation %s: %w", op.ID, data.ErrNotFound)
}

// SeedNode inserts a node bypassing discovery, for seeding and tests.
func (s *Store) SeedNode(n *data.Node) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	return s.Create(context.Background(), n)
}
