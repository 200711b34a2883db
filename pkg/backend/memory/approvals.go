package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pureboot/pureboot/pkg/data"
)

// Approvals is the in-memory approval service. Resolution events are fanned
// out to every subscriber; a slow subscriber drops events rather than
// blocking a vote.
type Approvals struct {
	mu        sync.Mutex
	approvals map[string]*data.Approval
	subs      []chan data.Approval

	// NowFunc is the clock, overridable in tests.
	NowFunc func() time.Time
}

// NewApprovals returns an empty approval service.
func NewApprovals() *Approvals {
	return &Approvals{
		approvals: make(map[string]*data.Approval),
		NowFunc:   time.Now,
	}
}

func copyApproval(a *data.Approval) *data.Approval {
	c := *a
	c.Votes = append([]data.Vote(nil), a.Votes...)
	return &c
}

// Create implements ApprovalService. Idempotent by id.
func (s *Approvals) Create(_ context.Context, a *data.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ID]; ok {
		return nil
	}
	s.approvals[a.ID] = copyApproval(a)
	return nil
}

// Get implements ApprovalService. Expiry is applied lazily: a pending
// approval past its deadline flips to expired on first observation.
func (s *Approvals) Get(_ context.Context, id string) (*data.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, data.ErrNotFound)
	}
	s.expireLocked(a)
	return copyApproval(a), nil
}

func (s *Approvals) expireLocked(a *data.Approval) {
	if a.Status == data.ApprovalPending && s.NowFunc().After(a.ExpiresAt) {
		a.Status = data.ApprovalExpired
		s.publishLocked(a)
	}
}

// Vote implements ApprovalService. A vote from the requester is rejected,
// duplicate votes by the same voter replace the previous vote, and the
// approval resolves once the quorum of approve votes is met or any reject
// vote lands.
func (s *Approvals) Vote(_ context.Context, id, voter string, approve bool, comment string) (*data.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, data.ErrNotFound)
	}
	if voter == a.Requester {
		return nil, fmt.Errorf("approval %s voter %s: %w", id, voter, data.ErrSelfApproval)
	}
	s.expireLocked(a)
	if a.Status != data.ApprovalPending {
		return copyApproval(a), fmt.Errorf("approval %s is %s: %w", id, a.Status, data.ErrConflict)
	}

	vote := data.Vote{Voter: voter, Approve: approve, At: s.NowFunc(), Comment: comment}
	replaced := false
	for i := range a.Votes {
		if a.Votes[i].Voter == voter {
			a.Votes[i] = vote
			replaced = true
			break
		}
	}
	if !replaced {
		a.Votes = append(a.Votes, vote)
	}

	switch {
	case !approve:
		a.Status = data.ApprovalRejected
		s.publishLocked(a)
	case a.Approvals() >= a.Quorum:
		a.Status = data.ApprovalApproved
		s.publishLocked(a)
	}
	return copyApproval(a), nil
}

// List implements ApprovalService. Expiry is applied lazily, as in Get.
func (s *Approvals) List(_ context.Context) ([]data.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]data.Approval, 0, len(s.approvals))
	for _, a := range s.approvals {
		s.expireLocked(a)
		out = append(out, *copyApproval(a))
	}
	return out, nil
}

// Cancel marks a pending approval cancelled, discarding its intent.
func (s *Approvals) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return fmt.Errorf("approval %s: %w", id, data.ErrNotFound)
	}
	if a.Status != data.ApprovalPending {
		return nil
	}
	a.Status = data.ApprovalCancelled
	s.publishLocked(a)
	return nil
}

// Subscribe implements ApprovalService. The channel closes when ctx is done.
func (s *Approvals) Subscribe(ctx context.Context) (<-chan data.Approval, error) {
	ch := make(chan data.Approval, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *Approvals) publishLocked(a *data.Approval) {
	for _, ch := range s.subs {
		select {
		case ch <- *copyApproval(a):
		default:
		}
	}
}
