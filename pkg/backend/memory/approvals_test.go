package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/data"
)

func pendingApproval(quorum int) *data.Approval {
	return &data.Approval{
		ID:        "ap1",
		NodeID:    "node-1",
		Operation: "retire",
		Requester: "alice",
		Quorum:    quorum,
		Status:    data.ApprovalPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestVoteSelfApprovalForbidden(t *testing.T) {
	s := NewApprovals()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingApproval(1)))

	_, err := s.Vote(ctx, "ap1", "alice", true, "approving my own request")
	require.ErrorIs(t, err, data.ErrSelfApproval)

	a, err := s.Get(ctx, "ap1")
	require.NoError(t, err)
	assert.Equal(t, data.ApprovalPending, a.Status)
	assert.Empty(t, a.Votes, "self vote must not be recorded")
}

func TestVoteQuorum(t *testing.T) {
	s := NewApprovals()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingApproval(2)))

	a, err := s.Vote(ctx, "ap1", "bob", true, "")
	require.NoError(t, err)
	assert.Equal(t, data.ApprovalPending, a.Status, "1 of 2 votes must not resolve")

	a, err = s.Vote(ctx, "ap1", "carol", true, "")
	require.NoError(t, err)
	assert.Equal(t, data.ApprovalApproved, a.Status)
}

func TestVoteDuplicateVoterReplacesPriorVote(t *testing.T) {
	s := NewApprovals()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingApproval(2)))

	_, err := s.Vote(ctx, "ap1", "bob", true, "first")
	require.NoError(t, err)
	a, err := s.Vote(ctx, "ap1", "bob", true, "second")
	require.NoError(t, err)

	require.Len(t, a.Votes, 1, "repeat vote must replace, not append")
	assert.Equal(t, "second", a.Votes[0].Comment)
	assert.Equal(t, data.ApprovalPending, a.Status, "one voter voting twice must not meet a quorum of 2")
}

func TestVoteRejectResolvesImmediately(t *testing.T) {
	s := NewApprovals()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingApproval(3)))

	a, err := s.Vote(ctx, "ap1", "bob", false, "no")
	require.NoError(t, err)
	require.Equal(t, data.ApprovalRejected, a.Status)

	// a resolved approval accepts no further votes
	_, err = s.Vote(ctx, "ap1", "carol", true, "")
	assert.ErrorIs(t, err, data.ErrConflict)
}

func TestLazyExpiry(t *testing.T) {
	s := NewApprovals()
	ctx := context.Background()
	a := pendingApproval(1)
	a.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, s.Create(ctx, a))

	s.NowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }

	got, err := s.Get(ctx, "ap1")
	require.NoError(t, err)
	require.Equal(t, data.ApprovalExpired, got.Status)

	_, err = s.Vote(ctx, "ap1", "bob", true, "")
	assert.ErrorIs(t, err, data.ErrConflict)
}

func TestCreateIsIdempotent(t *testing.T) {
	s := NewApprovals()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingApproval(1)))
	_, err := s.Vote(ctx, "ap1", "bob", true, "")
	require.NoError(t, err)

	// replaying the create must not reset the resolved approval
	require.NoError(t, s.Create(ctx, pendingApproval(1)))
	a, err := s.Get(ctx, "ap1")
	require.NoError(t, err)
	assert.Equal(t, data.ApprovalApproved, a.Status)
}

func TestSubscribeReceivesResolutions(t *testing.T) {
	s := NewApprovals()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, pendingApproval(1)))
	_, err = s.Vote(ctx, "ap1", "bob", true, "")
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, "ap1", got.ID)
		assert.Equal(t, data.ApprovalApproved, got.Status)
	case <-time.After(time.Second):
		t.Fatal("no resolution event received")
	}
}
