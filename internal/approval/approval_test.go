package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/twinerr"
)

type fakeResubmitter struct {
	calls   []contracts.ApprovalTask
	result  contracts.ToolResult
	err     error
}

func (f *fakeResubmitter) ExecuteApproved(ctx context.Context, task contracts.ApprovalTask) (contracts.ToolResult, error) {
	f.calls = append(f.calls, task)
	return f.result, f.err
}

type fakePolicy struct {
	doc *contracts.PolicyDocument
	err error
}

func (f *fakePolicy) Current(ctx context.Context) (*contracts.PolicyDocument, error) {
	return f.doc, f.err
}

func TestCreate_StartsPending(t *testing.T) {
	s := New(0, nil, nil, nil)
	id, err := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})
	require.NoError(t, err)

	task, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalPending, task.State)
}

func TestApprove_TransitionsToApproved(t *testing.T) {
	s := New(0, nil, nil, nil)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	task, err := s.Approve(context.Background(), id, "bob", []string{"maintenance"})
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalApproved, task.State)
	require.Equal(t, "bob", task.ApprovedBy)
}

func TestApprove_RejectsSelfApproval(t *testing.T) {
	s := New(0, nil, nil, nil)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	_, err := s.Approve(context.Background(), id, "alice", []string{"maintenance"})
	require.ErrorIs(t, err, twinerr.ErrSelfApproval)
}

func TestApprove_IsIdempotentOnRepeat(t *testing.T) {
	s := New(0, nil, nil, nil)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	first, err := s.Approve(context.Background(), id, "bob", []string{"maintenance"})
	require.NoError(t, err)

	second, err := s.Approve(context.Background(), id, "carol", []string{"maintenance"})
	require.NoError(t, err)
	require.Equal(t, first.ApprovedBy, second.ApprovedBy, "repeat approve returns the originally recorded outcome, not a new one")
}

func TestApprove_FailsOnRejectedTask(t *testing.T) {
	s := New(0, nil, nil, nil)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})
	_, err := s.Reject(id, "bob", "too risky")
	require.NoError(t, err)

	_, err = s.Approve(context.Background(), id, "carol", []string{"maintenance"})
	require.Error(t, err)
}

func TestApprove_ResubmitsToKernel(t *testing.T) {
	resub := &fakeResubmitter{result: contracts.ToolResult{Tool: "move_arm", Success: true, Status: "completed"}}
	s := New(0, nil, resub, nil)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	task, err := s.Approve(context.Background(), id, "bob", []string{"maintenance"})
	require.NoError(t, err)
	require.Len(t, resub.calls, 1)
	require.Equal(t, id, resub.calls[0].TaskID)
	require.NotNil(t, task.ExecutionResult)
	require.True(t, task.ExecutionResult.Success)

	stored, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, stored.ExecutionResult)
}

func TestApprove_DeniesIneligibleApproverRole(t *testing.T) {
	policy := &fakePolicy{doc: &contracts.PolicyDocument{
		RoleBindings: map[string]contracts.RoleBinding{
			"viewer": {Allow: []string{"read_status"}},
		},
	}}
	s := New(0, nil, nil, policy)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	_, err := s.Approve(context.Background(), id, "bob", []string{"viewer"})
	require.ErrorIs(t, err, twinerr.ErrRoleUnauthorized)
}

func TestApprove_AllowsWildcardApproverRole(t *testing.T) {
	policy := &fakePolicy{doc: &contracts.PolicyDocument{
		RoleBindings: map[string]contracts.RoleBinding{
			"maintenance": {Allow: []string{"*"}},
		},
	}}
	s := New(0, nil, nil, policy)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	task, err := s.Approve(context.Background(), id, "bob", []string{"maintenance"})
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalApproved, task.State)
}

func TestReject_TransitionsToRejected(t *testing.T) {
	s := New(0, nil, nil, nil)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	task, err := s.Reject(id, "bob", "too risky")
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalRejected, task.State)
	require.Equal(t, "too risky", task.RejectReason)
}

func TestReject_IsIdempotentOnRepeat(t *testing.T) {
	s := New(0, nil, nil, nil)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	first, err := s.Reject(id, "bob", "too risky")
	require.NoError(t, err)
	second, err := s.Reject(id, "carol", "different reason")
	require.NoError(t, err)
	require.Equal(t, first.RejectReason, second.RejectReason)
}

func TestGet_ExpiresPastTTL(t *testing.T) {
	s := New(10*time.Millisecond, nil, nil, nil)
	id, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})

	time.Sleep(20 * time.Millisecond)
	task, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, contracts.ApprovalExpired, task.State)
}

func TestPending_ExcludesDecidedTasks(t *testing.T) {
	s := New(0, nil, nil, nil)
	idA, _ := s.Create(context.Background(), contracts.ToolCall{Name: "move_arm"}, "alice", []string{"operator"})
	idB, _ := s.Create(context.Background(), contracts.ToolCall{Name: "stop"}, "alice", []string{"operator"})
	_, _ = s.Approve(context.Background(), idA, "bob", []string{"maintenance"})

	pending := s.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, idB, pending[0].TaskID)
}
