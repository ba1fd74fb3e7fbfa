package kernel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/shadow"
	"github.com/twinops/twinops/internal/twinclient"
)

type fakePolicyProvider struct {
	doc *contracts.PolicyDocument
	err error
}

func (f *fakePolicyProvider) Current(ctx context.Context) (*contracts.PolicyDocument, error) {
	return f.doc, f.err
}

type fakeApprovalSink struct {
	created []contracts.ToolCall
}

func (f *fakeApprovalSink) Create(ctx context.Context, call contracts.ToolCall, actor string, roles []string) (string, error) {
	f.created = append(f.created, call)
	return "task-1", nil
}

type fakeRecorder struct {
	entries []contracts.AuditEntry
}

func (f *fakeRecorder) Append(entry contracts.AuditEntry) (contracts.AuditEntry, error) {
	f.entries = append(f.entries, entry)
	return entry, nil
}

type fakeDispatcher struct {
	calls  []twinclient.OperationRef
	result twinclient.Result
	err    error
}

func (f *fakeDispatcher) Invoke(ctx context.Context, ref twinclient.OperationRef, args map[string]any, simulate bool, idempotencyKey string) (twinclient.Result, error) {
	f.calls = append(f.calls, ref)
	return f.result, f.err
}

type fakeResolver struct{ refs map[string]twinclient.OperationRef }

func (f *fakeResolver) Resolve(name string) (twinclient.OperationRef, bool) {
	ref, ok := f.refs[name]
	return ref, ok
}

type fakeSnapshotter struct{ values map[string]map[string]any }

func (f *fakeSnapshotter) SnapshotSubmodel(ctx context.Context, submodelID string) (map[string]any, error) {
	return f.values[submodelID], nil
}

func basePolicy() *contracts.PolicyDocument {
	return &contracts.PolicyDocument{
		SchemaVersion:            "1.0.0",
		RequireSimulationForRisk: contracts.RiskHigh,
		RequireApprovalForRisk:   contracts.RiskCritical,
		RoleBindings: map[string]contracts.RoleBinding{
			"operator": {Allow: []string{"move_arm"}},
		},
	}
}

func newTestKernel(t *testing.T, doc *contracts.PolicyDocument, submodelValues map[string]map[string]any) (*Kernel, *fakeApprovalSink, *fakeRecorder) {
	t.Helper()
	twin := shadow.New(&fakeSnapshotter{values: submodelValues})
	for sm := range submodelValues {
		require.NoError(t, twin.Refresh(context.Background(), sm))
	}
	approvals := &fakeApprovalSink{}
	rec := &fakeRecorder{}
	k := New(&fakePolicyProvider{doc: doc}, twin, approvals, rec, true, &fakeDispatcher{})
	return k, approvals, rec
}

func TestEvaluate_DeniesUnboundRole(t *testing.T) {
	k, _, rec := newTestKernel(t, basePolicy(), nil)
	call := contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"viewer"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionDeny, decision.Kind)
	require.Contains(t, decision.Reason, "authorized for move_arm")
	require.Equal(t, contracts.EventDenied, rec.entries[len(rec.entries)-1].Event)
}

func TestEvaluate_AllowsExecuteBelowSimulationThreshold(t *testing.T) {
	k, _, _ := newTestKernel(t, basePolicy(), nil)
	call := contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{"x": 1.0}}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"operator"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionAllowExecute, decision.Kind)
}

func TestEvaluate_ForcesSimulationAboveThreshold(t *testing.T) {
	doc := basePolicy()
	high := contracts.RiskHigh
	k, _, _ := newTestKernel(t, doc, nil)
	call := contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}, Risk: &high}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"operator"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionAllowSimulate, decision.Kind)
}

func TestEvaluate_RequiresApprovalAboveThreshold(t *testing.T) {
	doc := basePolicy()
	critical := contracts.RiskCritical
	k, approvals, rec := newTestKernel(t, doc, nil)
	call := contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}, Risk: &critical}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"operator"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionPendingApprove, decision.Kind)
	require.Equal(t, "task-1", decision.TaskID)
	require.Len(t, approvals.created, 1)
	require.Equal(t, contracts.EventPendingApproval, rec.entries[len(rec.entries)-1].Event)
}

func TestEvaluate_InterlockDeniesWhenThresholdViolated(t *testing.T) {
	doc := basePolicy()
	doc.Interlocks = []contracts.Interlock{{
		ID:      "temp-high",
		DenyWhen: contracts.InterlockRule{Submodel: "env", Path: "temperature", Op: contracts.OpGT, Value: 80.0},
		Message: "too hot",
	}}
	k, _, _ := newTestKernel(t, doc, map[string]map[string]any{"env": {"temperature": 95.0}})
	call := contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"operator"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionDeny, decision.Kind)
	require.Equal(t, "too hot", decision.Reason)
}

func TestEvaluate_InterlockAllowsWhenThresholdNotViolated(t *testing.T) {
	doc := basePolicy()
	doc.Interlocks = []contracts.Interlock{{
		ID:      "temp-high",
		DenyWhen: contracts.InterlockRule{Submodel: "env", Path: "temperature", Op: contracts.OpGT, Value: 80.0},
		Message: "too hot",
	}}
	k, _, _ := newTestKernel(t, doc, map[string]map[string]any{"env": {"temperature": 40.0}})
	call := contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"operator"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionAllowExecute, decision.Kind)
}

func TestEvaluate_FailSafeDeniesOnMissingInterlockProperty(t *testing.T) {
	doc := basePolicy()
	doc.Interlocks = []contracts.Interlock{{
		ID:      "pressure-high",
		DenyWhen: contracts.InterlockRule{Submodel: "env", Path: "pressure", Op: contracts.OpGT, Value: 10.0},
		Message: "too much pressure",
	}}
	k, _, _ := newTestKernel(t, doc, map[string]map[string]any{"env": {"temperature": 40.0}})
	call := contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"operator"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionDeny, decision.Kind)
	require.Contains(t, decision.Reason, "fail-safe")
}

func TestEvaluate_PolicyUnavailableDeniesByDefault(t *testing.T) {
	twin := shadow.New(&fakeSnapshotter{})
	k := New(&fakePolicyProvider{err: context.DeadlineExceeded}, twin, &fakeApprovalSink{}, &fakeRecorder{}, true, &fakeDispatcher{})
	call := contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"operator"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionDeny, decision.Kind)
}

func TestEvaluate_NoRoleBindingsDeniesAll(t *testing.T) {
	doc := basePolicy()
	doc.RoleBindings = nil
	k, _, _ := newTestKernel(t, doc, nil)
	call := contracts.ToolCall{Name: "anything", Arguments: map[string]any{}}

	decision, err := k.Evaluate(context.Background(), call, "alice", []string{"whoever"})
	require.NoError(t, err)
	require.Equal(t, contracts.DecisionDeny, decision.Kind)
}

func TestExecuteApproved_DispatchesAndRecordsExecuted(t *testing.T) {
	twin := shadow.New(&fakeSnapshotter{})
	dispatcher := &fakeDispatcher{result: twinclient.Result{OutputArguments: map[string]any{"ok": true}}}
	rec := &fakeRecorder{}
	k := New(&fakePolicyProvider{doc: basePolicy()}, twin, &fakeApprovalSink{}, rec, true, dispatcher)
	k.SetToolResolver(&fakeResolver{refs: map[string]twinclient.OperationRef{
		"move_arm": {SubmodelID: "actuation", IdShort: "MoveArm"},
	}})

	task := contracts.ApprovalTask{
		TaskID:         "task-1",
		ToolCall:       contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{"x": 1.0}},
		RequesterActor: "alice",
		RequesterRoles: []string{"operator"},
	}

	result, err := k.ExecuteApproved(context.Background(), task)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "completed", result.Status)
	require.Len(t, dispatcher.calls, 1)

	last := rec.entries[len(rec.entries)-1]
	require.Equal(t, contracts.EventExecuted, last.Event)
	require.NotEmpty(t, last.ResultDigest)
	require.Equal(t, "task-1", last.Details["approved_task_id"])
}

func TestExecuteApproved_RecordsExecFailedOnDispatchError(t *testing.T) {
	twin := shadow.New(&fakeSnapshotter{})
	dispatcher := &fakeDispatcher{err: fmt.Errorf("twin unreachable")}
	rec := &fakeRecorder{}
	k := New(&fakePolicyProvider{doc: basePolicy()}, twin, &fakeApprovalSink{}, rec, true, dispatcher)
	k.SetToolResolver(&fakeResolver{refs: map[string]twinclient.OperationRef{
		"move_arm": {SubmodelID: "actuation", IdShort: "MoveArm"},
	}})

	task := contracts.ApprovalTask{
		TaskID:         "task-1",
		ToolCall:       contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}},
		RequesterActor: "alice",
		RequesterRoles: []string{"operator"},
	}

	result, err := k.ExecuteApproved(context.Background(), task)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "execution_failed", result.Error)

	last := rec.entries[len(rec.entries)-1]
	require.Equal(t, contracts.EventExecFailed, last.Event)
}

func TestExecuteApproved_StillDeniesOnRBACFailure(t *testing.T) {
	twin := shadow.New(&fakeSnapshotter{})
	dispatcher := &fakeDispatcher{}
	rec := &fakeRecorder{}
	k := New(&fakePolicyProvider{doc: basePolicy()}, twin, &fakeApprovalSink{}, rec, true, dispatcher)
	k.SetToolResolver(&fakeResolver{})

	task := contracts.ApprovalTask{
		TaskID:         "task-1",
		ToolCall:       contracts.ToolCall{Name: "move_arm", Arguments: map[string]any{}},
		RequesterActor: "alice",
		RequesterRoles: []string{"viewer"},
	}

	result, err := k.ExecuteApproved(context.Background(), task)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "role_unauthorized", result.Error)
	require.Empty(t, dispatcher.calls)
}
