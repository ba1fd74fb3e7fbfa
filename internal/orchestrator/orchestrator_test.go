package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/llmselector"
	"github.com/twinops/twinops/internal/twinclient"
)

type fakeSelector struct {
	outcome llmselector.Outcome
	err     error
}

func (f *fakeSelector) Select(ctx context.Context, message string, roles []string, catalog []llmselector.ToolSpec) (llmselector.Outcome, error) {
	return f.outcome, f.err
}

type fakeKernel struct {
	decisions map[string]contracts.Decision
	calls     []string
}

func (f *fakeKernel) Evaluate(ctx context.Context, call contracts.ToolCall, actor string, roles []string) (contracts.Decision, error) {
	f.calls = append(f.calls, call.Name)
	return f.decisions[call.Name], nil
}

type fakeDispatcher struct {
	invocations int
}

func (f *fakeDispatcher) Invoke(ctx context.Context, ref twinclient.OperationRef, args map[string]any, simulate bool, idempotencyKey string) (twinclient.Result, error) {
	f.invocations++
	return twinclient.Result{OutputArguments: map[string]any{"ok": true}}, nil
}

type fakeRecorder struct {
	entries []contracts.AuditEntry
}

func (f *fakeRecorder) Append(entry contracts.AuditEntry) (contracts.AuditEntry, error) {
	f.entries = append(f.entries, entry)
	return entry, nil
}

func newTestOrchestrator(selector llmselector.Selector, kernel KernelEvaluator, twin ToolDispatcher) *Orchestrator {
	o := New(selector, kernel, twin, nil, 1000, 1000)
	o.RegisterTool(Tool{Spec: llmselector.ToolSpec{Name: "move_arm"}, Ref: twinclient.OperationRef{IdShort: "move_arm"}})
	o.RegisterTool(Tool{Spec: llmselector.ToolSpec{Name: "stop"}, Ref: twinclient.OperationRef{IdShort: "stop"}})
	return o
}

func TestProcess_ExecutesAllowedCall(t *testing.T) {
	selector := &fakeSelector{outcome: llmselector.Outcome{ToolCalls: []contracts.ToolCall{{Name: "move_arm", Arguments: map[string]any{}}}}}
	kernel := &fakeKernel{decisions: map[string]contracts.Decision{"move_arm": {Kind: contracts.DecisionAllowExecute}}}
	dispatcher := &fakeDispatcher{}

	o := newTestOrchestrator(selector, kernel, dispatcher)
	reply, err := o.Process(context.Background(), contracts.Request{Message: "move the arm", Actor: "alice", Roles: []string{"operator"}})
	require.NoError(t, err)
	require.Len(t, reply.ToolResults, 1)
	require.True(t, reply.ToolResults[0].Success)
	require.Equal(t, 1, dispatcher.invocations)
	require.False(t, reply.PendingApproval)
}

func TestProcess_StopsDispatchAfterDenial(t *testing.T) {
	selector := &fakeSelector{outcome: llmselector.Outcome{ToolCalls: []contracts.ToolCall{
		{Name: "move_arm", Arguments: map[string]any{}},
		{Name: "stop", Arguments: map[string]any{}},
	}}}
	kernel := &fakeKernel{decisions: map[string]contracts.Decision{
		"move_arm": {Kind: contracts.DecisionDeny, Reason: "blocked"},
		"stop":     {Kind: contracts.DecisionAllowExecute},
	}}
	dispatcher := &fakeDispatcher{}

	o := newTestOrchestrator(selector, kernel, dispatcher)
	reply, err := o.Process(context.Background(), contracts.Request{Message: "move then stop", Actor: "alice", Roles: []string{"operator"}})
	require.NoError(t, err)
	require.Len(t, reply.ToolResults, 1, "second call must never be dispatched once the first is denied")
	require.Equal(t, 0, dispatcher.invocations)
	require.Equal(t, []string{"move_arm"}, kernel.calls)
}

func TestProcess_StopsDispatchAfterPendingApproval(t *testing.T) {
	selector := &fakeSelector{outcome: llmselector.Outcome{ToolCalls: []contracts.ToolCall{
		{Name: "move_arm", Arguments: map[string]any{}},
		{Name: "stop", Arguments: map[string]any{}},
	}}}
	kernel := &fakeKernel{decisions: map[string]contracts.Decision{
		"move_arm": {Kind: contracts.DecisionPendingApprove, TaskID: "task-7"},
	}}
	dispatcher := &fakeDispatcher{}

	o := newTestOrchestrator(selector, kernel, dispatcher)
	reply, err := o.Process(context.Background(), contracts.Request{Message: "move then stop", Actor: "alice", Roles: []string{"operator"}})
	require.NoError(t, err)
	require.True(t, reply.PendingApproval)
	require.Equal(t, "task-7", reply.TaskID)
	require.Len(t, reply.ToolResults, 1)
	require.Equal(t, []string{"move_arm"}, kernel.calls)
}

func TestProcess_NoToolCallsReturnsReplyOnly(t *testing.T) {
	selector := &fakeSelector{outcome: llmselector.Outcome{ReplyText: "hello there"}}
	kernel := &fakeKernel{decisions: map[string]contracts.Decision{}}
	dispatcher := &fakeDispatcher{}

	o := newTestOrchestrator(selector, kernel, dispatcher)
	reply, err := o.Process(context.Background(), contracts.Request{Message: "hi", Actor: "alice", Roles: []string{"operator"}})
	require.NoError(t, err)
	require.Equal(t, "hello there", reply.Reply)
	require.Empty(t, reply.ToolResults)
}

func TestProcess_RecordsExecutedAuditEvent(t *testing.T) {
	selector := &fakeSelector{outcome: llmselector.Outcome{ToolCalls: []contracts.ToolCall{{Name: "move_arm", Arguments: map[string]any{}}}}}
	kernel := &fakeKernel{decisions: map[string]contracts.Decision{"move_arm": {Kind: contracts.DecisionAllowExecute}}}
	dispatcher := &fakeDispatcher{}
	rec := &fakeRecorder{}

	o := newTestOrchestrator(selector, kernel, dispatcher)
	o.audit = rec
	_, err := o.Process(context.Background(), contracts.Request{Message: "move the arm", Actor: "alice", Roles: []string{"operator"}})
	require.NoError(t, err)

	require.Len(t, rec.entries, 1)
	require.Equal(t, contracts.EventExecuted, rec.entries[0].Event)
	require.NotEmpty(t, rec.entries[0].ResultDigest)
}

func TestResolve_ReturnsRegisteredToolRef(t *testing.T) {
	o := newTestOrchestrator(&fakeSelector{}, &fakeKernel{}, &fakeDispatcher{})

	ref, ok := o.Resolve("move_arm")
	require.True(t, ok)
	require.Equal(t, "move_arm", ref.IdShort)

	_, ok = o.Resolve("nonexistent")
	require.False(t, ok)
}

func TestProcess_UnknownToolIsDenied(t *testing.T) {
	selector := &fakeSelector{outcome: llmselector.Outcome{ToolCalls: []contracts.ToolCall{{Name: "nonexistent"}}}}
	kernel := &fakeKernel{decisions: map[string]contracts.Decision{}}
	dispatcher := &fakeDispatcher{}

	o := newTestOrchestrator(selector, kernel, dispatcher)
	reply, err := o.Process(context.Background(), contracts.Request{Message: "do something weird", Actor: "alice", Roles: []string{"operator"}})
	require.NoError(t, err)
	require.Len(t, reply.ToolResults, 1)
	require.False(t, reply.ToolResults[0].Success)
	require.Equal(t, "denied", reply.ToolResults[0].Status)
}
