// Package orchestrator implements the main request loop: select tools for
// a message, validate their arguments, submit each to the Safety Kernel in
// order, and dispatch allowed calls to the Twin Client — stopping at the
// first call that does not result in an execute decision, enforcing
// strict per-request gating. Grounded on the prototype's
// agent/orchestrator.py AgentOrchestrator.process_message, with the
// teacher's pkg/firewall.PolicyFirewall schema-gate style folded in.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/twinops/twinops/internal/canonicalize"
	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/llmselector"
	"github.com/twinops/twinops/internal/twinclient"
)

// KernelEvaluator evaluates one tool call and returns a Decision.
// Satisfied by internal/kernel.Kernel.
type KernelEvaluator interface {
	Evaluate(ctx context.Context, call contracts.ToolCall, actor string, roles []string) (contracts.Decision, error)
}

// ToolDispatcher invokes an operation against the physical asset.
// Satisfied by internal/twinclient.Client.
type ToolDispatcher interface {
	Invoke(ctx context.Context, ref twinclient.OperationRef, args map[string]any, simulate bool, idempotencyKey string) (twinclient.Result, error)
}

// Recorder persists audit entries. Satisfied by internal/audit.Log.
type Recorder interface {
	Append(entry contracts.AuditEntry) (contracts.AuditEntry, error)
}

// Tool is one registered operation: its selector-facing spec, its
// validation schema, and the reference the Twin Client dispatches it to.
type Tool struct {
	Spec         llmselector.ToolSpec
	ParamsSchema *jsonschema.Schema // nil disables argument validation
	Ref          twinclient.OperationRef
}

// Orchestrator ties tool selection, schema validation, kernel
// authorization, and twin-client dispatch into one request loop.
type Orchestrator struct {
	selector llmselector.Selector
	kernel   KernelEvaluator
	twin     ToolDispatcher
	audit    Recorder

	mu    sync.RWMutex
	tools map[string]Tool

	limiter *rate.Limiter
}

// New constructs an Orchestrator. requestsPerSecond/burst set a token-bucket
// limit on the tool dispatch rate (not on the number of in-flight calls), matching the teacher's golang.org/x/time/rate usage for
// outbound-call shaping. audit may be nil, in which case execution outcomes
// are dispatched but not recorded (used only in tests).
func New(selector llmselector.Selector, kernel KernelEvaluator, twin ToolDispatcher, audit Recorder, requestsPerSecond float64, burst int) *Orchestrator {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &Orchestrator{
		selector: selector,
		kernel:   kernel,
		twin:     twin,
		audit:    audit,
		tools:    make(map[string]Tool),
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// RegisterTool adds (or replaces) one tool's catalog entry.
func (o *Orchestrator) RegisterTool(tool Tool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tools[tool.Spec.Name] = tool
}

func (o *Orchestrator) catalog() []llmselector.ToolSpec {
	o.mu.RLock()
	defer o.mu.RUnlock()
	specs := make([]llmselector.ToolSpec, 0, len(o.tools))
	for _, t := range o.tools {
		specs = append(specs, t.Spec)
	}
	return specs
}

func (o *Orchestrator) lookup(name string) (Tool, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tools[name]
	return t, ok
}

// Resolve returns the Twin Client operation reference a registered tool
// name dispatches to. Satisfies internal/kernel.ToolResolver, letting the
// Kernel's approval-resubmission path reach the same catalog the normal
// request loop uses without importing this package.
func (o *Orchestrator) Resolve(name string) (twinclient.OperationRef, bool) {
	tool, ok := o.lookup(name)
	if !ok {
		return twinclient.OperationRef{}, false
	}
	return tool.Ref, true
}

// Process runs one request end to end: select tools, then dispatch each in
// order, stopping as soon as one call does not yield an allow_execute or
// allow_simulate decision. This is a deliberate tightening of the
// prototype's looser loop (which kept dispatching subsequent calls after a
// denial or pending-approval outcome): once a request is blocked, nothing
// downstream of that point should run in the same turn.
func (o *Orchestrator) Process(ctx context.Context, req contracts.Request) (contracts.Reply, error) {
	outcome, err := o.selector.Select(ctx, req.Message, req.Roles, o.catalog())
	if err != nil {
		return contracts.Reply{}, fmt.Errorf("tool selection: %w", err)
	}
	if len(outcome.ToolCalls) == 0 {
		return contracts.Reply{Reply: outcome.ReplyText}, nil
	}

	var results []contracts.ToolResult
	var pendingApproval bool
	var taskID string

	for _, call := range outcome.ToolCalls {
		if pendingApproval {
			break
		}

		result := o.dispatchOne(ctx, call, req)
		results = append(results, result)

		if result.Status == "pending_approval" {
			pendingApproval = true
			taskID = result.Result.(map[string]any)["task_id"].(string)
			break
		}
		if !result.Success {
			break
		}
	}

	return contracts.Reply{
		Reply:           buildReplyText(outcome.ReplyText, results),
		ToolResults:     results,
		PendingApproval: pendingApproval,
		TaskID:          taskID,
	}, nil
}

func (o *Orchestrator) dispatchOne(ctx context.Context, call contracts.ToolCall, req contracts.Request) contracts.ToolResult {
	tool, ok := o.lookup(call.Name)
	if !ok {
		return contracts.ToolResult{Tool: call.Name, Success: false, Status: "denied", Error: "not_found"}
	}

	if tool.ParamsSchema != nil {
		if err := tool.ParamsSchema.Validate(call.Arguments); err != nil {
			return contracts.ToolResult{Tool: call.Name, Success: false, Status: "denied", Error: "malformed_input"}
		}
	}

	if req.Simulate != nil {
		call.RequestedSimulate = call.RequestedSimulate || *req.Simulate
	}
	if req.IdempotencyKey != "" {
		call.IdempotencyKey = req.IdempotencyKey
	}

	decision, err := o.kernel.Evaluate(ctx, call, req.Actor, req.Roles)
	if err != nil {
		return contracts.ToolResult{Tool: call.Name, Success: false, Status: "error", Error: "execution_failed"}
	}

	argsDigest, _ := canonicalize.CanonicalHash(call.Arguments)

	switch decision.Kind {
	case contracts.DecisionDeny:
		return contracts.ToolResult{Tool: call.Name, Success: false, Status: "denied", Error: decision.Code, ID: decision.InterlockID}
	case contracts.DecisionPendingApprove:
		return contracts.ToolResult{
			Tool:    call.Name,
			Success: true,
			Status:  "pending_approval",
			Result:  map[string]any{"task_id": decision.TaskID, "message": "awaiting human approval"},
		}
	}

	simulate := decision.Kind == contracts.DecisionAllowSimulate

	if err := o.limiter.Wait(ctx); err != nil {
		return contracts.ToolResult{Tool: call.Name, Success: false, Status: "error", Error: "execution_failed"}
	}

	result, err := o.twin.Invoke(ctx, tool.Ref, call.Arguments, simulate, call.IdempotencyKey)
	if err != nil {
		o.record(contracts.EventExecFailed, call, req, argsDigest, "", "exec_failed")
		return contracts.ToolResult{Tool: call.Name, Success: false, Simulated: simulate, Status: "exec_failed", Error: "execution_failed"}
	}

	resultDigest, _ := canonicalize.CanonicalHash(result.OutputArguments)
	event := contracts.EventExecuted
	if simulate {
		event = contracts.EventSimulated
	}
	o.record(event, call, req, argsDigest, resultDigest, string(event))

	return contracts.ToolResult{
		Tool:      call.Name,
		Success:   true,
		Simulated: simulate,
		Status:    statusFor(simulate),
		Result:    result.OutputArguments,
	}
}

// record appends the terminal executed/simulated/exec_failed audit event
// for a call dispatched directly from the request loop (as opposed to one
// resubmitted through internal/kernel.Kernel.ExecuteApproved after a human
// approval, which records its own terminal event).
func (o *Orchestrator) record(event contracts.AuditEvent, call contracts.ToolCall, req contracts.Request, argsDigest, resultDigest, decision string) {
	if o.audit == nil {
		return
	}
	_, _ = o.audit.Append(contracts.AuditEntry{
		Timestamp:    time.Now(),
		Actor:        req.Actor,
		Roles:        req.Roles,
		Event:        event,
		Tool:         call.Name,
		ArgsDigest:   argsDigest,
		ResultDigest: resultDigest,
		Decision:     decision,
	})
}

func statusFor(simulated bool) string {
	if simulated {
		return "simulated_only"
	}
	return "completed"
}

func buildReplyText(base string, results []contracts.ToolResult) string {
	if base != "" {
		return base
	}
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("; ")
		}
		if r.Success {
			fmt.Fprintf(&b, "%s: %s", r.Tool, r.Status)
		} else {
			fmt.Fprintf(&b, "%s: failed (%s)", r.Tool, r.Error)
		}
	}
	return b.String()
}
