// Package kernel implements the Safety Kernel: the five-layer decision
// pipeline every tool call passes through before touching the physical
// asset (RBAC, interlocks, simulation forcing, approval gating, execute),
// grounded on the prototype's agent/safety.py SafetyKernel.evaluate and
// extended with the teacher's CEL-based predicate evaluation style from
// pkg/kernel/cel_dp.go.
package kernel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/twinops/twinops/internal/canonicalize"
	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/shadow"
	"github.com/twinops/twinops/internal/telemetry"
	"github.com/twinops/twinops/internal/twinclient"
)

// PolicyProvider returns the currently verified policy document.
// internal/policy.Store satisfies this structurally.
type PolicyProvider interface {
	Current(ctx context.Context) (*contracts.PolicyDocument, error)
}

// ApprovalSink records a pending-approval task and returns its task ID. It
// is satisfied by internal/approval.Store, injected here (via SetApprovals,
// since construction is cyclic -- see SetApprovals) to avoid an import
// cycle: approval tasks are re-submitted back through the Kernel once
// approved, via the Kernel's own ExecuteApproved, not by the Approval
// Store importing this package.
type ApprovalSink interface {
	Create(ctx context.Context, call contracts.ToolCall, requesterActor string, requesterRoles []string) (taskID string, err error)
}

// Recorder persists audit entries. Satisfied by internal/audit.Log.
type Recorder interface {
	Append(entry contracts.AuditEntry) (contracts.AuditEntry, error)
}

// Dispatcher invokes an operation against the physical asset. Satisfied
// by internal/twinclient.Client.
type Dispatcher interface {
	Invoke(ctx context.Context, ref twinclient.OperationRef, args map[string]any, simulate bool, idempotencyKey string) (twinclient.Result, error)
}

// ToolResolver maps a tool name to its dispatch reference. Satisfied by
// internal/orchestrator.Orchestrator's Resolve method, injected after
// construction (see SetToolResolver) since the Orchestrator's catalog
// does not exist yet when the Kernel is built.
type ToolResolver interface {
	Resolve(name string) (twinclient.OperationRef, bool)
}

// Kernel evaluates tool calls against a CovenantTwin policy document.
type Kernel struct {
	store     PolicyProvider
	twin      *shadow.Twin
	approvals ApprovalSink
	audit     Recorder
	dispatcher Dispatcher
	resolver  ToolResolver
	failSafe  bool

	mu          sync.Mutex
	compiled    []*interlockProgram
	compiledFor string // policy schema_version the cache was built for
}

// New constructs a Kernel. failSafe controls how a missing or malformed
// interlock property is treated: true denies the operation (the default,
// matching the prototype's interlock_fail_safe=True), false logs and
// allows the call to proceed to later layers. dispatcher is the Twin
// Client used for the approved-task resubmission path (ExecuteApproved);
// approvals and the tool resolver are wired in after construction (see
// SetApprovals, SetToolResolver) to break the Orchestrator -> Kernel ->
// Approval Store -> Kernel wiring cycle.
func New(store PolicyProvider, twin *shadow.Twin, approvals ApprovalSink, audit Recorder, failSafe bool, dispatcher Dispatcher) *Kernel {
	return &Kernel{store: store, twin: twin, approvals: approvals, audit: audit, failSafe: failSafe, dispatcher: dispatcher}
}

// SetApprovals injects the Approval Store once constructed. Needed
// because the Approval Store itself takes the Kernel as its Resubmitter.
func (k *Kernel) SetApprovals(a ApprovalSink) {
	k.approvals = a
}

// SetToolResolver injects the tool-name -> dispatch-reference lookup once
// the Orchestrator's catalog exists.
func (k *Kernel) SetToolResolver(r ToolResolver) {
	k.resolver = r
}

// riskRank orders risk levels for the >= comparisons simulation/approval
// forcing need.
func riskRank(r contracts.RiskLevel) int { return int(r) }

// Evaluate runs the RBAC/interlock/simulation-forcing/approval-gating
// layers for one tool call and returns the resulting Decision. It does
// not dispatch the call: DecisionAllowExecute/DecisionAllowSimulate tell
// the caller it may proceed, but the actual Twin Client invocation (and
// the executed/simulated/exec_failed audit event that must follow it,
// carrying the result digest) happens at the dispatch site -- here, that
// is the Orchestrator for a fresh call, and ExecuteApproved for an
// approved task resubmission.
func (k *Kernel) Evaluate(ctx context.Context, call contracts.ToolCall, actor string, roles []string) (contracts.Decision, error) {
	argsDigest, _ := canonicalize.CanonicalHash(call.Arguments)
	k.record(contracts.EventProposed, call.Name, actor, roles, argsDigest, "", "", nil)

	doc, err := k.store.Current(ctx)
	if err != nil {
		reason := "policy unavailable: " + err.Error()
		k.record(contracts.EventDenied, call.Name, actor, roles, argsDigest, "", "policy_unverified", map[string]any{"reason": reason})
		return contracts.Decision{Kind: contracts.DecisionDeny, Code: "policy_unverified", Reason: reason}, nil
	}

	risk := resolveRisk(call, doc)

	if !k.checkRBAC(call.Name, roles, doc) {
		reason := fmt.Sprintf("no role in %v is authorized for %s", roles, call.Name)
		log.Print(telemetry.Line("kernel.deny", telemetry.F{"tool": call.Name, "reason": "role_unauthorized", "actor": actor}))
		k.record(contracts.EventDenied, call.Name, actor, roles, argsDigest, "", "role_unauthorized", map[string]any{"reason": reason})
		return contracts.Decision{Kind: contracts.DecisionDeny, Code: "role_unauthorized", Reason: reason}, nil
	}

	if msg, interlockID, denied := k.evaluateInterlocks(ctx, doc); denied {
		log.Print(telemetry.Line("kernel.deny", telemetry.F{"tool": call.Name, "reason": "interlock", "interlock": interlockID, "actor": actor}))
		k.record(contracts.EventDenied, call.Name, actor, roles, argsDigest, "", "interlock_triggered", map[string]any{"reason": msg, "interlock_id": interlockID})
		return contracts.Decision{Kind: contracts.DecisionDeny, Code: "interlock_triggered", Reason: msg, InterlockID: interlockID}, nil
	}

	forceSimulate := call.RequestedSimulate || riskRank(risk) >= riskRank(doc.RequireSimulationForRisk)
	requireApproval := riskRank(risk) >= riskRank(doc.RequireApprovalForRisk) && !call.RequestedSimulate

	if requireApproval {
		taskID, err := k.approvals.Create(ctx, call, actor, roles)
		if err != nil {
			return contracts.Decision{}, fmt.Errorf("create approval task: %w", err)
		}
		log.Print(telemetry.Line("kernel.pending_approval", telemetry.F{"tool": call.Name, "task_id": taskID, "actor": actor}))
		k.record(contracts.EventPendingApproval, call.Name, actor, roles, argsDigest, "", "pending_approval", map[string]any{"task_id": taskID, "risk": risk.String()})
		return contracts.Decision{Kind: contracts.DecisionPendingApprove, Code: "approval_required", TaskID: taskID, Reason: "requires human approval for " + risk.String() + " risk"}, nil
	}

	if forceSimulate {
		return contracts.Decision{Kind: contracts.DecisionAllowSimulate}, nil
	}
	return contracts.Decision{Kind: contracts.DecisionAllowExecute}, nil
}

// ExecuteApproved re-authorizes and dispatches an approved task, with the
// approval gate itself skipped for this task_id -- it has already been
// granted -- the task is resubmitted to the kernel with
// simulate_effective=false and the approval gate skipped for that
// task_id. RBAC and interlocks still apply: approval waives the
// human-in-the-loop gate, not the safety checks around it. Satisfies
// internal/approval.Resubmitter.
func (k *Kernel) ExecuteApproved(ctx context.Context, task contracts.ApprovalTask) (contracts.ToolResult, error) {
	call := task.ToolCall
	actor, roles := task.RequesterActor, task.RequesterRoles
	argsDigest, _ := canonicalize.CanonicalHash(call.Arguments)
	linkDetails := map[string]any{"approved_task_id": task.TaskID}

	doc, err := k.store.Current(ctx)
	if err != nil {
		reason := "policy unavailable: " + err.Error()
		k.record(contracts.EventExecFailed, call.Name, actor, roles, argsDigest, "", "policy_unverified", withReason(linkDetails, reason))
		return contracts.ToolResult{Tool: call.Name, Success: false, Status: "exec_failed", Error: "policy_unverified"}, nil
	}

	if !k.checkRBAC(call.Name, roles, doc) {
		reason := fmt.Sprintf("no role in %v is authorized for %s", roles, call.Name)
		k.record(contracts.EventDenied, call.Name, actor, roles, argsDigest, "", "role_unauthorized", withReason(linkDetails, reason))
		return contracts.ToolResult{Tool: call.Name, Success: false, Status: "denied", Error: "role_unauthorized"}, nil
	}

	if msg, interlockID, denied := k.evaluateInterlocks(ctx, doc); denied {
		details := withReason(linkDetails, msg)
		details["interlock_id"] = interlockID
		k.record(contracts.EventDenied, call.Name, actor, roles, argsDigest, "", "interlock_triggered", details)
		return contracts.ToolResult{Tool: call.Name, Success: false, Status: "denied", Error: "interlock_triggered", ID: interlockID}, nil
	}

	return k.execute(ctx, call, actor, roles, argsDigest, false, linkDetails)
}

// execute invokes the resolved operation and records the terminal
// executed/simulated or exec_failed audit event with the result digest --
// the event must follow the actual Twin Client call, not precede it.
func (k *Kernel) execute(ctx context.Context, call contracts.ToolCall, actor string, roles []string, argsDigest string, simulate bool, details map[string]any) (contracts.ToolResult, error) {
	if k.resolver == nil || k.dispatcher == nil {
		return contracts.ToolResult{}, fmt.Errorf("kernel: execution not wired (resolver/dispatcher unset)")
	}
	ref, ok := k.resolver.Resolve(call.Name)
	if !ok {
		return contracts.ToolResult{}, fmt.Errorf("kernel: no operation reference registered for tool %q", call.Name)
	}

	result, err := k.dispatcher.Invoke(ctx, ref, call.Arguments, simulate, call.IdempotencyKey)
	if err != nil {
		k.record(contracts.EventExecFailed, call.Name, actor, roles, argsDigest, "", "execution_failed", withReason(details, err.Error()))
		return contracts.ToolResult{Tool: call.Name, Success: false, Simulated: simulate, Status: "exec_failed", Error: "execution_failed"}, nil
	}

	resultDigest, _ := canonicalize.CanonicalHash(result.OutputArguments)
	event, decision, status := contracts.EventExecuted, "executed", "completed"
	if simulate {
		event, decision, status = contracts.EventSimulated, "simulated", "simulated_only"
	}
	k.record(event, call.Name, actor, roles, argsDigest, resultDigest, decision, details)

	return contracts.ToolResult{
		Tool:      call.Name,
		Success:   true,
		Simulated: simulate,
		Status:    status,
		Result:    result.OutputArguments,
	}, nil
}

func withReason(details map[string]any, reason string) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["reason"] = reason
	return out
}

// record appends an audit entry, swallowing the error into a telemetry
// line: a decision already made should not be undone by an audit write
// failure, but the failure itself must never be silent.
func (k *Kernel) record(event contracts.AuditEvent, tool, actor string, roles []string, argsDigest, resultDigest, decision string, details map[string]any) {
	if k.audit == nil {
		return
	}
	_, err := k.audit.Append(contracts.AuditEntry{
		Timestamp:    time.Now(),
		Actor:        actor,
		Roles:        roles,
		Event:        event,
		Tool:         tool,
		ArgsDigest:   argsDigest,
		ResultDigest: resultDigest,
		Decision:     decision,
		Details:      details,
	})
	if err != nil {
		log.Print(telemetry.Line("kernel.audit_write_failed", telemetry.F{"tool": tool, "event": string(event), "error": err.Error()}))
	}
}

// resolveRisk prefers the policy's per-operation override; failing that,
// the call's own risk annotation; failing that, defaults to MEDIUM.
func resolveRisk(call contracts.ToolCall, doc *contracts.PolicyDocument) contracts.RiskLevel {
	if doc.OperationRisk != nil {
		if r, ok := doc.OperationRisk[call.Name]; ok {
			return r
		}
	}
	if call.Risk != nil {
		return *call.Risk
	}
	return contracts.RiskMedium
}

func (k *Kernel) checkRBAC(tool string, roles []string, doc *contracts.PolicyDocument) bool {
	for _, role := range roles {
		binding, ok := doc.RoleBindings[role]
		if !ok {
			continue
		}
		for _, allowed := range binding.Allow {
			if allowed == "*" || allowed == tool {
				return true
			}
		}
	}
	return false
}

// evaluateInterlocks walks the policy's ordered interlock rules against a
// single consistent snapshot of shadow-twin state, returning the first
// violated rule's message and ID.
func (k *Kernel) evaluateInterlocks(ctx context.Context, doc *contracts.PolicyDocument) (string, string, bool) {
	programs := k.compiledPrograms(doc)

	view := k.twin.Snapshot()
	defer view.Release()

	for _, p := range programs {
		rule := p.rule
		current, _, ok := view.Get(rule.DenyWhen.Submodel, rule.DenyWhen.Path)
		if !ok {
			log.Print(telemetry.Line("kernel.interlock_unknown", telemetry.F{"interlock": rule.ID, "submodel": rule.DenyWhen.Submodel, "path": rule.DenyWhen.Path, "fail_safe": k.failSafe}))
			if k.failSafe {
				return fmt.Sprintf("safety interlock %s cannot be evaluated: %s/%s not found (fail-safe deny)", rule.ID, rule.DenyWhen.Submodel, rule.DenyWhen.Path), rule.ID, true
			}
			continue
		}

		violated, err := false, fmt.Errorf("interlock %s: expression did not compile", rule.ID)
		if p.prog != nil {
			violated, err = p.violates(current)
		}
		if err != nil {
			log.Print(telemetry.Line("kernel.interlock_error", telemetry.F{"interlock": rule.ID, "error": err.Error(), "fail_safe": k.failSafe}))
			if k.failSafe {
				return fmt.Sprintf("safety interlock %s evaluation error: %v (fail-safe deny)", rule.ID, err), rule.ID, true
			}
			continue
		}
		if violated {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("interlock %s violated", rule.ID)
			}
			return msg, rule.ID, true
		}
	}
	return "", "", false
}

// compiledPrograms lazily compiles and caches interlock CEL programs,
// recompiling whenever the policy's schema_version changes. A rule whose
// expression fails to compile is kept with a nil program, so
// evaluateInterlocks treats it as an evaluation error under the
// fail-safe setting instead of dropping it.
func (k *Kernel) compiledPrograms(doc *contracts.PolicyDocument) []*interlockProgram {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.compiledFor == doc.SchemaVersion && k.compiled != nil {
		return k.compiled
	}

	programs := make([]*interlockProgram, 0, len(doc.Interlocks))
	for _, rule := range doc.Interlocks {
		p, err := compileInterlock(rule)
		if err != nil {
			log.Print(telemetry.Line("kernel.interlock_compile_error", telemetry.F{"interlock": rule.ID, "error": err.Error()}))
			programs = append(programs, &interlockProgram{rule: rule})
			continue
		}
		programs = append(programs, p)
	}
	k.compiled = programs
	k.compiledFor = doc.SchemaVersion
	return programs
}
