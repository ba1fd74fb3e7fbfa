// Package approval implements the human-in-the-loop Approval Store: the
// pending-task bookkeeping a CRITICAL-risk decision parks in until a human
// approves or rejects it, grounded on the prototype's agent/safety.py
// task management methods (approve_task/reject_task/check_task_status).
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/twinerr"
)

// Recorder persists audit entries. Satisfied by internal/audit.Log.
type Recorder interface {
	Append(entry contracts.AuditEntry) (contracts.AuditEntry, error)
}

// Resubmitter re-runs an approved task's call with the approval gate
// skipped. Satisfied by internal/kernel.Kernel;
// named at the point of use so this package never imports internal/kernel
// (which itself holds a reference back into the Store via SetApprovals --
// the cycle is broken by injecting this callback after both sides exist,
// not by mutual ownership).
type Resubmitter interface {
	ExecuteApproved(ctx context.Context, task contracts.ApprovalTask) (contracts.ToolResult, error)
}

// PolicyProvider supplies the current policy document so Approve can check
// approver eligibility. Satisfied by internal/policy.Store.
type PolicyProvider interface {
	Current(ctx context.Context) (*contracts.PolicyDocument, error)
}

// Store is an in-memory approval task registry, guarded by a single mutex
// (task volume is low relative to tool-call volume, so per-task striping
// would be premature here).
type Store struct {
	mu    sync.Mutex
	tasks map[string]*contracts.ApprovalTask
	ttl   time.Duration
	audit Recorder

	resubmit Resubmitter
	policy   PolicyProvider
}

// New constructs an Approval Store. ttl bounds how long a task may remain
// pending before Get/List treat it as expired; pass 0 to disable expiry.
// resubmit may be nil at construction and wired in afterward (see
// SetResubmitter), mirroring the teacher's guardian.Set* pattern for
// components that need each other and so cannot both be built first. A
// nil policy skips the approver-eligibility check.
func New(ttl time.Duration, audit Recorder, resubmit Resubmitter, policy PolicyProvider) *Store {
	return &Store{tasks: make(map[string]*contracts.ApprovalTask), ttl: ttl, audit: audit, resubmit: resubmit, policy: policy}
}

// SetResubmitter allows injecting the kernel resubmission callback after
// initialization, for wiring orders where the Kernel is constructed after
// the Store (or vice versa) and the two need a reference to each other.
func (s *Store) SetResubmitter(r Resubmitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resubmit = r
}

// Create registers a new pending-approval task and returns its ID.
// Satisfies kernel.ApprovalSink.
func (s *Store) Create(ctx context.Context, call contracts.ToolCall, requesterActor string, requesterRoles []string) (string, error) {
	taskID := uuid.NewString()
	task := &contracts.ApprovalTask{
		TaskID:         taskID,
		ToolCall:       call,
		RequesterActor: requesterActor,
		RequesterRoles: append([]string(nil), requesterRoles...),
		CreatedAt:      time.Now(),
		State:          contracts.ApprovalPending,
	}

	s.mu.Lock()
	s.tasks[taskID] = task
	s.mu.Unlock()

	return taskID, nil
}

// Get returns a task by ID, expiring it in place if its TTL has elapsed.
func (s *Store) Get(taskID string) (contracts.ApprovalTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return contracts.ApprovalTask{}, twinerr.ErrNotFound.With(map[string]any{"task_id": taskID})
	}
	s.expireLocked(task)
	return *task, nil
}

// List returns a snapshot of every task, most recently created first.
func (s *Store) List() []contracts.ApprovalTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]contracts.ApprovalTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		s.expireLocked(task)
		out = append(out, *task)
	}
	return out
}

// Pending returns only tasks still awaiting a decision.
func (s *Store) Pending() []contracts.ApprovalTask {
	all := s.List()
	out := make([]contracts.ApprovalTask, 0, len(all))
	for _, t := range all {
		if t.State == contracts.ApprovalPending {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) expireLocked(task *contracts.ApprovalTask) {
	if task.State != contracts.ApprovalPending || s.ttl <= 0 {
		return
	}
	if time.Since(task.CreatedAt) > s.ttl {
		task.State = contracts.ApprovalExpired
	}
}

// canApprove reports whether approverRoles includes a role the policy's
// role_bindings permits to approve: by default, any role whose allow list
// includes "*". A policy fetch failure denies eligibility rather than
// granting it, matching the fail-safe posture the kernel itself takes on
// an unverifiable policy.
func (s *Store) canApprove(ctx context.Context, approverRoles []string) (bool, error) {
	if s.policy == nil {
		return true, nil
	}
	doc, err := s.policy.Current(ctx)
	if err != nil {
		return false, err
	}
	for _, role := range approverRoles {
		binding, ok := doc.RoleBindings[role]
		if !ok {
			continue
		}
		for _, allowed := range binding.Allow {
			if allowed == "*" {
				return true, nil
			}
		}
	}
	return false, nil
}

// Approve transitions a pending task to Approved, resubmits it to the
// kernel with the approval gate skipped for its task_id, and records the
// execution outcome on the returned task. A requester may not approve
// their own task (twinerr.ErrSelfApproval), and
// the approver must hold a role the policy permits to approve
// (twinerr.ErrRoleUnauthorized). Approving an already-approved task is an
// idempotent no-op that returns the recorded outcome; approving an
// already-rejected or -expired task is an error, since there is no
// sensible outcome to replay.
func (s *Store) Approve(ctx context.Context, taskID, approver string, approverRoles []string) (contracts.ApprovalTask, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return contracts.ApprovalTask{}, twinerr.ErrNotFound.With(map[string]any{"task_id": taskID})
	}
	s.expireLocked(task)

	if task.State == contracts.ApprovalApproved {
		result := *task
		s.mu.Unlock()
		return result, nil
	}
	if task.RequesterActor == approver {
		s.mu.Unlock()
		return contracts.ApprovalTask{}, twinerr.ErrSelfApproval
	}
	if task.State != contracts.ApprovalPending {
		s.mu.Unlock()
		return contracts.ApprovalTask{}, fmt.Errorf("task %s is %s, not pending", taskID, task.State)
	}
	s.mu.Unlock()

	eligible, err := s.canApprove(ctx, approverRoles)
	if err != nil {
		return contracts.ApprovalTask{}, fmt.Errorf("approval: checking approver eligibility: %w", err)
	}
	if !eligible {
		return contracts.ApprovalTask{}, twinerr.ErrRoleUnauthorized.With(map[string]any{"task_id": taskID, "approver_roles": approverRoles})
	}

	s.mu.Lock()
	task, ok = s.tasks[taskID]
	if !ok || task.State != contracts.ApprovalPending {
		s.mu.Unlock()
		return contracts.ApprovalTask{}, fmt.Errorf("task %s is no longer pending", taskID)
	}
	now := time.Now()
	task.State = contracts.ApprovalApproved
	task.ApprovedBy = approver
	task.ApprovedAt = &now
	approved := *task
	s.mu.Unlock()

	s.record(contracts.EventApproved, approved, map[string]any{"approved_by": approver, "approver_roles": approverRoles})

	if s.resubmit != nil {
		result, execErr := s.resubmit.ExecuteApproved(ctx, approved)
		if execErr != nil {
			result = contracts.ToolResult{Tool: approved.ToolCall.Name, Success: false, Status: "exec_failed", Error: "execution_failed"}
		}
		s.mu.Lock()
		if task, ok := s.tasks[taskID]; ok {
			task.ExecutionResult = &result
			approved = *task
		}
		s.mu.Unlock()
	}

	return approved, nil
}

// Reject transitions a pending task to Rejected. Rejecting an
// already-rejected task is an idempotent no-op that returns the recorded
// outcome.
func (s *Store) Reject(taskID, rejector, reason string) (contracts.ApprovalTask, error) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return contracts.ApprovalTask{}, twinerr.ErrNotFound.With(map[string]any{"task_id": taskID})
	}
	s.expireLocked(task)

	if task.State == contracts.ApprovalRejected {
		result := *task
		s.mu.Unlock()
		return result, nil
	}
	if task.State != contracts.ApprovalPending {
		s.mu.Unlock()
		return contracts.ApprovalTask{}, fmt.Errorf("task %s is %s, not pending", taskID, task.State)
	}

	now := time.Now()
	task.State = contracts.ApprovalRejected
	task.RejectedBy = rejector
	task.RejectReason = reason
	task.RejectedAt = &now
	result := *task
	s.mu.Unlock()

	s.record(contracts.EventRejected, result, map[string]any{"rejected_by": rejector, "reason": reason})
	return result, nil
}

func (s *Store) record(event contracts.AuditEvent, task contracts.ApprovalTask, details map[string]any) {
	if s.audit == nil {
		return
	}
	merged := map[string]any{"task_id": task.TaskID}
	for k, v := range details {
		merged[k] = v
	}
	_, _ = s.audit.Append(contracts.AuditEntry{
		Timestamp: time.Now(),
		Actor:     task.RequesterActor,
		Roles:     task.RequesterRoles,
		Event:     event,
		Tool:      task.ToolCall.Name,
		Decision:  string(event),
		Details:   merged,
	})
}
