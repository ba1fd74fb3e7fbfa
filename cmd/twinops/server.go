package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/twinops/twinops/internal/config"
	"github.com/twinops/twinops/internal/contracts"
	"github.com/twinops/twinops/internal/identity"
	"github.com/twinops/twinops/internal/orchestrator"
	"github.com/twinops/twinops/internal/twinerr"
)

// approvalStore is the subset of internal/approval.Store the HTTP layer
// needs, named at the point of use per the codebase's DI convention.
type approvalStore interface {
	Pending() []contracts.ApprovalTask
	Get(taskID string) (contracts.ApprovalTask, error)
	Approve(ctx context.Context, taskID, approver string, approverRoles []string) (contracts.ApprovalTask, error)
	Reject(taskID, rejector, reason string) (contracts.ApprovalTask, error)
}

// newServer wires the chat, health and approval-management endpoints into
// a mux, matching the original Python AgentServer's handle_chat/
// handle_health shape.
func newServer(orch *orchestrator.Orchestrator, approvals approvalStore, idVerifier *identity.Verifier, cfg *config.Config) http.Handler {
	s := &server{orch: orch, approvals: approvals, idVerifier: idVerifier, defaultRoles: cfg.DefaultRoles}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/approvals", s.handleApprovalsList)
	mux.HandleFunc("/approvals/", s.handleApprovalAction)
	return mux
}

type server struct {
	orch         *orchestrator.Orchestrator
	approvals    approvalStore
	idVerifier   *identity.Verifier
	defaultRoles []string
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

type chatRequestBody struct {
	Message        string `json:"message"`
	Simulate       *bool  `json:"simulate,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}
	if body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing 'message' field"})
		return
	}

	actor, roles := s.resolveIdentity(r)

	req := contracts.Request{
		Message:        body.Message,
		Actor:          actor,
		Roles:          roles,
		Simulate:       body.Simulate,
		IdempotencyKey: body.IdempotencyKey,
	}

	reply, err := s.orch.Process(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, reply)
}

// resolveIdentity reads the bearer token when an identity verifier is
// configured, falling back to the X-Roles header (and then the
// configured default roles), matching the original prototype's header-
// based role extraction for deployments with no JWT issuer wired yet.
func (s *server) resolveIdentity(r *http.Request) (actor string, roles []string) {
	if s.idVerifier != nil {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token := strings.TrimPrefix(auth, "Bearer ")
			if id, err := s.idVerifier.Verify(token); err == nil {
				return id.Actor, id.Roles
			}
		}
	}

	actor = r.Header.Get("X-Actor")
	if actor == "" {
		actor = "anonymous"
	}

	rolesHeader := r.Header.Get("X-Roles")
	for _, role := range strings.Split(rolesHeader, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		roles = s.defaultRoles
	}
	return actor, roles
}

func (s *server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.approvals.Pending()})
}

// handleApprovalAction serves GET/POST /approvals/{id}, /approvals/{id}/approve
// and /approvals/{id}/reject.
func (s *server) handleApprovalAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/approvals/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}

	parts := strings.SplitN(path, "/", 2)
	taskID := parts[0]

	if len(parts) == 1 {
		task, err := s.approvals.Get(taskID)
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	actor, roles := s.resolveIdentity(r)

	switch parts[1] {
	case "approve":
		task, err := s.approvals.Approve(r.Context(), taskID, actor, roles)
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case "reject":
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		task, err := s.approvals.Reject(taskID, actor, body.Reason)
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	}
}

func writeApprovalError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, twinerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, twinerr.ErrSelfApproval):
		status = http.StatusConflict
	case errors.Is(err, twinerr.ErrRoleUnauthorized):
		status = http.StatusForbidden
	default:
		// "task %s is %s, not pending" from internal/approval.Store also
		// means a conflicting state, not a server error.
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
