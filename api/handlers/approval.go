package handlers

import (
	"errors"
	"net/http"

	"github.com/BaSui01/agentrelay/agent/hitl"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// ApprovalHandler records human decisions on held contact requests.
type ApprovalHandler struct {
	gate   *hitl.Gate
	logger *zap.Logger
}

// DecisionRequest 审批决定
type DecisionRequest struct {
	Approved   bool   `json:"approved"`
	ResolverID string `json:"resolver_id"`
	Comment    string `json:"comment,omitempty"`
}

// NewApprovalHandler creates an approval handler
func NewApprovalHandler(gate *hitl.Gate, logger *zap.Logger) *ApprovalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalHandler{gate: gate, logger: logger.With(zap.String("handler", "approval"))}
}

// HandleListPending lists pending requests, optionally for one requester
// @Summary List pending approvals
// @Tags approval
// @Produce json
// @Param requester_id query string false "Requester agent ID"
// @Success 200 {object} Response{data=[]hitl.ApprovalRequest} "Pending requests"
// @Security ApiKeyAuth
// @Router /v1/approvals [get]
func (h *ApprovalHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.gate.ListPending(r.Context(), r.URL.Query().Get("requester_id"))
	if err != nil {
		WriteInternalError(w, err, "failed to list approvals", h.logger)
		return
	}
	if reqs == nil {
		reqs = []*hitl.ApprovalRequest{}
	}
	WriteSuccess(w, reqs)
}

// HandleGetApproval returns one request
// @Summary Get approval
// @Tags approval
// @Produce json
// @Param id path string true "Approval ID"
// @Success 200 {object} Response{data=hitl.ApprovalRequest} "Approval request"
// @Failure 404 {object} Response "Not found"
// @Security ApiKeyAuth
// @Router /v1/approvals/{id} [get]
func (h *ApprovalHandler) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", h.logger)
	if !ok {
		return
	}
	req, err := h.gate.Get(r.Context(), id)
	if err != nil {
		h.handleApprovalError(w, err)
		return
	}
	WriteSuccess(w, req)
}

// HandleDecision approves or rejects a pending request
// @Summary Decide approval
// @Tags approval
// @Accept json
// @Produce json
// @Param id path string true "Approval ID"
// @Param request body DecisionRequest true "Decision"
// @Success 200 {object} Response{data=hitl.ApprovalRequest} "Resolved request"
// @Failure 404 {object} Response "Not found"
// @Failure 409 {object} Response "Already resolved"
// @Security ApiKeyAuth
// @Router /v1/approvals/{id}/decision [post]
func (h *ApprovalHandler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", h.logger)
	if !ok {
		return
	}
	var req DecisionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ResolverID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "resolver_id is required", h.logger)
		return
	}

	resolved, err := h.gate.Resolve(r.Context(), id, hitl.Decision{
		Approved:   req.Approved,
		ResolverID: req.ResolverID,
		Comment:    req.Comment,
	})
	if err != nil {
		h.handleApprovalError(w, err)
		return
	}
	WriteSuccess(w, resolved)
}

func (h *ApprovalHandler) handleApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hitl.ErrNotFound):
		WriteError(w, types.NewError(types.ErrNotFound, "approval request not found"), h.logger)
	case errors.Is(err, hitl.ErrAlreadyResolved):
		WriteError(w, types.NewError(types.ErrAlreadyResolved, "approval request already resolved"), h.logger)
	default:
		WriteInternalError(w, err, "approval operation failed", h.logger)
	}
}
