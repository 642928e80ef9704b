package handlers

import (
	"errors"
	"net/http"

	"github.com/BaSui01/agentrelay/agent/delegation"
	"github.com/BaSui01/agentrelay/agent/reasoning"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// ContactHandler routes agent-to-agent contact requests.
type ContactHandler struct {
	orch   *delegation.Orchestrator
	logger *zap.Logger
}

// ContactRequest is a contact_agent call made on behalf of CallerID.
type ContactRequest struct {
	CallerID string `json:"caller_id"`
	delegation.ToolArgs
}

// NewContactHandler creates a contact handler
func NewContactHandler(orch *delegation.Orchestrator, logger *zap.Logger) *ContactHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContactHandler{orch: orch, logger: logger.With(zap.String("handler", "contact"))}
}

// HandleContact handles POST /v1/contact.
//
// A completed request answers 200 with the outcome, one paused for approval
// answers 202, and a request refused by the relay's rules answers with the
// status mapped from its code and the outcome in error.details.
//
// @Summary Contact an agent
// @Tags contact
// @Accept json
// @Produce json
// @Param request body ContactRequest true "Contact request"
// @Success 200 {object} Response{data=delegation.Outcome} "Delivered"
// @Success 202 {object} Response{data=delegation.Outcome} "Waiting for approval"
// @Failure 400 {object} Response "Invalid request"
// @Failure 403 {object} Response "Permission denied"
// @Failure 504 {object} Response "Ask timed out"
// @Security ApiKeyAuth
// @Router /v1/contact [post]
func (h *ContactHandler) HandleContact(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req ContactRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	// 已鉴权的 agent 只能以自己的身份发起联系
	if principal, ok := types.Principal(r.Context()); ok {
		if req.CallerID == "" {
			req.CallerID = principal
		}
		if req.CallerID != principal {
			WriteErrorMessage(w, http.StatusForbidden, types.ErrPermissionDenied, "caller_id does not match the authenticated agent", h.logger)
			return
		}
	}
	if req.CallerID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "caller_id is required", h.logger)
		return
	}

	ctx := r.Context()
	// 嵌套 ask: webhook agent 回传正在回答的任务, 以接上原调用链
	if taskID := r.Header.Get(reasoning.HeaderTaskID); taskID != "" {
		ctx = types.WithCurrentTaskID(ctx, taskID)
	}

	out, err := h.orch.HandleContact(ctx, req.CallerID, req.Request())
	if errors.Is(err, roster.ErrNotFound) {
		WriteError(w, types.NewError(types.ErrAgentNotFound, "caller not found"), h.logger)
		return
	}
	if err != nil {
		WriteInternalError(w, err, "contact failed", h.logger)
		return
	}

	switch {
	case out.OK():
		WriteSuccess(w, out)
	case out.Code == types.ErrApprovalPending:
		WriteJSONData(w, http.StatusAccepted, out)
	default:
		writeError(w, types.NewError(out.Code, out.Text), out, h.logger)
	}
}
