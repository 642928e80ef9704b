package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/agent/sleep"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// =============================================================================
// Agent Roster Handler
// =============================================================================

// AgentHandler exposes the roster and the sleep controls.
type AgentHandler struct {
	agents    roster.Store
	scheduler *sleep.Scheduler
	logger    *zap.Logger
}

// AgentInfo Agent information returned by the API
type AgentInfo struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Kind                string     `json:"kind"`
	Status              string     `json:"status"`
	Sleeping            bool       `json:"sleeping"`
	SleepingUntil       *time.Time `json:"sleeping_until,omitempty"`
	SleepingReason      string     `json:"sleeping_reason,omitempty"`
	AwaitingApprovalID  string     `json:"awaiting_approval_id,omitempty"`
	AwaitingDelegations []string   `json:"awaiting_delegations,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SleepRequest 休眠请求
type SleepRequest struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason,omitempty"`
}

// SleepResponse 休眠结果
type SleepResponse struct {
	AgentID       string    `json:"agent_id"`
	SleepingUntil time.Time `json:"sleeping_until"`
}

// ResumeResponse 唤醒结果
type ResumeResponse struct {
	AgentID string `json:"agent_id"`
	Resumed bool   `json:"resumed"`
}

// NewAgentHandler creates an Agent handler
func NewAgentHandler(agents roster.Store, scheduler *sleep.Scheduler, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		agents:    agents,
		scheduler: scheduler,
		logger:    logger.With(zap.String("handler", "agent")),
	}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// HandleListAgents lists all agents
// @Summary List agents
// @Tags agent
// @Produce json
// @Success 200 {object} Response{data=[]AgentInfo} "Agent list"
// @Security ApiKeyAuth
// @Router /v1/agents [get]
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.List(r.Context())
	if err != nil {
		WriteInternalError(w, err, "failed to list agents", h.logger)
		return
	}

	now := time.Now()
	result := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		result = append(result, toAgentInfo(a, now))
	}
	WriteSuccess(w, result)
}

// HandleGetAgent gets a single agent
// @Summary Get agent
// @Tags agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=AgentInfo} "Agent info"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /v1/agents/{id} [get]
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", h.logger)
	if !ok {
		return
	}

	a, err := h.agents.Get(r.Context(), agentID)
	if err != nil {
		h.handleAgentError(w, err)
		return
	}
	WriteSuccess(w, toAgentInfo(a, time.Now()))
}

// HandleSleep puts an agent to sleep
// @Summary Sleep agent
// @Tags agent
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Param request body SleepRequest true "Sleep request"
// @Success 200 {object} Response{data=SleepResponse} "Wake time"
// @Failure 400 {object} Response "Invalid duration"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /v1/agents/{id}/sleep [post]
func (h *AgentHandler) HandleSleep(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", h.logger)
	if !ok {
		return
	}
	var req SleepRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	until, err := h.scheduler.Sleep(r.Context(), agentID, req.Minutes, req.Reason)
	if err != nil && until.IsZero() {
		h.handleAgentError(w, err)
		return
	}
	if err != nil {
		// sleep 已写入, 仅恢复任务未排上; 启动时的 sweep 会补上
		h.logger.Warn("sleep recorded without resume job", zap.String("agent_id", agentID), zap.Error(err))
	}
	WriteSuccess(w, SleepResponse{AgentID: agentID, SleepingUntil: until})
}

// HandleResume ends an agent's sleep if its wake time has passed. An agent
// whose wake time is still ahead keeps sleeping and resumed is false.
// @Summary Resume agent if due
// @Tags agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=ResumeResponse} "Whether the agent was resumed"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /v1/agents/{id}/resume [post]
func (h *AgentHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", h.logger)
	if !ok {
		return
	}

	resumed, err := h.scheduler.ResumeIfDue(r.Context(), agentID)
	if err != nil {
		h.handleAgentError(w, err)
		return
	}
	WriteSuccess(w, ResumeResponse{AgentID: agentID, Resumed: resumed})
}

// HandleWake wakes an agent now, ignoring its wake time (operator override)
// @Summary Wake agent
// @Tags agent
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} Response{data=ResumeResponse} "Agent woken"
// @Failure 404 {object} Response "Agent not found"
// @Security ApiKeyAuth
// @Router /v1/agents/{id}/wake [post]
func (h *AgentHandler) HandleWake(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathID(w, r, "id", h.logger)
	if !ok {
		return
	}

	if err := h.scheduler.WakeNow(r.Context(), agentID); err != nil {
		h.handleAgentError(w, err)
		return
	}
	h.logger.Info("agent woken by operator", zap.String("agent_id", agentID))
	WriteSuccess(w, ResumeResponse{AgentID: agentID, Resumed: true})
}

// =============================================================================
// Helper Functions
// =============================================================================

func (h *AgentHandler) handleAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, roster.ErrNotFound):
		WriteError(w, types.NewError(types.ErrAgentNotFound, "agent not found"), h.logger)
	case errors.Is(err, sleep.ErrInvalidDuration):
		WriteError(w, types.NewError(types.ErrInvalidSleep, err.Error()), h.logger)
	default:
		WriteInternalError(w, err, "agent operation failed", h.logger)
	}
}

func toAgentInfo(a *roster.Agent, now time.Time) AgentInfo {
	return AgentInfo{
		ID:                  a.ID,
		Name:                a.DisplayName(),
		Kind:                string(a.Kind),
		Status:              string(a.Status),
		Sleeping:            a.IsSleeping(now),
		SleepingUntil:       a.SleepingUntil,
		SleepingReason:      a.SleepingReason,
		AwaitingApprovalID:  a.AwaitingApprovalID,
		AwaitingDelegations: a.AwaitingDelegations,
		UpdatedAt:           a.UpdatedAt,
	}
}
