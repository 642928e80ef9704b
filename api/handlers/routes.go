package handlers

import "net/http"

// Handlers groups the relay's HTTP handlers. Nil members are not routed.
type Handlers struct {
	Contact   *ContactHandler
	Agents    *AgentHandler
	Approvals *ApprovalHandler
	Health    *HealthHandler
}

// Register mounts the handlers on mux.
func (h Handlers) Register(mux *http.ServeMux) {
	if h.Health != nil {
		mux.HandleFunc("GET /health", h.Health.HandleHealth)
		mux.HandleFunc("GET /ready", h.Health.HandleReady)
	}
	if h.Contact != nil {
		mux.HandleFunc("POST /v1/contact", h.Contact.HandleContact)
	}
	if h.Agents != nil {
		mux.HandleFunc("GET /v1/agents", h.Agents.HandleListAgents)
		mux.HandleFunc("GET /v1/agents/{id}", h.Agents.HandleGetAgent)
		mux.HandleFunc("POST /v1/agents/{id}/sleep", h.Agents.HandleSleep)
		mux.HandleFunc("POST /v1/agents/{id}/resume", h.Agents.HandleResume)
		mux.HandleFunc("POST /v1/agents/{id}/wake", h.Agents.HandleWake)
	}
	if h.Approvals != nil {
		mux.HandleFunc("GET /v1/approvals", h.Approvals.HandleListPending)
		mux.HandleFunc("GET /v1/approvals/{id}", h.Approvals.HandleGetApproval)
		mux.HandleFunc("POST /v1/approvals/{id}/decision", h.Approvals.HandleDecision)
	}
}
