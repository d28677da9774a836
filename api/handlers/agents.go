package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/baton-ai/baton/registry"
	"github.com/baton-ai/baton/types"
)

// RegistryAdmin is the write surface of the agent registry. Only the local
// in-memory backend implements it; when the orchestrator fronts an external
// registry service, mutation endpoints return 501.
type RegistryAdmin interface {
	Register(desc registry.Descriptor)
	Deregister(agentID string)
	SetHealth(agentID string, health float64, status registry.AgentStatus)
}

// RegisterAgentRequest is the body of POST /v1/agents.
type RegisterAgentRequest struct {
	AgentID      string            `json:"agent_id"`
	Name         string            `json:"name"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Capabilities []string          `json:"capabilities"`
	InputKeys    []string          `json:"input_keys,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SetHealthRequest is the body of PUT /v1/agents/{id}/health.
type SetHealthRequest struct {
	Health float64 `json:"health"`
	Status string  `json:"status"`
}

// AgentHandler serves the agent registry endpoints.
type AgentHandler struct {
	client registry.Client
	admin  RegistryAdmin // nil when the backend is read-only
	logger *zap.Logger
}

// NewAgentHandler creates the agent registry handler. admin may be nil for
// read-only registry backends.
func NewAgentHandler(client registry.Client, admin RegistryAdmin, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		client: client,
		admin:  admin,
		logger: logger.With(zap.String("component", "api_agents")),
	}
}

// HandleListAgents serves GET /v1/agents.
func (h *AgentHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.client.ListAgents(r.Context())
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	WriteSuccess(w, agents)
}

// HandleGetAgent serves GET /v1/agents/{id}.
func (h *AgentHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	desc, err := h.client.GetAgent(r.Context(), agentID)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	WriteSuccess(w, desc)
}

// HandleRegisterAgent serves POST /v1/agents.
func (h *AgentHandler) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	var req RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"agent_id is required", nil)
		return
	}
	if len(req.Capabilities) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"at least one capability is required", nil)
		return
	}

	h.admin.Register(registry.Descriptor{
		AgentID:      req.AgentID,
		Name:         req.Name,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		InputKeys:    req.InputKeys,
		Metadata:     req.Metadata,
	})
	h.logger.Info("agent registered via API", zap.String("agent_id", req.AgentID))

	desc, err := h.client.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: desc})
}

// HandleDeregisterAgent serves DELETE /v1/agents/{id}.
func (h *AgentHandler) HandleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}
	agentID := r.PathValue("id")
	if _, err := h.client.GetAgent(r.Context(), agentID); err != nil {
		h.writeRegistryError(w, err)
		return
	}
	h.admin.Deregister(agentID)
	WriteSuccess(w, map[string]string{"agent_id": agentID, "status": "deregistered"})
}

// HandleSetHealth serves PUT /v1/agents/{id}/health.
func (h *AgentHandler) HandleSetHealth(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w) {
		return
	}

	var req SetHealthRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Health < 0 || req.Health > 1 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"health must be between 0 and 1", nil)
		return
	}
	status := registry.AgentStatus(req.Status)
	switch status {
	case registry.StatusOnline, registry.StatusDegraded, registry.StatusOffline:
	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest,
			"status must be online, degraded, or offline", nil)
		return
	}

	agentID := r.PathValue("id")
	if _, err := h.client.GetAgent(r.Context(), agentID); err != nil {
		h.writeRegistryError(w, err)
		return
	}
	h.admin.SetHealth(agentID, req.Health, status)
	WriteSuccess(w, map[string]string{"agent_id": agentID, "status": req.Status})
}

func (h *AgentHandler) requireAdmin(w http.ResponseWriter) bool {
	if h.admin == nil {
		WriteErrorMessage(w, http.StatusNotImplemented, types.ErrInvalidRequest,
			"registry is read-only: mutations must go through the external registry service", nil)
		return false
	}
	return true
}

func (h *AgentHandler) writeRegistryError(w http.ResponseWriter, err error) {
	if typed, ok := err.(*types.Error); ok {
		WriteError(w, typed, h.logger)
		return
	}
	WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError,
		err.Error(), h.logger)
}
