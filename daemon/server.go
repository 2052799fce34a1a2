// Package daemon exposes the coordinator over HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/petal-labs/switchboard"
	"github.com/petal-labs/switchboard/automation"
	"github.com/petal-labs/switchboard/catalog"
)

// Coordinator is the coordinator surface served over HTTP.
type Coordinator interface {
	Initialize(ctx context.Context) error
	Discover(ctx context.Context) ([]catalog.Entry, error)
	ListServices() []catalog.Entry
	FindServices(capability string) []catalog.Entry
	ListAgents() []catalog.Agent
	Agents() (switchboard.AgentManager, error)
	Stats() switchboard.Stats
}

// ServerConfig controls daemon HTTP server dependencies.
type ServerConfig struct {
	Coordinator Coordinator
	// Events serves GET /api/events when set.
	Events http.Handler
	Logger *slog.Logger
}

// Server exposes coordination APIs.
type Server struct {
	coordinator Coordinator
	events      http.Handler
	logger      *slog.Logger
}

// NewServer constructs a daemon API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("daemon: coordinator is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{coordinator: cfg.Coordinator, events: cfg.Events, logger: cfg.Logger}, nil
}

// Handler returns an http.Handler exposing daemon APIs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("POST /api/initialize", s.handleInitialize)
	mux.HandleFunc("POST /api/discover", s.handleDiscover)

	mux.HandleFunc("GET /api/services", s.handleListServices)
	mux.HandleFunc("GET /api/services/{id}", s.handleGetService)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}/status", s.handleSetAgentStatus)
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeregisterAgent)

	if s.events != nil {
		mux.Handle("GET /api/events", s.events)
	}

	return mux
}

type registerAgentRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name,omitempty"`
	Type         string   `json:"agent_type"`
	Capabilities []string `json:"capabilities,omitempty"`
	Status       string   `json:"status,omitempty"`
}

type setAgentStatusRequest struct {
	Status string `json:"status"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.coordinator.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"initialized": stats.Initialized,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Stats())
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Initialize(r.Context()); err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.coordinator.Stats())
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	entries, err := s.coordinator.Discover(r.Context())
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services": entries,
		"pass":     s.coordinator.Stats().LastPass,
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	var services []catalog.Entry
	if capability, ok := queryParam(r, "capability"); ok {
		if strings.TrimSpace(capability) == "" {
			writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "capability must not be blank", nil)
			return
		}
		services = s.coordinator.FindServices(capability)
	} else {
		services = s.coordinator.ListServices()
	}
	if services == nil {
		services = []catalog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services": services,
	})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	for _, entry := range s.coordinator.ListServices() {
		if entry.ProviderID == id {
			writeJSON(w, http.StatusOK, entry)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("service %q not found", id), nil)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.coordinator.ListAgents()
	if agents == nil {
		agents = []catalog.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	for _, agent := range s.coordinator.ListAgents() {
		if agent.ID == id {
			writeJSON(w, http.StatusOK, agent)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("agent %q not found", id), nil)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	spec := automation.AgentSpec{
		ID:           req.ID,
		Name:         req.Name,
		Type:         req.Type,
		Capabilities: req.Capabilities,
	}
	if strings.TrimSpace(req.Status) != "" {
		status, err := catalog.ParseAgentStatus(req.Status)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error(), nil)
			return
		}
		spec.Status = status
	}

	agents, err := s.coordinator.Agents()
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	agent, err := agents.RegisterAgent(r.Context(), spec)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req setAgentStatusRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	status, err := catalog.ParseAgentStatus(req.Status)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error(), nil)
		return
	}

	agents, err := s.coordinator.Agents()
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	agent, err := agents.SetAgentStatus(r.Context(), r.PathValue("id"), status)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agents, err := s.coordinator.Agents()
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	agent, err := agents.Heartbeat(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agents, err := s.coordinator.Agents()
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	if err := agents.DeregisterAgent(r.Context(), r.PathValue("id")); err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	var initErr *switchboard.InitError
	switch {
	case errors.Is(err, switchboard.ErrNotInitialized):
		writeJSONError(w, http.StatusConflict, "NOT_INITIALIZED", err.Error(), nil)
	case errors.Is(err, switchboard.ErrAgentsUnsupported):
		writeJSONError(w, http.StatusNotImplemented, "AGENTS_UNSUPPORTED", err.Error(), nil)
	case errors.Is(err, automation.ErrUnknownAgent):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, automation.ErrAgentExists):
		writeJSONError(w, http.StatusConflict, "AGENT_EXISTS", err.Error(), nil)
	case errors.Is(err, automation.ErrClosed):
		writeJSONError(w, http.StatusServiceUnavailable, "CORE_CLOSED", err.Error(), nil)
	case errors.As(err, &initErr):
		writeJSONError(w, http.StatusInternalServerError, "INIT_FAILED", err.Error(), map[string]any{
			"stage": initErr.Stage,
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		// Client disconnected.
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		s.logger.Error("daemon: request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}

func queryParam(r *http.Request, key string) (string, bool) {
	values, ok := r.URL.Query()[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func decodeJSONBody(r *http.Request, target any) error {
	if target == nil {
		return errors.New("decode target is nil")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
