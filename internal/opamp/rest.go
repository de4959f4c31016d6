package opamp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tinyolly/tinyolly/pkg/models"
)

// RESTServer exposes agent status and configuration management to the UI.
type RESTServer struct {
	opamp  *Server
	server *http.Server
}

// NewRESTServer builds the REST surface on the given port.
func NewRESTServer(httpPort string, opamp *Server) *RESTServer {
	s := &RESTServer{opamp: opamp}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/health", s.handleHealth)
	router.Get("/status", s.handleStatus)
	router.Get("/config", s.handleGetConfig)
	router.Post("/config", s.handleUpdateConfig)
	router.Put("/config", s.handleUpdateConfig)

	s.server = &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}
	return s
}

// Start serves until Shutdown.
func (s *RESTServer) Start() error {
	s.opamp.logger.Info().Str("addr", s.server.Addr).Msg("opamp rest listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the REST server.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	Status     string                        `json:"status"`
	AgentCount int                           `json:"agent_count"`
	Agents     map[string]*models.AgentState `json:"agents"`
}

// ConfigUpdateRequest is the POST /config body.
type ConfigUpdateRequest struct {
	Config     string `json:"config"`
	InstanceID string `json:"instance_id,omitempty"`
}

// ConfigUpdateResponse reports which agents a config push was queued for.
type ConfigUpdateResponse struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	AffectedIDs []string `json:"affected_instance_ids"`
}

func (s *RESTServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *RESTServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.opamp.snapshotAgents()
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:     "ok",
		AgentCount: len(agents),
		Agents:     agents,
	})
}

// handleGetConfig returns the addressed agent's effective config, the first
// connected agent's config, or the server default when no agent is connected.
func (s *RESTServer) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	agents := s.opamp.snapshotAgents()

	if instanceID != "" {
		agent, exists := agents[instanceID]
		if !exists {
			http.Error(w, "Agent not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"instance_id": instanceID,
			"config":      agent.EffectiveConfig,
			"status":      agent.Status,
		})
		return
	}

	for _, agent := range agents {
		if agent.Status == models.AgentStatusConnected {
			writeJSON(w, http.StatusOK, map[string]any{
				"instance_id": agent.InstanceID,
				"config":      agent.EffectiveConfig,
				"status":      agent.Status,
			})
			return
		}
	}

	s.opamp.configMu.RLock()
	current := s.opamp.currentConfig
	s.opamp.configMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"config": current,
		"status": "no_agents_connected",
	})
}

// handleUpdateConfig validates the YAML, stores it as the new default and
// queues it as pending for the addressed agents. Last write wins.
func (s *RESTServer) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Config == "" {
		http.Error(w, "Config is required", http.StatusBadRequest)
		return
	}
	if err := ValidateCollectorConfig(req.Config); err != nil {
		http.Error(w, "Invalid config: "+err.Error(), http.StatusBadRequest)
		return
	}

	agents := s.opamp.snapshotAgents()
	var affectedIDs []string
	if req.InstanceID != "" {
		if _, exists := agents[req.InstanceID]; !exists {
			http.Error(w, "Agent not found", http.StatusNotFound)
			return
		}
		affectedIDs = append(affectedIDs, req.InstanceID)
	} else {
		for id, agent := range agents {
			if agent.Status == models.AgentStatusConnected {
				affectedIDs = append(affectedIDs, id)
			}
		}
	}

	s.opamp.configMu.Lock()
	s.opamp.currentConfig = req.Config
	for _, id := range affectedIDs {
		s.opamp.pendingConfigs[id] = req.Config
	}
	s.opamp.configMu.Unlock()

	for _, id := range affectedIDs {
		s.opamp.logger.Info().Str("instance_id", id).Msg("queued config update")
	}

	writeJSON(w, http.StatusOK, ConfigUpdateResponse{
		Status:      "pending",
		Message:     fmt.Sprintf("Config update queued for %d agent(s)", len(affectedIDs)),
		AffectedIDs: affectedIDs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
