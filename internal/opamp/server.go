// Package opamp is the collector control plane: an OpAMP WebSocket server
// that tracks connected agents and delivers configuration updates, plus a
// small REST surface for the UI.
package opamp

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/open-telemetry/opamp-go/server"
	"github.com/open-telemetry/opamp-go/server/types"
	"github.com/rs/zerolog"

	"github.com/tinyolly/tinyolly/pkg/models"
)

// staleAfter is how long an agent may stay silent before it is marked
// disconnected by the sweep.
const staleAfter = 30 * time.Second

// Server manages agent state and pending configuration pushes.
type Server struct {
	logger zerolog.Logger
	now    func() time.Time

	opampServer server.OpAMPServer
	wsAddr      string

	agentsMu    sync.RWMutex
	agents      map[string]*models.AgentState
	connToAgent map[types.Connection]string

	configMu       sync.RWMutex
	currentConfig  string
	pendingConfigs map[string]string

	stopSweep chan struct{}
}

// NewServer creates the control plane. The initial collector configuration
// comes from configPath when set, falling back to the bundled default.
func NewServer(opampPort, configPath string, logger zerolog.Logger) *Server {
	s := &Server{
		logger:         logger,
		now:            time.Now,
		wsAddr:         "0.0.0.0:" + opampPort,
		agents:         make(map[string]*models.AgentState),
		connToAgent:    make(map[types.Connection]string),
		pendingConfigs: make(map[string]string),
		stopSweep:      make(chan struct{}),
	}
	s.loadInitialConfig(configPath)
	return s
}

func (s *Server) loadInitialConfig(configPath string) {
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			s.currentConfig = string(data)
			s.logger.Info().Str("path", configPath).Msg("loaded collector config")
			return
		}
		s.logger.Warn().Str("path", configPath).Msg("collector config unreadable, using default")
	}
	s.currentConfig = defaultCollectorConfig
}

// Start runs the OpAMP WebSocket endpoint and the staleness sweep.
func (s *Server) Start() error {
	s.opampServer = server.New(nil)

	settings := server.StartSettings{
		Settings: server.Settings{
			Callbacks: types.Callbacks{
				OnConnecting: s.onConnecting,
			},
		},
		ListenEndpoint: s.wsAddr,
	}

	s.logger.Info().Str("addr", s.wsAddr).Msg("opamp websocket listening")
	if err := s.opampServer.Start(settings); err != nil {
		return fmt.Errorf("opamp start: %w", err)
	}

	go s.sweepLoop()
	return nil
}

// Shutdown stops the WebSocket server and the sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopSweep)
	if s.opampServer != nil {
		return s.opampServer.Stop(ctx)
	}
	return nil
}

func (s *Server) onConnecting(request *http.Request) types.ConnectionResponse {
	s.logger.Debug().Str("remote", request.RemoteAddr).Msg("agent connecting")
	return types.ConnectionResponse{
		Accept: true,
		ConnectionCallbacks: types.ConnectionCallbacks{
			OnConnected:       s.onConnected,
			OnMessage:         s.onMessage,
			OnConnectionClose: s.onConnectionClose,
		},
	}
}

func (s *Server) onConnected(ctx context.Context, conn types.Connection) {
	s.logger.Debug().Msg("agent connected")
}

// onMessage upserts the agent and answers with any pending configuration.
func (s *Server) onMessage(ctx context.Context, conn types.Connection, msg *protobufs.AgentToServer) *protobufs.ServerToAgent {
	if len(msg.InstanceUid) == 0 {
		s.logger.Warn().Msg("agent message without instance uid")
		return &protobufs.ServerToAgent{}
	}
	instanceID := hex.EncodeToString(msg.InstanceUid)

	s.agentsMu.Lock()
	agent, exists := s.agents[instanceID]
	if !exists {
		agent = &models.AgentState{
			InstanceID: instanceID,
			AgentType:  "otel-collector",
		}
		s.agents[instanceID] = agent
		s.logger.Info().Str("instance_id", instanceID).Msg("agent registered")
	}
	s.connToAgent[conn] = instanceID

	agent.LastSeen = s.now()
	agent.Status = models.AgentStatusConnected

	if msg.AgentDescription != nil {
		for _, attr := range msg.AgentDescription.IdentifyingAttributes {
			switch attr.Key {
			case "service.name":
				agent.AgentType = attr.Value.GetStringValue()
			case "service.version":
				agent.AgentVersion = attr.Value.GetStringValue()
			}
		}
	}

	if msg.EffectiveConfig != nil && msg.EffectiveConfig.ConfigMap != nil {
		for _, configBody := range msg.EffectiveConfig.ConfigMap.ConfigMap {
			agent.EffectiveConfig = string(configBody.Body)
			break
		}
	}
	s.agentsMu.Unlock()

	s.configMu.Lock()
	pendingConfig, hasPending := s.pendingConfigs[instanceID]
	if hasPending {
		delete(s.pendingConfigs, instanceID)
	}
	s.configMu.Unlock()

	response := &protobufs.ServerToAgent{}
	if hasPending {
		s.logger.Info().Str("instance_id", instanceID).Msg("delivering pending config")
		response.RemoteConfig = &protobufs.AgentRemoteConfig{
			Config: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"": {Body: []byte(pendingConfig)},
				},
			},
			// The hash only needs to differ per push so the agent re-applies.
			ConfigHash: []byte(strconv.FormatInt(s.now().UnixNano(), 10)),
		}
	}
	return response
}

func (s *Server) onConnectionClose(conn types.Connection) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()

	instanceID, exists := s.connToAgent[conn]
	if !exists {
		return
	}
	delete(s.connToAgent, conn)
	if agent, ok := s.agents[instanceID]; ok {
		agent.Status = models.AgentStatusDisconnected
		agent.LastSeen = s.now()
		s.logger.Info().Str("instance_id", instanceID).Msg("agent disconnected")
	}
}

// sweepLoop marks agents disconnected when their heartbeat goes silent.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(staleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Server) sweepStale() {
	cutoff := s.now().Add(-staleAfter)

	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	for _, agent := range s.agents {
		if agent.Status == models.AgentStatusConnected && agent.LastSeen.Before(cutoff) {
			agent.Status = models.AgentStatusDisconnected
			s.logger.Warn().Str("instance_id", agent.InstanceID).Msg("agent heartbeat stale, marking disconnected")
		}
	}
}

// snapshotAgents copies the agent table for REST responses.
func (s *Server) snapshotAgents() map[string]*models.AgentState {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()

	out := make(map[string]*models.AgentState, len(s.agents))
	for id, agent := range s.agents {
		copied := *agent
		out[id] = &copied
	}
	return out
}
