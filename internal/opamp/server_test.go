package opamp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/rs/zerolog"

	"github.com/tinyolly/tinyolly/pkg/models"
)

const minimalConfig = `
receivers:
  otlp:
exporters:
  debug:
service:
  pipelines:
`

func newTestControlPlane(t *testing.T) *Server {
	t.Helper()
	s := NewServer("4320", "", zerolog.Nop())
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

func agentMessage(uid []byte) *protobufs.AgentToServer {
	return &protobufs.AgentToServer{
		InstanceUid: uid,
		AgentDescription: &protobufs.AgentDescription{
			IdentifyingAttributes: []*protobufs.KeyValue{
				{Key: "service.name", Value: &protobufs.AnyValue{Value: &protobufs.AnyValue_StringValue{StringValue: "otelcol-contrib"}}},
				{Key: "service.version", Value: &protobufs.AnyValue{Value: &protobufs.AnyValue_StringValue{StringValue: "0.100.0"}}},
			},
		},
		EffectiveConfig: &protobufs.EffectiveConfig{
			ConfigMap: &protobufs.AgentConfigMap{
				ConfigMap: map[string]*protobufs.AgentConfigFile{
					"": {Body: []byte(minimalConfig)},
				},
			},
		},
	}
}

func TestValidateCollectorConfig(t *testing.T) {
	if err := ValidateCollectorConfig(defaultCollectorConfig); err != nil {
		t.Errorf("bundled default rejected: %v", err)
	}
	if err := ValidateCollectorConfig(minimalConfig); err != nil {
		t.Errorf("minimal config rejected: %v", err)
	}

	if err := ValidateCollectorConfig(":\nnot yaml: ["); err == nil {
		t.Error("malformed yaml accepted")
	}
	if err := ValidateCollectorConfig(""); err == nil {
		t.Error("empty document accepted")
	}
	if err := ValidateCollectorConfig("receivers:\n  otlp:\n"); err == nil {
		t.Error("config without exporters and service accepted")
	}
}

func TestOnMessageRegistersAgent(t *testing.T) {
	s := newTestControlPlane(t)
	uid := []byte{0xde, 0xad, 0xbe, 0xef}

	resp := s.onMessage(context.Background(), nil, agentMessage(uid))
	if resp == nil || resp.RemoteConfig != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}

	agents := s.snapshotAgents()
	agent, ok := agents["deadbeef"]
	if !ok {
		t.Fatalf("agent not registered: %v", agents)
	}
	if agent.Status != models.AgentStatusConnected {
		t.Errorf("status = %s", agent.Status)
	}
	if agent.AgentType != "otelcol-contrib" || agent.AgentVersion != "0.100.0" {
		t.Errorf("description not applied: %+v", agent)
	}
	if !strings.Contains(agent.EffectiveConfig, "receivers:") {
		t.Errorf("effective config not captured: %q", agent.EffectiveConfig)
	}
}

func TestOnMessageWithoutUID(t *testing.T) {
	s := newTestControlPlane(t)

	resp := s.onMessage(context.Background(), nil, &protobufs.AgentToServer{})
	if resp == nil {
		t.Fatal("nil response")
	}
	if len(s.snapshotAgents()) != 0 {
		t.Error("agent registered without uid")
	}
}

func TestOnMessageDeliversPendingConfig(t *testing.T) {
	s := newTestControlPlane(t)
	uid := []byte{0x01, 0x02}

	s.configMu.Lock()
	s.pendingConfigs["0102"] = minimalConfig
	s.configMu.Unlock()

	resp := s.onMessage(context.Background(), nil, agentMessage(uid))
	if resp.RemoteConfig == nil {
		t.Fatal("pending config not delivered")
	}
	body := resp.RemoteConfig.Config.ConfigMap[""].Body
	if string(body) != minimalConfig {
		t.Errorf("delivered body = %q", body)
	}
	if len(resp.RemoteConfig.ConfigHash) == 0 {
		t.Error("config hash missing")
	}

	// Delivery clears the queue.
	resp = s.onMessage(context.Background(), nil, agentMessage(uid))
	if resp.RemoteConfig != nil {
		t.Error("config delivered twice")
	}
}

func TestSweepStaleMarksDisconnected(t *testing.T) {
	s := newTestControlPlane(t)
	uid := []byte{0xaa}

	s.onMessage(context.Background(), nil, agentMessage(uid))

	s.now = func() time.Time { return time.Unix(1_700_000_000, 0).Add(staleAfter + time.Second) }
	s.sweepStale()

	agent := s.snapshotAgents()["aa"]
	if agent.Status != models.AgentStatusDisconnected {
		t.Errorf("stale agent status = %s", agent.Status)
	}
}

func restRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	rest := NewRESTServer("4321", s)

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	rest.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestRESTStatus(t *testing.T) {
	s := newTestControlPlane(t)
	s.onMessage(context.Background(), nil, agentMessage([]byte{0x0b}))

	rec := restRequest(t, s, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.AgentCount != 1 || resp.Agents["0b"] == nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestRESTGetConfigNoAgents(t *testing.T) {
	s := newTestControlPlane(t)

	rec := restRequest(t, s, http.MethodGet, "/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp["status"] != "no_agents_connected" {
		t.Errorf("status = %s", resp["status"])
	}
	if resp["config"] != defaultCollectorConfig {
		t.Error("default config not returned")
	}
}

func TestRESTGetConfigUnknownAgent(t *testing.T) {
	s := newTestControlPlane(t)

	rec := restRequest(t, s, http.MethodGet, "/config?instance_id=nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRESTUpdateConfig(t *testing.T) {
	s := newTestControlPlane(t)
	s.onMessage(context.Background(), nil, agentMessage([]byte{0x0c}))

	rec := restRequest(t, s, http.MethodPost, "/config", ConfigUpdateRequest{Config: minimalConfig})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	var resp ConfigUpdateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Status != "pending" || len(resp.AffectedIDs) != 1 || resp.AffectedIDs[0] != "0c" {
		t.Errorf("response = %+v", resp)
	}

	s.configMu.RLock()
	defer s.configMu.RUnlock()
	if s.currentConfig != minimalConfig {
		t.Error("current config not replaced")
	}
	if s.pendingConfigs["0c"] != minimalConfig {
		t.Error("config not queued for the connected agent")
	}
}

func TestRESTUpdateConfigRejectsInvalid(t *testing.T) {
	s := newTestControlPlane(t)

	rec := restRequest(t, s, http.MethodPost, "/config", ConfigUpdateRequest{Config: "receivers: ["})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid yaml: status = %d", rec.Code)
	}

	rec = restRequest(t, s, http.MethodPost, "/config", ConfigUpdateRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing config: status = %d", rec.Code)
	}

	rec = restRequest(t, s, http.MethodPost, "/config", ConfigUpdateRequest{Config: minimalConfig, InstanceID: "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown instance: status = %d", rec.Code)
	}
}
