package models

import "time"

// Agent connection status values.
const (
	AgentStatusConnected    = "connected"
	AgentStatusDisconnected = "disconnected"
)

// AgentState tracks a collector connected over OpAMP. Keyed by the hex
// encoding of the OpAMP instance uid.
type AgentState struct {
	InstanceID      string    `json:"instance_id"`
	AgentType       string    `json:"agent_type"`
	AgentVersion    string    `json:"agent_version"`
	EffectiveConfig string    `json:"effective_config"`
	LastSeen        time.Time `json:"last_seen"`
	Status          string    `json:"status"`
}
