package bus

// Brain lifecycle topics.
const (
	TopicBrainStarting = "brain.starting"
	TopicBrainReady    = "brain.ready"
	TopicBrainExited   = "brain.exited"
	TopicBrainStopped  = "brain.stopped"
	TopicBrainReloaded = "brain.reloaded"
)

// Gateway connection topics.
const (
	TopicRPCConnected    = "rpc.connected"
	TopicRPCDisconnected = "rpc.disconnected"
)

// TopicAgentAction carries an allow-listed action dispatched by the brain.
const TopicAgentAction = "agent.action"

// TopicSettingChanged is published after a setting write is persisted.
const TopicSettingChanged = "settings.changed"

// BrainExit describes a brain process exit.
type BrainExit struct {
	PID      int    `json:"pid"`
	Code     int    `json:"code"`
	Signal   string `json:"signal,omitempty"`
	WasReady bool   `json:"wasReady"`
}

// SettingChanged names the key that was written. Values are never published.
type SettingChanged struct {
	Key string `json:"key"`
}
