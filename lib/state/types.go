// Package state is the authoritative in-memory record of engines and
// streams. All cross-component reads go through its lock-protected
// accessors; every mutation flows through a single write path per entity
// and emits a bus event after the lock is released.
package state

import "time"

// HealthStatus of an engine as seen by the health monitor.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	Unknown   HealthStatus = "unknown"
)

// Engine is one managed AceStream container.
type Engine struct {
	ContainerID    string            `json:"container_id"`
	ContainerName  string            `json:"container_name"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	HTTPSPort      int               `json:"https_port,omitempty"`
	P2PPort        int               `json:"p2p_port,omitempty"`
	Forwarded      bool              `json:"forwarded"`
	Health         HealthStatus      `json:"health_status"`
	LastProbeAt    time.Time         `json:"last_probe_at,omitzero"`
	UnhealthySince time.Time         `json:"unhealthy_since,omitzero"`
	LastDataAt     time.Time         `json:"last_data_at,omitzero"`
	VPNBinding     string            `json:"vpn_binding,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Labels         map[string]string `json:"labels,omitempty"`
	TemplateID     string            `json:"active_template_id,omitempty"`
}

// StreamStatus is the lifecycle state of a stream record.
type StreamStatus string

const (
	StreamStarted StreamStatus = "started"
	StreamEnded   StreamStatus = "ended"
)

// StreamStats is the last metrics snapshot from the engine's stat URL.
type StreamStats struct {
	SpeedDown  int   `json:"speed_down"`
	SpeedUp    int   `json:"speed_up"`
	Peers      int   `json:"peers"`
	Downloaded int64 `json:"downloaded"`
	Uploaded   int64 `json:"uploaded"`
}

// Stream is one playback session on one engine.
type Stream struct {
	ID                string       `json:"stream_id"`
	ContentKey        string       `json:"content_key"`
	EngineID          string       `json:"engine_id"`
	StartedAt         time.Time    `json:"started_at"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
	EndReason         string       `json:"end_reason,omitempty"`
	Status            StreamStatus `json:"status"`
	PlaybackSessionID string       `json:"playback_session_id"`
	StatURL           string       `json:"stat_url"`
	CommandURL        string       `json:"command_url"`
	LiveLast          *time.Time   `json:"live_last,omitempty"`
	Stats             StreamStats  `json:"stats"`
}
