package models

import (
	"time"
)

// DeviceStatus tracks where a device is in its connection lifecycle.
type DeviceStatus string

const (
	DeviceStatusDisconnected DeviceStatus = "DISCONNECTED"
	DeviceStatusConnecting   DeviceStatus = "CONNECTING"
	DeviceStatusRegistering  DeviceStatus = "REGISTERING"
	DeviceStatusConnected    DeviceStatus = "CONNECTED"
	DeviceStatusIdle         DeviceStatus = "IDLE"
	DeviceStatusBusy         DeviceStatus = "BUSY"
	DeviceStatusFailed       DeviceStatus = "FAILED"
)

// Device represents a remote worker device known to the constellation.
// The registry owns every field; callers receive copies.
type Device struct {
	DeviceID           string                 `json:"device_id"`
	ServerURL          string                 `json:"server_url"`
	OS                 string                 `json:"os,omitempty"`
	Capabilities       []string               `json:"capabilities,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Status             DeviceStatus           `json:"status"`
	LastHeartbeat      time.Time              `json:"last_heartbeat,omitempty"`
	ConnectionAttempts int                    `json:"connection_attempts"`
	MaxRetries         int                    `json:"max_retries"`
	CurrentTaskID      string                 `json:"current_task_id,omitempty"`
}

// Connected reports whether the device is in a state with a live transport.
func (d *Device) Connected() bool {
	switch d.Status {
	case DeviceStatusConnected, DeviceStatusIdle, DeviceStatusBusy:
		return true
	default:
		return false
	}
}

// DeviceInfo is the payload returned by a device in response to a
// DEVICE_INFO_REQUEST. Capability lists are unioned and the sub-maps
// merged into the registry record rather than replacing it.
type DeviceInfo struct {
	OS             string                 `json:"os,omitempty"`
	Capabilities   []string               `json:"capabilities,omitempty"`
	Features       []string               `json:"features,omitempty"`
	SystemInfo     map[string]interface{} `json:"system_info,omitempty"`
	CustomMetadata map[string]interface{} `json:"custom_metadata,omitempty"`
	Tags           map[string]interface{} `json:"tags,omitempty"`
}
