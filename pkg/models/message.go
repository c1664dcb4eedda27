package models

import (
	"encoding/json"
	"time"
)

// MessageType identifies the purpose of a wire envelope.
type MessageType string

const (
	MessageTypeRegister           MessageType = "REGISTER"
	MessageTypeHeartbeat          MessageType = "HEARTBEAT"
	MessageTypeTask               MessageType = "TASK"
	MessageTypeTaskEnd            MessageType = "TASK_END"
	MessageTypeError              MessageType = "ERROR"
	MessageTypeCommand            MessageType = "COMMAND"
	MessageTypeDeviceInfoRequest  MessageType = "DEVICE_INFO_REQUEST"
	MessageTypeDeviceInfoResponse MessageType = "DEVICE_INFO_RESPONSE"
)

// MessageStatus carries the coarse outcome on server-originated envelopes.
type MessageStatus string

const (
	MessageStatusOK        MessageStatus = "OK"
	MessageStatusContinue  MessageStatus = "CONTINUE"
	MessageStatusCompleted MessageStatus = "COMPLETED"
	MessageStatusError     MessageStatus = "ERROR"
	MessageStatusFailed    MessageStatus = "FAILED"
)

// ClientTypeConstellation marks envelopes originated by the controller.
const ClientTypeConstellation = "CONSTELLATION"

// Message is the JSON envelope exchanged with devices over the WebSocket
// transport. SessionID/RequestID carry the correlation key on outbound
// requests; ResponseID (falling back to SessionID) carries it on replies.
type Message struct {
	Type       MessageType            `json:"type"`
	ClientID   string                 `json:"client_id,omitempty"`
	ClientType string                 `json:"client_type,omitempty"`
	TargetID   string                 `json:"target_id,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	ResponseID string                 `json:"response_id,omitempty"`
	TaskName   string                 `json:"task_name,omitempty"`
	Request    string                 `json:"request,omitempty"`
	Status     MessageStatus          `json:"status,omitempty"`
	Result     json.RawMessage        `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// CorrelationID returns the key used to match this envelope to a pending
// request: an explicit response id wins, then request id, then session id.
func (m *Message) CorrelationID() string {
	if m.ResponseID != "" {
		return m.ResponseID
	}

	if m.RequestID != "" {
		return m.RequestID
	}

	return m.SessionID
}
