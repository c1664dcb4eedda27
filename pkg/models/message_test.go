package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationIDPrecedence(t *testing.T) {
	msg := &Message{
		SessionID:  "session",
		RequestID:  "request",
		ResponseID: "response",
	}
	assert.Equal(t, "response", msg.CorrelationID())

	msg.ResponseID = ""
	assert.Equal(t, "request", msg.CorrelationID())

	msg.RequestID = ""
	assert.Equal(t, "session", msg.CorrelationID())

	msg.SessionID = ""
	assert.Empty(t, msg.CorrelationID())
}

func TestDeviceConnected(t *testing.T) {
	cases := []struct {
		status    DeviceStatus
		connected bool
	}{
		{DeviceStatusDisconnected, false},
		{DeviceStatusConnecting, false},
		{DeviceStatusRegistering, false},
		{DeviceStatusConnected, true},
		{DeviceStatusIdle, true},
		{DeviceStatusBusy, true},
		{DeviceStatusFailed, false},
	}

	for _, tc := range cases {
		d := &Device{Status: tc.status}
		assert.Equal(t, tc.connected, d.Connected(), "status %s", tc.status)
	}
}

func TestNewFailureResultMetadata(t *testing.T) {
	res := NewFailureResult("t-1", "dev-1", "gone", ErrorCategoryDisconnection)

	assert.False(t, res.Success)
	assert.Equal(t, "gone", res.Error)
	assert.Equal(t, "dev-1", res.Metadata["device_id"])
	assert.Equal(t, ErrorCategoryDisconnection, res.Metadata["error_type"])
	assert.True(t, res.Disconnected())

	res = NewFailureResult("t-2", "dev-1", "deadline", ErrorCategoryTimeout)
	assert.True(t, res.Disconnected())

	res = NewFailureResult("t-3", "dev-1", "panic", ErrorCategoryExecution)
	assert.False(t, res.Disconnected())

	ok := &ExecutionResult{TaskID: "t-4", Success: true}
	assert.False(t, ok.Disconnected())
}
