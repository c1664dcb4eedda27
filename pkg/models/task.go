package models

import (
	"time"
)

// Error category values carried in ExecutionResult metadata so callers can
// branch on the failure class without string matching.
const (
	ErrorCategoryDisconnection = "device_disconnection"
	ErrorCategoryTimeout       = "timeout"
	ErrorCategoryExecution     = "execution_error"
)

// TaskRequest is a unit of work addressed to a single device. The Request
// payload is opaque to the control-plane.
type TaskRequest struct {
	TaskID    string                 `json:"task_id"`
	DeviceID  string                 `json:"device_id"`
	Request   string                 `json:"request"`
	TaskName  string                 `json:"task_name,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timeout   Duration               `json:"timeout,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ExecutionResult is the outcome of a dispatched task. Metadata always
// carries device_id; failures carry error_type and, for disconnection and
// timeout failures, disconnected=true.
type ExecutionResult struct {
	TaskID   string                 `json:"task_id"`
	Success  bool                   `json:"success"`
	Result   string                 `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewFailureResult builds a failed ExecutionResult with the structured
// error metadata callers branch on.
func NewFailureResult(taskID, deviceID, message, category string) *ExecutionResult {
	meta := map[string]interface{}{
		"device_id":  deviceID,
		"task_id":    taskID,
		"error_type": category,
		"message":    message,
	}

	if category == ErrorCategoryDisconnection || category == ErrorCategoryTimeout {
		meta["disconnected"] = true
	}

	return &ExecutionResult{
		TaskID:   taskID,
		Success:  false,
		Error:    message,
		Metadata: meta,
	}
}

// Disconnected reports whether the result failed because the device went
// away while the task was in flight or queued.
func (r *ExecutionResult) Disconnected() bool {
	if r.Metadata == nil {
		return false
	}

	v, ok := r.Metadata["disconnected"].(bool)

	return ok && v
}
