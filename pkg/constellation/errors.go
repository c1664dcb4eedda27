package constellation

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotRegistered is the eager precondition failure for
	// operations on a device id the registry has never seen.
	ErrDeviceNotRegistered = errors.New("device not registered")

	// ErrDeviceNotConnected is the eager precondition failure for
	// operations that need a live transport.
	ErrDeviceNotConnected = errors.New("device not connected")

	// ErrManagerStopped is returned when an operation races manager shutdown.
	ErrManagerStopped = errors.New("constellation manager stopped")
)

// Connection error categories. Callers branch on these fields, never on
// error strings.
const (
	CategoryDisconnection      = "device_disconnection"
	CategoryTimeout            = "timeout"
	CategoryRegistrationFailed = "registration_failed"
	CategoryConnectionFailed   = "connection_failed"
)

// ConnError is a structured transport-level failure: disconnect while
// waiting, timeout, registration rejection, or connect failure.
type ConnError struct {
	Category string
	DeviceID string
	TaskID   string
	Message  string
	Err      error
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (device %s): %s: %v", e.Category, e.DeviceID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s (device %s): %s", e.Category, e.DeviceID, e.Message)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// Disconnected reports whether the error means the device went away while
// the caller was waiting on it.
func (e *ConnError) Disconnected() bool {
	return e.Category == CategoryDisconnection
}
