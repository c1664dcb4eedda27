/*
 * Copyright 2026 Orbitalworks
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package constellation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orbitalworks/constellation/pkg/models"
)

// SendTask sends one TASK envelope and waits for the matching TASK_END,
// bounded by the task timeout. This is the low-level primitive: it returns
// errors directly. AssignTask wraps it with queueing and converts failures
// into structured ExecutionResults.
func (m *Manager) SendTask(ctx context.Context, deviceID string, task *models.TaskRequest) (*models.ExecutionResult, error) {
	t, ok := m.transportFor(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}

	corrID := fmt.Sprintf("%s@%s", m.config.ConstellationID, task.TaskID)

	msg := m.newMessage(models.MessageTypeTask, deviceID)
	msg.SessionID = corrID
	msg.TaskName = task.TaskName
	msg.Request = task.Request
	msg.Metadata = task.Metadata

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task message: %w", err)
	}

	c := m.taskWaiters.add(corrID, deviceID)

	if err := t.Send(ctx, data); err != nil {
		m.taskWaiters.remove(corrID)

		// A failed write means the socket is dead even when the read side
		// has not errored yet.
		return nil, &ConnError{
			Category: CategoryDisconnection,
			DeviceID: deviceID,
			TaskID:   task.TaskID,
			Message:  "failed to send task",
			Err:      err,
		}
	}

	if msg, err := m.reapIfDead(m.taskWaiters, corrID, deviceID, t, c); err != nil {
		var connErr *ConnError
		if errors.As(err, &connErr) && connErr.TaskID == "" {
			connErr.TaskID = task.TaskID
		}

		return nil, err
	} else if msg != nil {
		return resultFromMessage(task.TaskID, deviceID, msg), nil
	}

	timeout := task.Timeout.Duration()
	if timeout <= 0 {
		timeout = m.config.DefaultTaskTimeout.Duration()
	}

	m.logger.Debug().
		Str("device_id", deviceID).
		Str("task_id", task.TaskID).
		Str("correlation_id", corrID).
		Dur("timeout", timeout).
		Msg("Task sent, awaiting completion")

	res, err := m.awaitCompletion(ctx, m.taskWaiters, corrID, c, timeout)
	if err != nil {
		if connErr, ok := err.(*ConnError); ok && connErr.TaskID == "" {
			connErr.TaskID = task.TaskID
		}

		return nil, err
	}

	return resultFromMessage(task.TaskID, deviceID, res), nil
}

// RequestDeviceInfo asks a device to describe itself. Uses the second
// correlation table, keyed by a generated request id.
func (m *Manager) RequestDeviceInfo(ctx context.Context, deviceID string, timeout time.Duration) (*models.DeviceInfo, error) {
	t, ok := m.transportFor(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}

	reqID := uuid.NewString()

	msg := m.newMessage(models.MessageTypeDeviceInfoRequest, deviceID)
	msg.RequestID = reqID

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device info request: %w", err)
	}

	c := m.infoWaiters.add(reqID, deviceID)

	if err := t.Send(ctx, data); err != nil {
		m.infoWaiters.remove(reqID)

		return nil, &ConnError{
			Category: CategoryDisconnection,
			DeviceID: deviceID,
			Message:  "failed to send device info request",
			Err:      err,
		}
	}

	if msg, err := m.reapIfDead(m.infoWaiters, reqID, deviceID, t, c); err != nil {
		return nil, err
	} else if msg != nil {
		return decodeDeviceInfo(msg)
	}

	if timeout <= 0 {
		timeout = defaultDeviceInfoTimeout
	}

	res, err := m.awaitCompletion(ctx, m.infoWaiters, reqID, c, timeout)
	if err != nil {
		return nil, err
	}

	return decodeDeviceInfo(res)
}

func decodeDeviceInfo(msg *models.Message) (*models.DeviceInfo, error) {
	if len(msg.Result) == 0 {
		return nil, nil
	}

	var info models.DeviceInfo
	if err := json.Unmarshal(msg.Result, &info); err != nil {
		return nil, fmt.Errorf("failed to decode device info: %w", err)
	}

	return &info, nil
}

// reapIfDead closes the gap between registering a correlation entry and the
// disconnect sweep: cleanup tears the transport down before cancelling the
// tables, so an entry added while the old transport was still installed is
// guaranteed to be swept, and an entry added after the teardown is reaped
// here instead of waiting out its nominal timeout. Returns (nil, nil) when
// the connection is still live; a non-nil message is a result that raced in
// before the reap.
func (m *Manager) reapIfDead(
	table *correlationTable,
	id, deviceID string,
	t Transport,
	c *completion) (*models.Message, error) {
	if cur, ok := m.transportFor(deviceID); ok && cur == t && t.IsConnected() {
		return nil, nil
	}

	if table.takeOnTimeout(id) {
		res := <-c.ch
		if res.err != nil {
			return nil, res.err
		}

		return res.msg, nil
	}

	return nil, &ConnError{
		Category: CategoryDisconnection,
		DeviceID: deviceID,
		Message:  "device disconnected during send",
	}
}

// awaitCompletion blocks on a completion handle with a deadline. On expiry
// it removes its own table entry; a resolution that raced in just before
// expiry still wins.
func (m *Manager) awaitCompletion(
	ctx context.Context,
	table *correlationTable,
	id string,
	c *completion,
	timeout time.Duration) (*models.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-c.ch:
		table.remove(id)

		if res.err != nil {
			return nil, res.err
		}

		return res.msg, nil

	case <-timer.C:
		if table.takeOnTimeout(id) {
			// The response landed between expiry and removal.
			res := <-c.ch
			if res.err != nil {
				return nil, res.err
			}

			return res.msg, nil
		}

		return nil, &ConnError{
			Category: CategoryTimeout,
			DeviceID: c.deviceID,
			Message:  fmt.Sprintf("request %s timed out after %s", id, timeout),
		}

	case <-ctx.Done():
		if table.takeOnTimeout(id) {
			res := <-c.ch
			if res.err != nil {
				return nil, res.err
			}

			return res.msg, nil
		}

		return nil, ctx.Err()
	}
}

// resultFromMessage converts a TASK_END or ERROR envelope into an
// ExecutionResult.
func resultFromMessage(taskID, deviceID string, msg *models.Message) *models.ExecutionResult {
	failed := msg.Type == models.MessageTypeError ||
		msg.Status == models.MessageStatusError ||
		msg.Status == models.MessageStatusFailed

	if failed {
		errMsg := msg.Error
		if errMsg == "" {
			errMsg = "task failed"
		}

		return models.NewFailureResult(taskID, deviceID, errMsg, models.ErrorCategoryExecution)
	}

	return &models.ExecutionResult{
		TaskID:  taskID,
		Success: true,
		Result:  string(msg.Result),
		Metadata: map[string]interface{}{
			"device_id": deviceID,
		},
	}
}

// newTaskID generates a device-unique task id.
func newTaskID() string {
	return uuid.NewString()
}
