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

	"github.com/orbitalworks/constellation/pkg/models"
)

// runRouter is the per-device receive loop. It decodes frames and
// dispatches them by type until the transport fails or ctx is cancelled.
// A non-cancellation exit reports the disconnect to the notifier; an
// intentional stop (manual disconnect cancels ctx before closing the
// transport) does not, so cleanup runs exactly once.
func (m *Manager) runRouter(ctx context.Context, deviceID string, t Transport) {
	defer m.wg.Done()

	for {
		data, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				m.logger.Debug().
					Str("device_id", deviceID).
					Msg("Receive loop stopped")

				return
			}

			m.logger.Warn().
				Err(err).
				Str("device_id", deviceID).
				Msg("Device connection lost")

			m.notifier.DeviceDisconnected(deviceID)

			return
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn().
				Err(err).
				Str("device_id", deviceID).
				Int("frame_bytes", len(data)).
				Msg("Malformed frame discarded")

			continue
		}

		m.dispatchMessage(deviceID, &msg)
	}
}

// dispatchMessage routes one decoded envelope. Unrecognized types are
// logged and ignored so newer servers can speak to older controllers.
func (m *Manager) dispatchMessage(deviceID string, msg *models.Message) {
	switch msg.Type {
	case models.MessageTypeTaskEnd:
		m.taskWaiters.resolve(msg.CorrelationID(), completionResult{msg: msg})

	case models.MessageTypeError:
		m.handleErrorMessage(deviceID, msg)

	case models.MessageTypeHeartbeat:
		if msg.Status == models.MessageStatusOK {
			// First OK heartbeat doubles as the registration ack.
			m.ackRegistration(deviceID)
		}

		m.handleHeartbeatResponse(deviceID)

	case models.MessageTypeCommand:
		// Constellation mode does not execute commands locally.
		m.logger.Debug().
			Str("device_id", deviceID).
			Str("session_id", msg.SessionID).
			Msg("Command message acknowledged")

	case models.MessageTypeDeviceInfoResponse:
		m.infoWaiters.resolve(msg.CorrelationID(), completionResult{msg: msg})

	default:
		m.logger.Debug().
			Str("device_id", deviceID).
			Str("type", string(msg.Type)).
			Msg("Unrecognized message type ignored")
	}
}

// handleErrorMessage distinguishes a registration rejection from an error
// belonging to an in-flight task. Errors with no pending waiter are logged
// rather than dropped silently.
func (m *Manager) handleErrorMessage(deviceID string, msg *models.Message) {
	if m.failRegistration(deviceID, msg.Error) {
		return
	}

	id := msg.CorrelationID()
	if id != "" {
		m.taskWaiters.resolve(id, completionResult{msg: msg})
		return
	}

	m.logger.Error().
		Str("device_id", deviceID).
		Str("error", msg.Error).
		Msg("Device reported an error with no correlation id")
}
