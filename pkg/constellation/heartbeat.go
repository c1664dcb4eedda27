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

	"github.com/orbitalworks/constellation/pkg/models"
)

// startHeartbeat launches the periodic liveness sender for a device,
// replacing any previous one.
func (m *Manager) startHeartbeat(deviceID string, t Transport) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if old, ok := m.hbCancels[deviceID]; ok {
		old()
	}

	m.hbCancels[deviceID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)

	go m.runHeartbeat(ctx, deviceID, t)
}

// runHeartbeat sends a HEARTBEAT every interval while the transport stays
// connected. A send failure just stops the loop: the router's receive path
// observes the same transport failure and owns the disconnect handling.
func (m *Manager) runHeartbeat(ctx context.Context, deviceID string, t Transport) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.config.HeartbeatInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if !t.IsConnected() {
			m.logger.Debug().
				Str("device_id", deviceID).
				Msg("Heartbeat stopped: transport no longer connected")

			return
		}

		msg := m.newMessage(models.MessageTypeHeartbeat, deviceID)
		msg.Status = models.MessageStatusOK

		data, err := json.Marshal(msg)
		if err != nil {
			m.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to encode heartbeat")
			return
		}

		if err := t.Send(ctx, data); err != nil {
			m.logger.Debug().
				Err(err).
				Str("device_id", deviceID).
				Msg("Heartbeat send failed, stopping sender")

			return
		}
	}
}

// stopHeartbeat cancels the device's heartbeat sender. Idempotent.
func (m *Manager) stopHeartbeat(deviceID string) {
	m.mu.Lock()
	cancel, ok := m.hbCancels[deviceID]
	delete(m.hbCancels, deviceID)
	m.mu.Unlock()

	if ok {
		cancel()
	}
}

// handleHeartbeatResponse records a received heartbeat ack.
func (m *Manager) handleHeartbeatResponse(deviceID string) {
	m.registry.UpdateHeartbeat(deviceID)
}
