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
	"fmt"

	"github.com/orbitalworks/constellation/pkg/models"
	"github.com/shirou/gopsutil/v3/host"
)

// clientID is the wire identity for this controller's connection to one
// device: "{constellation_id}@{device_id}".
func (m *Manager) clientID(deviceID string) string {
	return fmt.Sprintf("%s@%s", m.config.ConstellationID, deviceID)
}

// newMessage builds an outbound envelope addressed to deviceID.
func (m *Manager) newMessage(typ models.MessageType, deviceID string) *models.Message {
	return &models.Message{
		Type:       typ,
		ClientID:   m.clientID(deviceID),
		ClientType: models.ClientTypeConstellation,
		TargetID:   deviceID,
		Timestamp:  m.clock.Now().UTC(),
	}
}

// sendRegister advertises this controller to the device. The caller must
// have started the receive loop already: the server's ack is routed back
// asynchronously and would otherwise be lost.
func (m *Manager) sendRegister(ctx context.Context, deviceID string, t Transport) error {
	rec, ok := m.registry.Get(deviceID)
	if !ok {
		return ErrDeviceNotRegistered
	}

	msg := m.newMessage(models.MessageTypeRegister, deviceID)
	msg.Metadata = map[string]interface{}{
		"capabilities": rec.Capabilities,
	}

	for k, v := range hostMetadata() {
		msg.Metadata[k] = v
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode register message: %w", err)
	}

	if err := t.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send register message: %w", err)
	}

	m.logger.Debug().
		Str("device_id", deviceID).
		Str("client_id", msg.ClientID).
		Msg("Registration sent")

	return nil
}

// hostMetadata describes the controller host in the REGISTER advertisement.
// Best effort: an error just means an empty map.
func hostMetadata() map[string]interface{} {
	info, err := host.Info()
	if err != nil {
		return nil
	}

	return map[string]interface{}{
		"controller_hostname": info.Hostname,
		"controller_os":       info.OS,
		"controller_platform": info.Platform,
	}
}

// armRegistration installs a fresh one-shot ack signal for the device,
// replacing any stale one from a previous connection.
func (m *Manager) armRegistration(deviceID string) chan bool {
	sig := &registrationSignal{ch: make(chan bool, 1)}

	m.mu.Lock()
	m.registrations[deviceID] = sig
	m.mu.Unlock()

	return sig.ch
}

// ackRegistration resolves the registration signal positively. Only the
// first ack counts; later heartbeats are routine.
func (m *Manager) ackRegistration(deviceID string) {
	m.mu.Lock()
	sig, ok := m.registrations[deviceID]
	if !ok || sig.acked {
		m.mu.Unlock()
		return
	}

	sig.acked = true
	m.mu.Unlock()

	sig.ch <- true

	m.logger.Info().Str("device_id", deviceID).Msg("Device registration acknowledged")
}

// failRegistration resolves the registration signal negatively. Returns
// false when no registration is pending, in which case the error belongs
// to some later phase and the router handles it differently.
func (m *Manager) failRegistration(deviceID, reason string) bool {
	m.mu.Lock()
	sig, ok := m.registrations[deviceID]
	if !ok || sig.acked {
		m.mu.Unlock()
		return false
	}

	sig.acked = true
	m.mu.Unlock()

	sig.ch <- false

	m.logger.Warn().
		Str("device_id", deviceID).
		Str("reason", reason).
		Msg("Device registration rejected")

	return true
}

// dropRegistration discards the signal bookkeeping on disconnect.
func (m *Manager) dropRegistration(deviceID string) {
	m.mu.Lock()
	delete(m.registrations, deviceID)
	m.mu.Unlock()
}
