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

	"github.com/orbitalworks/constellation/pkg/models"
)

// DeviceDisconnected implements DisconnectNotifier. Invoked by the message
// router when a device's transport fails; runs the recovery path in its
// own goroutine so the router can exit immediately.
func (m *Manager) DeviceDisconnected(deviceID string) {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		m.superviseReconnect(deviceID)
	}()
}

// superviseReconnect is the recovery path for a detected disconnect:
// unblock every waiter, stop the heartbeat, then retry the connection a
// bounded number of times. Exhaustion is terminal (FAILED) until an
// explicit reconnect.
func (m *Manager) superviseReconnect(deviceID string) {
	m.logger.Warn().Str("device_id", deviceID).Msg("Device disconnected, starting recovery")

	m.cleanupDisconnected(deviceID)
	m.registry.UpdateStatus(deviceID, models.DeviceStatusDisconnected)

	maxRetries := m.config.MaxRetries

	if rec, ok := m.registry.Get(deviceID); ok && rec.MaxRetries > 0 {
		maxRetries = rec.MaxRetries
	}

	ticker := m.clock.Ticker(m.config.ReconnectDelay.Duration())
	defer ticker.Stop()

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-m.done:
			return
		case <-ticker.Chan():
		}

		m.logger.Info().
			Str("device_id", deviceID).
			Int("attempt", attempt).
			Int("max_retries", maxRetries).
			Msg("Reconnection attempt")

		if err := m.connectDevice(context.Background(), deviceID, true); err != nil {
			m.logger.Warn().
				Err(err).
				Str("device_id", deviceID).
				Int("attempt", attempt).
				Msg("Reconnection attempt failed")

			continue
		}

		m.logger.Info().Str("device_id", deviceID).Msg("Device reconnected")

		return
	}

	m.logger.Error().
		Str("device_id", deviceID).
		Int("attempts", maxRetries).
		Msg("Reconnection attempts exhausted")

	m.registry.UpdateStatus(deviceID, models.DeviceStatusFailed)
}

// cleanupDisconnected releases everything tied to the device's dead
// connection: the router context, the transport, pending correlations on
// both tables, queued tasks, the heartbeat sender, and the registration
// signal. Every waiter observes the failure immediately instead of sitting
// out its own timeout.
//
// The transport comes down before the tables are swept. Senders register
// their correlation entry first and then verify the transport is still
// installed, so an entry this sweep misses is one whose sender already saw
// the dead transport and reaped it itself.
func (m *Manager) cleanupDisconnected(deviceID string) {
	m.mu.Lock()

	if cancel, ok := m.routerCancels[deviceID]; ok {
		delete(m.routerCancels, deviceID)
		cancel()
	}

	t, ok := m.transports[deviceID]
	delete(m.transports, deviceID)

	m.mu.Unlock()

	if ok {
		_ = t.Close()
	}

	disconnectErr := &ConnError{
		Category: CategoryDisconnection,
		DeviceID: deviceID,
		Message:  "device disconnected while waiting for response",
	}

	cancelled := m.taskWaiters.cancelForDevice(deviceID, disconnectErr)
	cancelled += m.infoWaiters.cancelForDevice(deviceID, disconnectErr)

	if cancelled > 0 {
		m.logger.Info().
			Str("device_id", deviceID).
			Int("cancelled", cancelled).
			Msg("Pending requests cancelled on disconnect")
	}

	m.flushQueue(deviceID, "device disconnected before task could run")
	m.stopHeartbeat(deviceID)
	m.dropRegistration(deviceID)
}
