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

// Package constellation implements the control-plane coordinating a fleet
// of remote worker devices over WebSocket: connection lifecycle,
// registration, heartbeats, request/response correlation, per-device FIFO
// task dispatch, and bounded automatic reconnection.
package constellation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orbitalworks/constellation/pkg/logger"
	"github.com/orbitalworks/constellation/pkg/models"
	"github.com/orbitalworks/constellation/pkg/registry"
	"github.com/orbitalworks/constellation/pkg/transport"
)

// New creates a constellation manager. The manager itself acts as the
// reconnection supervisor behind the router's DisconnectNotifier.
func New(config *Config, reg *registry.Registry, log logger.Logger) *Manager {
	m := &Manager{
		config:        *config,
		registry:      reg,
		logger:        log,
		clock:         realClock{},
		transports:    make(map[string]Transport),
		routerCancels: make(map[string]context.CancelFunc),
		hbCancels:     make(map[string]context.CancelFunc),
		registrations: make(map[string]*registrationSignal),
		queues:        make(map[string]*deviceQueue),
		done:          make(chan struct{}),
	}

	m.taskWaiters = newCorrelationTable("tasks", log)
	m.infoWaiters = newCorrelationTable("device_info", log)

	m.NewTransport = func() Transport {
		return transport.NewWebSocket(log)
	}

	m.notifier = m

	return m
}

// Start implements the lifecycle.Service interface: registers configured
// devices, connects them concurrently, then blocks until shutdown.
// Individual connect failures are logged, not fatal; the device stays
// registered and can be connected later.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info().
		Str("constellation_id", m.config.ConstellationID).
		Int("devices", len(m.config.Devices)).
		Msg("Starting constellation manager")

	var wg sync.WaitGroup

	for deviceID := range m.config.Devices {
		cfg := m.config.Devices[deviceID]
		m.RegisterDevice(deviceID, &cfg)

		wg.Add(1)

		go func(id string) {
			defer wg.Done()

			if err := m.ConnectDevice(ctx, id); err != nil {
				m.logger.Error().Err(err).Str("device_id", id).Msg("Initial connect failed")
			}
		}(deviceID)
	}

	wg.Wait()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return nil
	}
}

// Stop implements the lifecycle.Service interface.
func (m *Manager) Stop(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.done)
	})

	for _, rec := range m.registry.List(true) {
		if err := m.DisconnectDevice(rec.DeviceID); err != nil {
			m.logger.Warn().Err(err).Str("device_id", rec.DeviceID).Msg("Error disconnecting device")
		}
	}

	waitCh := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-ctx.Done():
		return fmt.Errorf("shutdown incomplete: %w", ctx.Err())
	}

	m.logger.Info().Msg("Constellation manager stopped")

	return nil
}

// RegisterDevice creates the registry record for a device. It does not
// connect; pair with ConnectDevice.
func (m *Manager) RegisterDevice(deviceID string, cfg *DeviceConfig) {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.config.MaxRetries
	}

	m.registry.Register(&models.Device{
		DeviceID:     deviceID,
		ServerURL:    cfg.ServerURL,
		Capabilities: cfg.Capabilities,
		Status:       models.DeviceStatusDisconnected,
		MaxRetries:   maxRetries,
	})
}

// RemoveDevice disconnects (if needed) and deletes the registry record.
// Not part of the steady-state protocol.
func (m *Manager) RemoveDevice(deviceID string) {
	if _, ok := m.transportFor(deviceID); ok {
		_ = m.DisconnectDevice(deviceID)
	}

	m.registry.Remove(deviceID)
}

// GetDevice returns a copy of the registry record.
func (m *Manager) GetDevice(deviceID string) (*models.Device, bool) {
	return m.registry.Get(deviceID)
}

// ListDevices returns registry records, optionally connected-only.
func (m *Manager) ListDevices(connectedOnly bool) []*models.Device {
	return m.registry.List(connectedOnly)
}

// ConnectDevice opens a fresh connection to a registered device. Fresh
// connects count against the device's retry budget regardless of outcome.
func (m *Manager) ConnectDevice(ctx context.Context, deviceID string) error {
	return m.connectDevice(ctx, deviceID, false)
}

// connectDevice runs the full connection sequence: transport dial,
// receive loop, registration handshake, best-effort device info, then
// heartbeat. The receive loop starts before REGISTER is sent so the
// asynchronous ack cannot be dropped.
func (m *Manager) connectDevice(ctx context.Context, deviceID string, isReconnection bool) error {
	if m.stopped() {
		return ErrManagerStopped
	}

	rec, ok := m.registry.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotRegistered, deviceID)
	}

	attempts := rec.ConnectionAttempts
	if !isReconnection {
		attempts = m.registry.IncrementConnectionAttempts(deviceID)
	}

	m.registry.UpdateStatus(deviceID, models.DeviceStatusConnecting)

	t := m.NewTransport()

	if err := t.Connect(ctx, rec.ServerURL); err != nil {
		m.markConnectFailed(deviceID, isReconnection, attempts, rec.MaxRetries)

		return &ConnError{
			Category: CategoryConnectionFailed,
			DeviceID: deviceID,
			Message:  fmt.Sprintf("failed to connect to %s", rec.ServerURL),
			Err:      err,
		}
	}

	routerCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()

	if old, ok := m.transports[deviceID]; ok {
		_ = old.Close()
	}

	m.transports[deviceID] = t

	if oldCancel, ok := m.routerCancels[deviceID]; ok {
		oldCancel()
	}

	m.routerCancels[deviceID] = cancel
	m.mu.Unlock()

	m.registry.UpdateStatus(deviceID, models.DeviceStatusRegistering)

	ackCh := m.armRegistration(deviceID)

	m.wg.Add(1)

	go m.runRouter(routerCtx, deviceID, t)

	if err := m.sendRegister(ctx, deviceID, t); err != nil {
		m.abortConnect(deviceID, isReconnection, attempts, rec.MaxRetries)
		return err
	}

	select {
	case acked := <-ackCh:
		if !acked {
			m.abortConnect(deviceID, isReconnection, attempts, rec.MaxRetries)

			return &ConnError{
				Category: CategoryRegistrationFailed,
				DeviceID: deviceID,
				Message:  "device rejected registration",
			}
		}

	case <-time.After(m.config.RegistrationTimeout.Duration()):
		m.abortConnect(deviceID, isReconnection, attempts, rec.MaxRetries)

		return &ConnError{
			Category: CategoryRegistrationFailed,
			DeviceID: deviceID,
			Message:  fmt.Sprintf("no registration ack within %s", m.config.RegistrationTimeout.Duration()),
		}

	case <-ctx.Done():
		m.abortConnect(deviceID, isReconnection, attempts, rec.MaxRetries)
		return ctx.Err()
	}

	m.registry.UpdateStatus(deviceID, models.DeviceStatusConnected)

	// Device info is best effort: absence of info is not a failure.
	info, err := m.RequestDeviceInfo(ctx, deviceID, defaultDeviceInfoTimeout)
	if err != nil {
		m.logger.Debug().Err(err).Str("device_id", deviceID).Msg("Device info unavailable")
	} else if info != nil {
		m.registry.MergeDeviceInfo(deviceID, info)
	}

	m.startHeartbeat(deviceID, t)

	m.registry.ResetConnectionAttempts(deviceID)
	m.registry.UpdateStatus(deviceID, models.DeviceStatusIdle)

	m.logger.Info().
		Str("device_id", deviceID).
		Str("server_url", rec.ServerURL).
		Bool("reconnection", isReconnection).
		Msg("Device connected")

	return nil
}

// DisconnectDevice is the user-initiated teardown. It shares the cleanup
// path with detected disconnects but never retries, and it cancels the
// router context first so the disconnection callback does not fire on top
// of the manual teardown.
func (m *Manager) DisconnectDevice(deviceID string) error {
	if _, ok := m.registry.Get(deviceID); !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotRegistered, deviceID)
	}

	m.logger.Info().Str("device_id", deviceID).Msg("Disconnecting device")

	m.cleanupDisconnected(deviceID)
	m.registry.UpdateStatus(deviceID, models.DeviceStatusDisconnected)

	return nil
}

// abortConnect tears down a half-open connection attempt.
func (m *Manager) abortConnect(deviceID string, isReconnection bool, attempts, maxRetries int) {
	m.dropRegistration(deviceID)

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

	m.markConnectFailed(deviceID, isReconnection, attempts, maxRetries)
}

// markConnectFailed records the status after a failed connect attempt.
// A fresh connect that used up the retry budget leaves the device FAILED;
// reconnection bookkeeping is the supervisor's job.
func (m *Manager) markConnectFailed(deviceID string, isReconnection bool, attempts, maxRetries int) {
	if maxRetries <= 0 {
		maxRetries = m.config.MaxRetries
	}

	if !isReconnection && attempts >= maxRetries {
		m.registry.UpdateStatus(deviceID, models.DeviceStatusFailed)
		return
	}

	m.registry.UpdateStatus(deviceID, models.DeviceStatusDisconnected)
}

// stopped reports whether Stop has begun.
func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// transportFor returns the device's live transport, if any.
func (m *Manager) transportFor(deviceID string) (Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transports[deviceID]

	return t, ok
}
