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

// Package registry is the authoritative in-memory store of device state.
// It performs no I/O: every operation is a pure map lookup or transition
// under the registry mutex. Lookups on unknown device ids return an
// ok=false result rather than an error.
package registry

import (
	"sync"
	"time"

	"github.com/orbitalworks/constellation/pkg/logger"
	"github.com/orbitalworks/constellation/pkg/models"
)

// Registry maps device id to device state. All mutation goes through its
// methods; Get and List return copies so callers never alias live records.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	logger  logger.Logger
}

func New(log logger.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*models.Device),
		logger:  log,
	}
}

// Register creates or replaces the record for device.DeviceID. A new record
// starts DISCONNECTED with zero connection attempts.
func (r *Registry) Register(device *models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := *device
	if rec.Status == "" {
		rec.Status = models.DeviceStatusDisconnected
	}

	if rec.Metadata == nil {
		rec.Metadata = make(map[string]interface{})
	}

	r.devices[rec.DeviceID] = &rec

	r.logger.Info().
		Str("device_id", rec.DeviceID).
		Str("server_url", rec.ServerURL).
		Msg("Device registered")
}

// Get returns a copy of the record, or ok=false for an unknown device.
func (r *Registry) Get(deviceID string) (*models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}

	cp := *rec

	return &cp, true
}

// List returns copies of all records, or only connected ones when
// connectedOnly is set.
func (r *Registry) List(connectedOnly bool) []*models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Device, 0, len(r.devices))

	for _, rec := range r.devices {
		if connectedOnly && !rec.Connected() {
			continue
		}

		cp := *rec
		out = append(out, &cp)
	}

	return out
}

// Remove deletes the record. Unknown ids are a no-op.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.devices, deviceID)
}

// UpdateStatus sets the lifecycle status.
func (r *Registry) UpdateStatus(deviceID string, status models.DeviceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return
	}

	r.logger.Debug().
		Str("device_id", deviceID).
		Str("from", string(rec.Status)).
		Str("to", string(status)).
		Msg("Device status change")

	rec.Status = status
}

// SetBusy marks the device BUSY with the given task.
func (r *Registry) SetBusy(deviceID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return
	}

	rec.Status = models.DeviceStatusBusy
	rec.CurrentTaskID = taskID
}

// SetIdle clears the current task. The status transitions to IDLE only
// from BUSY so a disconnect observed mid-task is not overwritten.
func (r *Registry) SetIdle(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return
	}

	rec.CurrentTaskID = ""

	if rec.Status == models.DeviceStatusBusy {
		rec.Status = models.DeviceStatusIdle
	}
}

// IsBusy reports whether the device currently has a task in flight.
func (r *Registry) IsBusy(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[deviceID]

	return ok && rec.Status == models.DeviceStatusBusy
}

// CurrentTask returns the in-flight task id, empty when idle or unknown.
func (r *Registry) CurrentTask(deviceID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return ""
	}

	return rec.CurrentTaskID
}

// IncrementConnectionAttempts bumps the fresh-connect counter and returns
// the new count. Reconnection attempts do not go through here.
func (r *Registry) IncrementConnectionAttempts(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return 0
	}

	rec.ConnectionAttempts++

	return rec.ConnectionAttempts
}

// ResetConnectionAttempts zeroes the counter after a successful (re)connect.
func (r *Registry) ResetConnectionAttempts(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.devices[deviceID]; ok {
		rec.ConnectionAttempts = 0
	}
}

// UpdateHeartbeat records a received heartbeat ack.
func (r *Registry) UpdateHeartbeat(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.devices[deviceID]; ok {
		rec.LastHeartbeat = time.Now()
	}
}

// MergeDeviceInfo folds a device-info response into the record: OS is
// overwritten when present, capability lists are unioned (never shrink),
// and the system_info/custom_metadata/tags sub-maps are merged key-wise
// rather than replaced.
func (r *Registry) MergeDeviceInfo(deviceID string, info *models.DeviceInfo) {
	if info == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return
	}

	if info.OS != "" {
		rec.OS = info.OS
	}

	rec.Capabilities = unionStrings(rec.Capabilities, info.Capabilities)
	rec.Capabilities = unionStrings(rec.Capabilities, info.Features)

	if rec.Metadata == nil {
		rec.Metadata = make(map[string]interface{})
	}

	mergeSubMap(rec.Metadata, "system_info", info.SystemInfo)
	mergeSubMap(rec.Metadata, "custom_metadata", info.CustomMetadata)
	mergeSubMap(rec.Metadata, "tags", info.Tags)
}

func unionStrings(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}

	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}

	for _, s := range incoming {
		if _, ok := seen[s]; !ok {
			existing = append(existing, s)
			seen[s] = struct{}{}
		}
	}

	return existing
}

func mergeSubMap(metadata map[string]interface{}, key string, incoming map[string]interface{}) {
	if len(incoming) == 0 {
		return
	}

	sub, ok := metadata[key].(map[string]interface{})
	if !ok {
		sub = make(map[string]interface{}, len(incoming))
		metadata[key] = sub
	}

	for k, v := range incoming {
		sub[k] = v
	}
}
