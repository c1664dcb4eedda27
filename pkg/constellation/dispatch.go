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
	"errors"
	"fmt"

	"github.com/orbitalworks/constellation/pkg/models"
)

// AssignTask dispatches a task to a device with strict per-device
// serialization: at most one task in flight, everything else queued FIFO.
// Precondition failures return an error before any network I/O; in-flight
// failures come back as a failed ExecutionResult so a broken task never
// stops the queue from draining.
func (m *Manager) AssignTask(ctx context.Context, deviceID string, task *models.TaskRequest) (*models.ExecutionResult, error) {
	if m.stopped() {
		return nil, ErrManagerStopped
	}

	rec, ok := m.registry.Get(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotRegistered, deviceID)
	}

	t, connected := m.transportFor(deviceID)
	if !connected || !t.IsConnected() || !rec.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}

	if task.TaskID == "" {
		task.TaskID = newTaskID()
	}

	if task.DeviceID == "" {
		task.DeviceID = deviceID
	}

	if task.CreatedAt.IsZero() {
		task.CreatedAt = m.clock.Now()
	}

	if task.Timeout <= 0 {
		task.Timeout = m.config.DefaultTaskTimeout
	}

	dq := m.queueFor(deviceID)

	dq.mu.Lock()

	if m.registry.IsBusy(deviceID) {
		qt := &queuedTask{
			task:   task,
			handle: make(chan *models.ExecutionResult, 1),
		}

		dq.items = append(dq.items, qt)
		queued := len(dq.items)
		dq.mu.Unlock()

		m.logger.Debug().
			Str("device_id", deviceID).
			Str("task_id", task.TaskID).
			Int("queue_size", queued).
			Msg("Device busy, task queued")

		select {
		case res := <-qt.handle:
			return res, nil
		case <-ctx.Done():
			// The entry stays queued; its eventual result lands in the
			// buffered handle with nobody waiting.
			return nil, ctx.Err()
		}
	}

	m.registry.SetBusy(deviceID, task.TaskID)
	dq.mu.Unlock()

	res := m.executeTask(ctx, deviceID, task)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		m.drainQueue(deviceID, dq)
	}()

	return res, nil
}

// executeTask runs one task through SendTask and folds every failure mode
// into a structured ExecutionResult.
func (m *Manager) executeTask(ctx context.Context, deviceID string, task *models.TaskRequest) *models.ExecutionResult {
	res, err := m.SendTask(ctx, deviceID, task)
	if err == nil {
		return res
	}

	category := models.ErrorCategoryExecution

	var connErr *ConnError
	if errors.As(err, &connErr) {
		switch connErr.Category {
		case CategoryDisconnection:
			category = models.ErrorCategoryDisconnection
		case CategoryTimeout:
			category = models.ErrorCategoryTimeout
		}
	}

	m.logger.Warn().
		Err(err).
		Str("device_id", deviceID).
		Str("task_id", task.TaskID).
		Str("error_type", category).
		Msg("Task execution failed")

	return models.NewFailureResult(task.TaskID, deviceID, err.Error(), category)
}

// drainQueue runs queued tasks one at a time until the queue is empty.
// The IDLE transition and the emptiness check are atomic under the queue
// mutex, so a concurrent AssignTask either sees BUSY and queues, or sees
// IDLE only after the drain has finished.
func (m *Manager) drainQueue(deviceID string, dq *deviceQueue) {
	for {
		dq.mu.Lock()

		if t, ok := m.transportFor(deviceID); !ok || !t.IsConnected() {
			// The disconnect path owns the remaining queue entries.
			dq.mu.Unlock()
			return
		}

		m.registry.SetIdle(deviceID)

		if len(dq.items) == 0 {
			dq.mu.Unlock()
			return
		}

		next := dq.items[0]
		dq.items = dq.items[1:]
		m.registry.SetBusy(deviceID, next.task.TaskID)
		dq.mu.Unlock()

		m.logger.Debug().
			Str("device_id", deviceID).
			Str("task_id", next.task.TaskID).
			Msg("Dequeued next task")

		res := m.executeTask(context.Background(), deviceID, next.task)
		next.handle <- res
	}
}

// flushQueue fails every queued task for a device. Called on disconnect so
// queued callers never sit out their nominal timeouts.
func (m *Manager) flushQueue(deviceID, message string) {
	m.mu.Lock()
	dq, ok := m.queues[deviceID]
	m.mu.Unlock()

	if !ok {
		return
	}

	dq.mu.Lock()
	items := dq.items
	dq.items = nil
	dq.mu.Unlock()

	for _, qt := range items {
		qt.handle <- models.NewFailureResult(
			qt.task.TaskID, deviceID, message, models.ErrorCategoryDisconnection)
	}

	if len(items) > 0 {
		m.logger.Info().
			Str("device_id", deviceID).
			Int("flushed", len(items)).
			Msg("Queued tasks failed on disconnect")
	}
}

// queueFor returns the device's queue, creating it on first use.
func (m *Manager) queueFor(deviceID string) *deviceQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	dq, ok := m.queues[deviceID]
	if !ok {
		dq = &deviceQueue{}
		m.queues[deviceID] = dq
	}

	return dq
}

// QueueSize reports how many tasks are waiting behind the in-flight one.
func (m *Manager) QueueSize(deviceID string) int {
	m.mu.Lock()
	dq, ok := m.queues[deviceID]
	m.mu.Unlock()

	if !ok {
		return 0
	}

	dq.mu.Lock()
	defer dq.mu.Unlock()

	return len(dq.items)
}
