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
	"sync"

	"github.com/orbitalworks/constellation/pkg/logger"
	"github.com/orbitalworks/constellation/pkg/models"
)

// completionResult is what a waiter receives: the response envelope on
// success, or a structured error on cancellation.
type completionResult struct {
	msg *models.Message
	err error
}

// completion is a single-resolution handle connecting the message router
// (producer) to one waiting caller (consumer). The buffered channel means
// resolution never blocks the router, even when the waiter already gave up.
type completion struct {
	deviceID string
	ch       chan completionResult // buffered 1
	resolved bool                  // guarded by the owning table's mutex
}

// correlationTable maps correlation id to completion handle. Resolution
// marks the entry resolved but leaves it in place; the waiter removes it
// after consuming the result, which lets a racing second resolution be
// identified as a duplicate rather than an unknown id.
type correlationTable struct {
	mu      sync.Mutex
	name    string
	entries map[string]*completion
	logger  logger.Logger
}

func newCorrelationTable(name string, log logger.Logger) *correlationTable {
	return &correlationTable{
		name:    name,
		entries: make(map[string]*completion),
		logger:  log,
	}
}

// add registers a new pending entry for the given correlation id.
func (t *correlationTable) add(id, deviceID string) *completion {
	c := &completion{
		deviceID: deviceID,
		ch:       make(chan completionResult, 1),
	}

	t.mu.Lock()
	t.entries[id] = c
	t.mu.Unlock()

	return c
}

// remove drops the entry. Called by the waiter once it has its result, or
// on send failure before any wait began. Idempotent.
func (t *correlationTable) remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// resolve delivers a result to the waiter. An unknown id (the waiter may
// already have timed out and removed its entry) and a duplicate resolution
// are both recoverable races: logged, never escalated.
func (t *correlationTable) resolve(id string, res completionResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.entries[id]
	if !ok {
		t.logger.Warn().
			Str("table", t.name).
			Str("correlation_id", id).
			Msg("Response received with no registered waiter")

		return
	}

	if c.resolved {
		t.logger.Warn().
			Str("table", t.name).
			Str("correlation_id", id).
			Msg("Duplicate completion ignored")

		return
	}

	c.resolved = true
	c.ch <- res
}

// takeOnTimeout is the waiter's expiry path. It removes the entry and
// reports whether a resolution raced in just before expiry; if so the
// waiter must consume the buffered result instead of reporting a timeout.
func (t *correlationTable) takeOnTimeout(id string) (resolved bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.entries[id]
	if !ok {
		return false
	}

	delete(t.entries, id)

	return c.resolved
}

// cancelForDevice resolves every unresolved entry belonging to the device
// with the given error and removes it. Returns how many waiters were
// cancelled. Called on every disconnect, manual or detected.
func (t *correlationTable) cancelForDevice(deviceID string, err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cancelled := 0

	for id, c := range t.entries {
		if c.deviceID != deviceID {
			continue
		}

		if !c.resolved {
			c.resolved = true
			c.ch <- completionResult{err: err}
			cancelled++
		}

		delete(t.entries, id)
	}

	return cancelled
}

// pendingFor reports the number of outstanding entries for a device.
func (t *correlationTable) pendingFor(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0

	for _, c := range t.entries {
		if c.deviceID == deviceID && !c.resolved {
			n++
		}
	}

	return n
}
