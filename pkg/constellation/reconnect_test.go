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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitalworks/constellation/pkg/models"
)

func TestReconnectExhaustionMarksFailed(t *testing.T) {
	ft := newFakeTransport()
	m, reg := newTestManager(ft)

	connectTestDevice(t, m, ft, "dev-1")

	var mu sync.Mutex

	dials := 0

	m.NewTransport = func() Transport {
		mu.Lock()
		dials++
		mu.Unlock()

		bad := newFakeTransport()
		bad.connectErr = errors.New("dial refused")

		return bad
	}

	ft.dropConnection()

	require.Eventually(t, func() bool {
		rec, ok := reg.Get("dev-1")
		return ok && rec.Status == models.DeviceStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 3, dials)

	// Terminal, but still registered: an explicit reconnect stays possible.
	_, ok := m.GetDevice("dev-1")
	assert.True(t, ok)
}

func TestReconnectSuccessRestoresDevice(t *testing.T) {
	ft := newFakeTransport()
	m, reg := newTestManager(ft)

	connectTestDevice(t, m, ft, "dev-1")

	m.NewTransport = func() Transport {
		fresh := newFakeTransport()
		fresh.setOnSend(fresh.respondAck())

		return fresh
	}

	ft.dropConnection()

	// The device leaves IDLE while the supervisor runs the recovery path.
	require.Eventually(t, func() bool {
		rec, ok := reg.Get("dev-1")
		return ok && rec.Status != models.DeviceStatusIdle
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, ok := reg.Get("dev-1")
		return ok && rec.Status == models.DeviceStatusIdle
	}, 3*time.Second, 10*time.Millisecond)

	rec, ok := reg.Get("dev-1")
	require.True(t, ok)
	assert.Zero(t, rec.ConnectionAttempts)
}

func TestReconnectAttemptsSpacedByDelay(t *testing.T) {
	ft := newFakeTransport()
	m, reg := newTestManager(ft)

	clk := newFakeClock()
	m.clock = clk

	connectTestDevice(t, m, ft, "dev-1")

	var mu sync.Mutex

	dials := 0

	m.NewTransport = func() Transport {
		mu.Lock()
		dials++
		mu.Unlock()

		bad := newFakeTransport()
		bad.connectErr = errors.New("dial refused")

		return bad
	}

	countDials := func() int {
		mu.Lock()
		defer mu.Unlock()

		return dials
	}

	ft.dropConnection()

	require.Eventually(t, func() bool {
		rec, ok := reg.Get("dev-1")
		return ok && rec.Status == models.DeviceStatusDisconnected
	}, time.Second, 5*time.Millisecond)

	// The heartbeat sender shares the fake tick channel; give its goroutine
	// time to exit after cleanup so the ticks below reach only the
	// reconnect supervisor.
	time.Sleep(50 * time.Millisecond)

	// No dial happens before the first delay elapses.
	assert.Zero(t, countDials())

	for i := 1; i <= 3; i++ {
		clk.tick <- time.Now()

		attempt := i
		require.Eventually(t, func() bool {
			return countDials() == attempt
		}, time.Second, 5*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		rec, ok := reg.Get("dev-1")
		return ok && rec.Status == models.DeviceStatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectUnregisteredDevice(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	err := m.DisconnectDevice("ghost")
	require.ErrorIs(t, err, ErrDeviceNotRegistered)
}
