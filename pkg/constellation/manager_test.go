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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitalworks/constellation/pkg/models"
)

func TestConnectDeviceHappyPath(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	ft.setOnSend(ft.respondAck())

	m.RegisterDevice("dev-1", &DeviceConfig{
		ServerURL:    "ws://test/dev-1",
		Capabilities: []string{"camera", "gps"},
	})

	require.NoError(t, m.ConnectDevice(context.Background(), "dev-1"))

	rec, ok := m.GetDevice("dev-1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceStatusIdle, rec.Status)
	assert.Zero(t, rec.ConnectionAttempts)
	assert.True(t, rec.Connected())

	// The first frame on the wire is the REGISTER advertisement.
	ft.mu.Lock()
	require.NotEmpty(t, ft.sent)
	first := ft.sent[0]
	ft.mu.Unlock()

	var reg models.Message
	require.NoError(t, json.Unmarshal(first, &reg))

	assert.Equal(t, models.MessageTypeRegister, reg.Type)
	assert.Equal(t, "const-1@dev-1", reg.ClientID)
	assert.Equal(t, models.ClientTypeConstellation, reg.ClientType)
	assert.Equal(t, "dev-1", reg.TargetID)
	assert.Contains(t, reg.Metadata, "capabilities")
	assert.False(t, reg.Timestamp.IsZero())
}

func TestConnectDeviceMergesDeviceInfo(t *testing.T) {
	ft := newFakeTransport()
	m, reg := newTestManager(ft)

	ft.setOnSend(func(msg *models.Message) {
		switch msg.Type {
		case models.MessageTypeRegister:
			ft.deliver(&models.Message{
				Type:   models.MessageTypeHeartbeat,
				Status: models.MessageStatusOK,
			})
		case models.MessageTypeDeviceInfoRequest:
			ft.deliver(&models.Message{
				Type:       models.MessageTypeDeviceInfoResponse,
				ResponseID: msg.RequestID,
				Result: json.RawMessage(
					`{"os":"android","capabilities":["camera","nfc"],"features":["5g"]}`),
			})
		}
	})

	m.RegisterDevice("dev-1", &DeviceConfig{
		ServerURL:    "ws://test/dev-1",
		Capabilities: []string{"camera"},
	})

	require.NoError(t, m.ConnectDevice(context.Background(), "dev-1"))

	rec, ok := reg.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, "android", rec.OS)
	assert.ElementsMatch(t, []string{"camera", "nfc", "5g"}, rec.Capabilities)
}

func TestConnectDeviceNotRegistered(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	err := m.ConnectDevice(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrDeviceNotRegistered)
}

func TestConnectDeviceDialFailureBudget(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	m.NewTransport = func() Transport {
		bad := newFakeTransport()
		bad.connectErr = errors.New("dial refused")

		return bad
	}

	m.RegisterDevice("dev-1", &DeviceConfig{ServerURL: "ws://test/dev-1"})

	for i := 1; i <= 3; i++ {
		err := m.ConnectDevice(context.Background(), "dev-1")
		require.Error(t, err)

		var connErr *ConnError
		require.True(t, errors.As(err, &connErr))
		assert.Equal(t, CategoryConnectionFailed, connErr.Category)

		rec, ok := m.GetDevice("dev-1")
		require.True(t, ok)
		assert.Equal(t, i, rec.ConnectionAttempts)

		if i < 3 {
			assert.Equal(t, models.DeviceStatusDisconnected, rec.Status)
		} else {
			assert.Equal(t, models.DeviceStatusFailed, rec.Status)
		}
	}
}

func TestManagerStartStop(t *testing.T) {
	ft := newFakeTransport()

	cfg := testConfig()
	cfg.Devices = map[string]DeviceConfig{
		"dev-1": {ServerURL: "ws://test/dev-1"},
	}

	m, reg := newTestManagerWithConfig(ft, cfg)
	ft.setOnSend(ft.respondAck())

	startErr := make(chan error, 1)

	go func() {
		startErr <- m.Start(context.Background())
	}()

	require.Eventually(t, func() bool {
		rec, ok := reg.Get("dev-1")
		return ok && rec.Status == models.DeviceStatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Stop(stopCtx))

	select {
	case err := <-startErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	rec, ok := reg.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceStatusDisconnected, rec.Status)

	// A stopped manager refuses new work.
	_, err := m.AssignTask(context.Background(), "dev-1", &models.TaskRequest{Request: "{}"})
	require.ErrorIs(t, err, ErrManagerStopped)

	err = m.ConnectDevice(context.Background(), "dev-1")
	require.ErrorIs(t, err, ErrManagerStopped)
}

func TestRemoveDeviceTearsDownConnection(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	connectTestDevice(t, m, ft, "dev-1")

	m.RemoveDevice("dev-1")

	_, ok := m.GetDevice("dev-1")
	assert.False(t, ok)

	_, ok = m.transportFor("dev-1")
	assert.False(t, ok)

	assert.False(t, ft.IsConnected())
}

func TestListDevices(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	m.RegisterDevice("offline", &DeviceConfig{ServerURL: "ws://test/offline"})
	connectTestDevice(t, m, ft, "online")

	assert.Len(t, m.ListDevices(false), 2)

	connected := m.ListDevices(true)
	require.Len(t, connected, 1)
	assert.Equal(t, "online", connected[0].DeviceID)
}

func TestSendTaskNotConnected(t *testing.T) {
	ft := newFakeTransport()
	m, _ := newTestManager(ft)

	m.RegisterDevice("dev-1", &DeviceConfig{ServerURL: "ws://test/dev-1"})

	_, err := m.SendTask(context.Background(), "dev-1", &models.TaskRequest{
		TaskID:  "t-1",
		Request: "{}",
	})
	require.ErrorIs(t, err, ErrDeviceNotConnected)

	_, err = m.RequestDeviceInfo(context.Background(), "dev-1", time.Second)
	require.ErrorIs(t, err, ErrDeviceNotConnected)
}
