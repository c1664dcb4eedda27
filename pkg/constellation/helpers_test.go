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
	"sync"
	"testing"
	"time"

	"github.com/orbitalworks/constellation/pkg/logger"
	"github.com/orbitalworks/constellation/pkg/models"
	"github.com/orbitalworks/constellation/pkg/registry"
	"github.com/orbitalworks/constellation/pkg/transport"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scriptable in-memory Transport. Inbound frames are
// delivered over a channel; Close (or dropConnection) unblocks Receive
// with ErrConnectionClosed, mirroring the WebSocket implementation.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	sendErr    error
	sent       [][]byte
	onSend     func(msg *models.Message)

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Connect(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connectErr != nil {
		return f.connectErr
	}

	f.connected = true

	return nil
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()

	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()

		return err
	}

	f.sent = append(f.sent, data)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err == nil {
			onSend(&msg)
		}
	}

	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, transport.ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	f.closeOnce.Do(func() { close(f.closed) })

	return nil
}

// dropConnection simulates the remote side going away.
func (f *fakeTransport) dropConnection() {
	_ = f.Close()
}

// deliver injects an inbound frame. Safe to call from any goroutine.
func (f *fakeTransport) deliver(msg *models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}

	f.inbound <- data
}

// setSendErr makes every subsequent Send fail (or succeed again with nil).
func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// setOnSend installs the send hook after construction.
func (f *fakeTransport) setOnSend(fn func(msg *models.Message)) {
	f.mu.Lock()
	f.onSend = fn
	f.mu.Unlock()
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sent)
}

// respondAck answers a REGISTER with the implicit heartbeat ack and a
// DEVICE_INFO_REQUEST with an empty info payload, which is enough to get
// a device through the connect sequence.
func (f *fakeTransport) respondAck() func(msg *models.Message) {
	return func(msg *models.Message) {
		switch msg.Type {
		case models.MessageTypeRegister:
			f.deliver(&models.Message{
				Type:   models.MessageTypeHeartbeat,
				Status: models.MessageStatusOK,
			})
		case models.MessageTypeDeviceInfoRequest:
			f.deliver(&models.Message{
				Type:       models.MessageTypeDeviceInfoResponse,
				ResponseID: msg.RequestID,
				Result:     json.RawMessage(`{}`),
			})
		}
	}
}

// fakeClock drives tickers by hand.
type fakeClock struct {
	tick chan time.Time
}

func newFakeClock() *fakeClock {
	// Buffered so tests can tick without a receiver on the other side.
	return &fakeClock{tick: make(chan time.Time, 8)}
}

func (f *fakeClock) Now() time.Time {
	return time.Now()
}

func (f *fakeClock) Ticker(time.Duration) Ticker {
	return &fakeTicker{c: f.tick}
}

type fakeTicker struct {
	c chan time.Time
}

func (t *fakeTicker) Chan() <-chan time.Time { return t.c }
func (*fakeTicker) Stop()                    {}

func testConfig() *Config {
	cfg := &Config{
		ConstellationID:     "const-1",
		HeartbeatInterval:   models.Duration(50 * time.Millisecond),
		ReconnectDelay:      models.Duration(20 * time.Millisecond),
		RegistrationTimeout: models.Duration(500 * time.Millisecond),
		DefaultTaskTimeout:  models.Duration(2 * time.Second),
		MaxRetries:          3,
	}

	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	return cfg
}

// newTestManager wires a manager to a single fake transport shared by all
// devices in the test.
func newTestManager(ft *fakeTransport) (*Manager, *registry.Registry) {
	return newTestManagerWithConfig(ft, testConfig())
}

func newTestManagerWithConfig(ft *fakeTransport, cfg *Config) (*Manager, *registry.Registry) {
	log := logger.NewTestLogger()
	reg := registry.New(log)

	m := New(cfg, reg, log)
	m.NewTransport = func() Transport { return ft }

	return m, reg
}

// connectTestDevice registers and connects a device through the full
// handshake against the fake transport. Installs the default ack responder
// unless the test already scripted its own send hook.
func connectTestDevice(t *testing.T, m *Manager, ft *fakeTransport, deviceID string) {
	t.Helper()

	ft.mu.Lock()
	scripted := ft.onSend != nil
	ft.mu.Unlock()

	if !scripted {
		ft.setOnSend(ft.respondAck())
	}

	m.RegisterDevice(deviceID, &DeviceConfig{ServerURL: "ws://test/" + deviceID})
	require.NoError(t, m.ConnectDevice(context.Background(), deviceID))

	rec, ok := m.GetDevice(deviceID)
	require.True(t, ok)
	require.Equal(t, models.DeviceStatusIdle, rec.Status)
}
