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

//go:generate mockgen -source=interfaces.go -destination=mock_interfaces.go -package=constellation

package constellation

import (
	"context"
	"time"
)

// Transport is one bidirectional byte-stream connection to a device.
// Implementations must support a single concurrent Receive caller and
// concurrent Send callers, and must unblock a pending Receive on Close.
type Transport interface {
	Connect(ctx context.Context, url string) error
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	IsConnected() bool
	Close() error
}

// DisconnectNotifier receives transport-level disconnect events observed
// by the message router. The reconnection supervisor implements it; the
// router depends only on this interface.
type DisconnectNotifier interface {
	DeviceDisconnected(deviceID string)
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker for testing.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}
