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

// Package transport wraps a WebSocket connection behind a byte-stream
// interface: connect, send, receive, liveness, close.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orbitalworks/constellation/pkg/logger"
)

var (
	// ErrNotConnected is returned by Send/Receive before a successful Connect
	// or after Close.
	ErrNotConnected = errors.New("transport not connected")

	// ErrConnectionClosed is returned by Receive when the peer closed the
	// connection in an orderly way.
	ErrConnectionClosed = errors.New("connection closed")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// WebSocket is a Transport over a single gorilla/websocket connection.
// One goroutine owns Receive; Send is safe for concurrent use. Receive is
// unblocked by Close, which is how callers cancel a pending read.
type WebSocket struct {
	writeMu sync.Mutex // serializes writes and guards conn swaps
	conn    *websocket.Conn

	connected atomic.Bool
	logger    logger.Logger

	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

// NewWebSocket creates an unconnected WebSocket transport.
func NewWebSocket(log logger.Logger) *WebSocket {
	return &WebSocket{
		logger:           log,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
	}
}

// Connect dials the given ws:// or wss:// URL.
func (w *WebSocket) Connect(ctx context.Context, url string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}

		return fmt.Errorf("failed to dial %s: %w", url, err)
	}

	if resp != nil {
		_ = resp.Body.Close()
	}

	w.writeMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}

	w.conn = conn
	w.writeMu.Unlock()

	w.connected.Store(true)

	w.logger.Debug().Str("url", url).Msg("WebSocket connected")

	return nil
}

// Send writes one text frame. Any write error marks the transport as
// disconnected; the reader sees its own error independently.
func (w *WebSocket) Send(ctx context.Context, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.conn == nil || !w.connected.Load() {
		return ErrNotConnected
	}

	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.connected.Store(false)
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// Receive blocks until one frame arrives. The context is consulted before
// the read; a blocked read is interrupted by Close, not by ctx.
func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.writeMu.Lock()
	conn := w.conn
	w.writeMu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		w.connected.Store(false)

		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, net.ErrClosed) {
			return nil, ErrConnectionClosed
		}

		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	return data, nil
}

// IsConnected reports transport liveness as observed by the last I/O.
func (w *WebSocket) IsConnected() bool {
	return w.connected.Load()
}

// Close tears down the connection, unblocking any pending Receive.
// Safe to call more than once.
func (w *WebSocket) Close() error {
	w.connected.Store(false)

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.conn == nil {
		return nil
	}

	// Best-effort close frame so well-behaved peers see a clean shutdown.
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	err := w.conn.Close()
	w.conn = nil

	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	return nil
}
