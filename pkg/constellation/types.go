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
	"fmt"
	"sync"
	"time"

	"github.com/orbitalworks/constellation/pkg/logger"
	"github.com/orbitalworks/constellation/pkg/models"
	"github.com/orbitalworks/constellation/pkg/registry"
)

var errConstellationIDRequired = fmt.Errorf("constellation id is required")

const (
	defaultHeartbeatInterval   = 30 * time.Second
	defaultReconnectDelay      = 5 * time.Second
	defaultRegistrationTimeout = 10 * time.Second
	defaultTaskTimeout         = 5 * time.Minute
	defaultDeviceInfoTimeout   = 10 * time.Second
	defaultMaxRetries          = 3
)

// DeviceConfig is the static per-device configuration.
type DeviceConfig struct {
	ServerURL    string          `json:"server_url"`
	Capabilities []string        `json:"capabilities,omitempty"`
	MaxRetries   int             `json:"max_retries,omitempty"`
	Timeout      models.Duration `json:"timeout,omitempty"`
}

// Config represents constellation manager configuration.
type Config struct {
	ConstellationID     string                  `json:"constellation_id"`
	HeartbeatInterval   models.Duration         `json:"heartbeat_interval,omitempty"`
	ReconnectDelay      models.Duration         `json:"reconnect_delay,omitempty"`
	RegistrationTimeout models.Duration         `json:"registration_timeout,omitempty"`
	DefaultTaskTimeout  models.Duration         `json:"default_task_timeout,omitempty"`
	MaxRetries          int                     `json:"max_retries,omitempty"`
	Devices             map[string]DeviceConfig `json:"devices,omitempty"`
	Logging             *logger.Config          `json:"logging,omitempty"`
}

// Validate implements config.Validator. It also fills defaults in place.
func (c *Config) Validate() error {
	if c.ConstellationID == "" {
		return errConstellationIDRequired
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = models.Duration(defaultHeartbeatInterval)
	}

	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = models.Duration(defaultReconnectDelay)
	}

	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = models.Duration(defaultRegistrationTimeout)
	}

	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = models.Duration(defaultTaskTimeout)
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}

	return nil
}

// queuedTask is one waiting dispatch: the task plus the completion handle
// its caller blocks on.
type queuedTask struct {
	task   *models.TaskRequest
	handle chan *models.ExecutionResult // buffered, resolved exactly once
}

// deviceQueue serializes dispatch to one device. The mutex also guards the
// BUSY/IDLE transition in the registry, so the busy check and the status
// change are atomic with respect to other dispatchers.
type deviceQueue struct {
	mu    sync.Mutex
	items []*queuedTask
}

// registrationSignal is the side-channel resolved by the message router
// when a registration ack (or rejection) arrives. Single resolution.
type registrationSignal struct {
	ch    chan bool // buffered 1
	acked bool
}

// Manager coordinates the device fleet: connection lifecycle, message
// routing, per-device task dispatch, and reconnection. It is the single
// owner of all per-device maps.
type Manager struct {
	config   Config
	registry *registry.Registry
	logger   logger.Logger
	clock    Clock

	// NewTransport is the transport factory, overridable in tests.
	NewTransport func() Transport

	notifier DisconnectNotifier

	mu            sync.Mutex
	transports    map[string]Transport
	routerCancels map[string]context.CancelFunc
	hbCancels     map[string]context.CancelFunc
	registrations map[string]*registrationSignal
	queues        map[string]*deviceQueue

	taskWaiters *correlationTable
	infoWaiters *correlationTable

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}
