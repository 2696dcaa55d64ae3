// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package liveness tracks device liveness from periodic heartbeats

The status of a device is derived from the time of its last heartbeat: online while the
heartbeat is at most Timeout old, offline afterwards, unknown if the device never sent one.
The derivation happens on every query, so it never depends on the sweep having run.

A periodic sweep emits a device-offline event once for every device that went silent. A
heartbeat of a device that had gone offline emits a device-online event. Both transitions
are also written to the credential registry through a StatusUpdater.
*/
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/iot"
)

const (
	// DefaultTimeout is the heartbeat timeout when the Builder does not set one
	DefaultTimeout = 30 * time.Second
	// maxSweepInterval caps the derived sweep interval
	maxSweepInterval = 10 * time.Second
)

// StatusUpdater receives status updates of devices
type StatusUpdater interface {
	UpdateStatus(deviceID string, status iot.DeviceStatus) bool
}

// Heartbeat is the result of recording a heartbeat
type Heartbeat struct {
	Timestamp time.Time
	Status    iot.DeviceStatus
}

// DeviceStatus is the liveness status of a device. LastSeen is nil for
// devices which never sent a heartbeat.
type DeviceStatus struct {
	Status   iot.DeviceStatus `json:"status"`
	LastSeen *time.Time       `json:"lastSeen"`
}

type record struct {
	lastSeen time.Time
	// emitted is the last state reported to subscribers
	emitted iot.DeviceStatus
}

// Builder is a builder helper for the Monitor
type Builder struct {
	// Timeout after which a silent device is offline. Defaults to DefaultTimeout.
	Timeout time.Duration
	// SweepInterval of Run. Defaults to min(Timeout/2, 10s).
	SweepInterval time.Duration
	// Registry receives the status of devices. This is optional.
	Registry StatusUpdater
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Monitor tracks the liveness of devices. It is safe for concurrent use.
type Monitor struct {
	mu            sync.Mutex
	devices       map[string]*record
	handlers      []Handler
	queue         []Event
	draining      bool
	registry      StatusUpdater
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// New returns a new liveness monitor
func New(b Builder) *Monitor {
	m := &Monitor{
		devices:       make(map[string]*record),
		registry:      b.Registry,
		timeout:       b.Timeout,
		sweepInterval: b.SweepInterval,
		now:           b.Now,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = m.timeout / 2
		if m.sweepInterval > maxSweepInterval {
			m.sweepInterval = maxSweepInterval
		}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Timeout returns the heartbeat timeout
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// SweepInterval returns the interval of Run
func (m *Monitor) SweepInterval() time.Duration {
	return m.sweepInterval
}

// Subscribe adds a handler for liveness events
func (m *Monitor) Subscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// drain delivers the queued events in transition order. Only one goroutine
// delivers at a time, others leave their events in the queue. Must be called
// without m.mu held.
func (m *Monitor) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		e := m.queue[0]
		m.queue = m.queue[1:]
		handlers := m.handlers
		m.mu.Unlock()
		for _, h := range handlers {
			deliver(h, e)
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

// deliver calls h with e. A panicking handler is logged and does not keep
// the other handlers or later events from being delivered.
func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Default().WithField("device_id", e.DeviceID).Errorf("liveness handler panicked on %s: %v", e.Type, r)
		}
	}()
	h(e)
}

// RecordHeartbeat records a heartbeat of the device with the reported status.
// An empty status means online. If the device had gone offline, an online
// event is emitted. The status is always forwarded to the registry.
func (m *Monitor) RecordHeartbeat(deviceID string, status iot.DeviceStatus) Heartbeat {
	if status == iot.StatusUnknown || status == "" {
		status = iot.StatusOnline
	}

	m.mu.Lock()
	now := m.now()
	rec, known := m.devices[deviceID]
	if !known {
		rec = &record{emitted: iot.StatusOnline}
		m.devices[deviceID] = rec
	} else if status == iot.StatusOnline &&
		(now.Sub(rec.lastSeen) > m.timeout || rec.emitted == iot.StatusOffline) {
		m.queue = append(m.queue, Event{Type: EventDeviceOnline, DeviceID: deviceID, At: now, LastSeen: rec.lastSeen})
		rec.emitted = iot.StatusOnline
		logger.Default().WithField("device_id", deviceID).Infoln("device came online")
	}
	rec.lastSeen = now
	if m.registry != nil {
		m.registry.UpdateStatus(deviceID, status)
	}
	m.mu.Unlock()
	m.drain()

	return Heartbeat{Timestamp: now, Status: status}
}

// Status returns the liveness status of the device
func (m *Monitor) Status(deviceID string) DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[deviceID]
	if !ok {
		return DeviceStatus{Status: iot.StatusUnknown}
	}
	lastSeen := rec.lastSeen
	status := iot.StatusOnline
	if m.now().Sub(lastSeen) > m.timeout {
		status = iot.StatusOffline
	}
	return DeviceStatus{Status: status, LastSeen: &lastSeen}
}

// Sweep emits an offline event for every device that went silent since the
// last sweep and returns the number of events
func (m *Monitor) Sweep() int {
	m.mu.Lock()
	now := m.now()
	emitted := 0
	for deviceID, rec := range m.devices {
		if now.Sub(rec.lastSeen) > m.timeout && rec.emitted != iot.StatusOffline {
			rec.emitted = iot.StatusOffline
			m.queue = append(m.queue, Event{Type: EventDeviceOffline, DeviceID: deviceID, At: now, LastSeen: rec.lastSeen})
			emitted++
			if m.registry != nil {
				m.registry.UpdateStatus(deviceID, iot.StatusOffline)
			}
			logger.Default().WithField("device_id", deviceID).Infoln("device went offline")
		}
	}
	m.mu.Unlock()
	m.drain()
	return emitted
}

// Run sweeps every sweep interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
