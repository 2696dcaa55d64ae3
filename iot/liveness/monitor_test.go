// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package liveness

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotgate/iot"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type statusRecorder struct {
	mu      sync.Mutex
	updates map[string][]iot.DeviceStatus
}

func (r *statusRecorder) UpdateStatus(deviceID string, status iot.DeviceStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[deviceID] = append(r.updates[deviceID], status)
	return true
}

func (r *statusRecorder) last(deviceID string) iot.DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.updates[deviceID]
	if len(u) == 0 {
		return iot.StatusUnknown
	}
	return u[len(u)-1]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var types []EventType
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

type fixture struct {
	clock    *clock
	registry *statusRecorder
	events   *eventRecorder
	monitor  *Monitor
}

func newFixture() *fixture {
	f := &fixture{
		clock:    newClock(),
		registry: &statusRecorder{updates: map[string][]iot.DeviceStatus{}},
		events:   &eventRecorder{},
	}
	f.monitor = New(Builder{Timeout: 30 * time.Second, Registry: f.registry, Now: f.clock.Now})
	f.monitor.Subscribe(f.events.handle)
	return f
}

func TestDefaults(t *testing.T) {
	m := New(Builder{})
	assert.Equal(t, DefaultTimeout, m.Timeout())
	assert.Equal(t, 10*time.Second, m.SweepInterval())

	m = New(Builder{Timeout: 6 * time.Second})
	assert.Equal(t, 3*time.Second, m.SweepInterval())

	m = New(Builder{Timeout: time.Minute, SweepInterval: time.Second})
	assert.Equal(t, time.Second, m.SweepInterval())
}

func TestUnknownDevice(t *testing.T) {
	f := newFixture()
	s := f.monitor.Status("ghost")
	assert.Equal(t, iot.StatusUnknown, s.Status)
	assert.Nil(t, s.LastSeen)
}

func TestOnlineThenOffline(t *testing.T) {
	f := newFixture()

	hb := f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)
	assert.Equal(t, f.clock.Now(), hb.Timestamp)
	assert.Equal(t, iot.StatusOnline, hb.Status)
	assert.Equal(t, iot.StatusOnline, f.registry.last("sensor-1"))

	f.clock.Advance(30 * time.Second)
	s := f.monitor.Status("sensor-1")
	assert.Equal(t, iot.StatusOnline, s.Status)
	require.NotNil(t, s.LastSeen)
	assert.Equal(t, hb.Timestamp, *s.LastSeen)

	// offline is derived without a sweep
	f.clock.Advance(time.Second)
	assert.Equal(t, iot.StatusOffline, f.monitor.Status("sensor-1").Status)
	assert.Empty(t, f.events.types())
}

func TestExactlyOneOfflineEvent(t *testing.T) {
	f := newFixture()
	f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)

	assert.Equal(t, 0, f.monitor.Sweep())
	f.clock.Advance(31 * time.Second)
	assert.Equal(t, 1, f.monitor.Sweep())
	for i := 0; i < 5; i++ {
		f.clock.Advance(10 * time.Second)
		assert.Equal(t, 0, f.monitor.Sweep())
	}

	assert.Equal(t, []EventType{EventDeviceOffline}, f.events.types())
	assert.Equal(t, "sensor-1", f.events.events[0].DeviceID)
	assert.Equal(t, iot.StatusOffline, f.registry.last("sensor-1"))
}

func TestOnlineEventOnReturn(t *testing.T) {
	f := newFixture()

	// the first heartbeat is no transition
	f.monitor.RecordHeartbeat("sensor-1", "")
	assert.Empty(t, f.events.types())

	f.clock.Advance(time.Minute)
	f.monitor.Sweep()
	f.clock.Advance(time.Second)
	f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)
	f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)

	assert.Equal(t, []EventType{EventDeviceOffline, EventDeviceOnline}, f.events.types())
	assert.Equal(t, iot.StatusOnline, f.registry.last("sensor-1"))
	assert.Equal(t, iot.StatusOnline, f.monitor.Status("sensor-1").Status)

	// a late heartbeat without a sweep in between is a transition as well
	f.clock.Advance(time.Minute)
	f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)
	assert.Equal(t, []EventType{EventDeviceOffline, EventDeviceOnline, EventDeviceOnline}, f.events.types())

	// and the sweep stays quiet afterwards
	assert.Equal(t, 0, f.monitor.Sweep())
}

func TestReportedStatusIsForwarded(t *testing.T) {
	f := newFixture()
	f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)
	f.clock.Advance(time.Minute)
	f.monitor.Sweep()

	hb := f.monitor.RecordHeartbeat("sensor-1", iot.StatusOffline)
	assert.Equal(t, iot.StatusOffline, hb.Status)
	assert.Equal(t, iot.StatusOffline, f.registry.last("sensor-1"))
	assert.Equal(t, []EventType{EventDeviceOffline}, f.events.types())
}

func TestHandlerMayQueryMonitor(t *testing.T) {
	f := newFixture()
	var seen []iot.DeviceStatus
	f.monitor.Subscribe(func(e Event) {
		seen = append(seen, f.monitor.Status(e.DeviceID).Status)
	})

	f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)
	f.clock.Advance(time.Minute)
	f.monitor.Sweep()
	assert.Equal(t, []iot.DeviceStatus{iot.StatusOffline}, seen)
}

func TestPanickingHandler(t *testing.T) {
	f := newFixture()
	calls := 0
	f.monitor.Subscribe(func(e Event) {
		calls++
		if calls == 1 {
			panic("sink exploded")
		}
	})

	f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)
	f.clock.Advance(time.Minute)
	assert.NotPanics(t, func() { f.monitor.Sweep() })

	// later transitions are still delivered to every handler
	f.clock.Advance(time.Second)
	f.monitor.RecordHeartbeat("sensor-1", iot.StatusOnline)
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.monitor.Sweep())

	assert.Equal(t, []EventType{EventDeviceOffline, EventDeviceOnline, EventDeviceOffline}, f.events.types())
	assert.Equal(t, 3, calls)
	f.monitor.mu.Lock()
	assert.Empty(t, f.monitor.queue)
	assert.False(t, f.monitor.draining)
	f.monitor.mu.Unlock()
}

func TestConcurrentHeartbeats(t *testing.T) {
	f := newFixture()
	const devices = 20

	for i := 0; i < devices; i++ {
		f.monitor.RecordHeartbeat(fmt.Sprintf("device-%d", i), iot.StatusOnline)
	}
	f.clock.Advance(time.Minute)
	require.Equal(t, devices, f.monitor.Sweep())

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				f.monitor.RecordHeartbeat(id, iot.StatusOnline)
			}(fmt.Sprintf("device-%d", i))
		}
	}
	wg.Wait()

	online := 0
	for _, e := range f.events.types() {
		if e == EventDeviceOnline {
			online++
		}
	}
	assert.Equal(t, devices, online, "exactly one online event per device")
}

func TestRunSweeps(t *testing.T) {
	f := newFixture()
	m := New(Builder{Timeout: time.Minute, SweepInterval: time.Millisecond, Now: f.clock.Now})
	m.Subscribe(f.events.handle)
	m.RecordHeartbeat("sensor-1", iot.StatusOnline)
	f.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return len(f.events.types()) == 1
	}, time.Second, time.Millisecond)
}
