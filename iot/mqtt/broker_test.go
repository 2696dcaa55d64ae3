// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotgate/iot"
	"github.com/relabs-tech/iotgate/iot/authentication"
	"github.com/relabs-tech/iotgate/iot/channel"
	"github.com/relabs-tech/iotgate/iot/cipher"
	"github.com/relabs-tech/iotgate/iot/liveness"
	"github.com/relabs-tech/iotgate/iot/telemetry"
)

const sessionKey = "5f2b8f8a1c0e4d7b9a6c3e2f1d0b8a7c5f2b8f8a1c0e4d7b9a6c3e2f1d0b8a7c"

type published struct {
	topic   string
	payload []byte
}

type fixture struct {
	broker   *Broker
	channels *channel.Registry
	tokens   *authentication.TokenIssuer
	monitor  *liveness.Monitor
	sink     *telemetry.MemorySink
	device   *cipher.Cipher
	sent     []published
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		channels: channel.NewRegistry(),
		monitor:  liveness.New(liveness.Builder{Timeout: time.Minute}),
		sink:     &telemetry.MemorySink{},
	}
	var err error
	f.tokens, err = authentication.NewTokenIssuer([]byte("secret"), time.Hour)
	require.NoError(t, err)
	f.broker, err = NewBroker(&Builder{
		Channels: f.channels,
		Tokens:   f.tokens,
		Monitor:  f.monitor,
		Sink:     f.sink,
	})
	require.NoError(t, err)
	f.broker.p.publish = func(topic string, payload []byte) error {
		f.sent = append(f.sent, published{topic, payload})
		return nil
	}

	require.NoError(t, f.channels.Open("sensor-1", sessionKey))
	f.device, err = cipher.NewFromString(sessionKey)
	require.NoError(t, err)
	return f
}

func (f *fixture) seal(t *testing.T, payload string) []byte {
	envelope, err := f.device.Encrypt([]byte(payload))
	require.NoError(t, err)
	return []byte(envelope)
}

func (f *fixture) token(t *testing.T, deviceID string) string {
	token, err := f.tokens.Issue(deviceID, "session")
	require.NoError(t, err)
	return token
}

func TestNewBrokerDefaults(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, ":1883", f.broker.address)
	assert.Nil(t, f.broker.tlsConfig)
	assert.Equal(t, "iotgate broker", f.broker.p.Name())

	assert.Panics(t, func() { _, _ = NewBroker(&Builder{}) })

	_, err := NewBroker(&Builder{Channels: f.channels, Tokens: f.tokens, Monitor: f.monitor, CertFile: "missing.crt", KeyFile: "missing.key"})
	assert.Error(t, err)
}

func TestAuthorizeConnect(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "sensor-1")

	assert.NoError(t, f.broker.p.authorizeConnect("sensor-1", "", token, ""))
	assert.NoError(t, f.broker.p.authorizeConnect("sensor-1", "sensor-1", token, "sensor-1"))

	denied := map[string][4]string{
		"empty client id":       {"", "", token, ""},
		"token of other device": {"sensor-2", "", token, ""},
		"garbage token":         {"sensor-1", "", "garbage", ""},
		"no token":              {"sensor-1", "", "", ""},
		"foreign username":      {"sensor-1", "sensor-2", token, ""},
		"foreign certificate":   {"sensor-1", "", token, "sensor-2"},
	}
	for name, c := range denied {
		t.Run(name, func(t *testing.T) {
			err := f.broker.p.authorizeConnect(c[0], c[1], c[2], c[3])
			assert.ErrorIs(t, err, errNotAuthorized)
		})
	}

	// a valid token without an open channel is not enough
	require.True(t, f.channels.Close("sensor-1"))
	err := f.broker.p.authorizeConnect("sensor-1", "", token, "")
	assert.ErrorIs(t, err, errNotAuthorized)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestAuthorizeSubscribe(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.broker.p.authorizeSubscribe("sensor-1", "device/sensor-1/commands"))
	assert.False(t, f.broker.p.authorizeSubscribe("sensor-1", "device/sensor-2/commands"))
	assert.False(t, f.broker.p.authorizeSubscribe("sensor-1", "device/sensor-1/data"))
	assert.False(t, f.broker.p.authorizeSubscribe("sensor-1", "device/+/commands"))
	assert.False(t, f.broker.p.authorizeSubscribe("sensor-1", "#"))
}

func TestInboundHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := f.seal(t, `{"deviceId":"sensor-1","timestamp":1620000000000,"status":"online"}`)
	assert.True(t, f.broker.p.handleInbound(ctx, "sensor-1", iot.HeartbeatTopic("sensor-1"), payload))

	s := f.monitor.Status("sensor-1")
	assert.Equal(t, iot.StatusOnline, s.Status)
	require.NotNil(t, s.LastSeen)

	records := f.sink.Records(telemetry.KindHeartbeat)
	require.Len(t, records, 1)
	assert.Equal(t, "sensor-1", records[0].DeviceID)
	assert.Equal(t, *s.LastSeen, records[0].ReceivedAt)
	assert.JSONEq(t, `{"deviceId":"sensor-1","timestamp":1620000000000,"status":"online"}`, string(records[0].Payload))
}

func TestInboundData(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2021, 5, 1, 12, 0, 0, 0, time.UTC)
	f.broker.p.now = func() time.Time { return now }

	assert.True(t, f.broker.p.handleInbound(context.Background(), "sensor-1", iot.DataTopic("sensor-1"), f.seal(t, `{"t":21.5}`)))
	assert.False(t, f.broker.Inject(context.Background(), "sensor-1", iot.DataTopic("sensor-1"), []byte("not sealed")))
	records := f.sink.Records(telemetry.KindData)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"t":21.5}`, string(records[0].Payload))
	assert.Equal(t, now, records[0].ReceivedAt)

	// data does not count as heartbeat
	assert.Equal(t, iot.StatusUnknown, f.monitor.Status("sensor-1").Status)
}

func TestInboundDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.channels.Open("sensor-2", sessionKey))

	other, err := cipher.NewFromString("some other key")
	require.NoError(t, err)
	foreign, err := other.Encrypt([]byte(`{"deviceId":"sensor-1"}`))
	require.NoError(t, err)

	cases := map[string]struct {
		clientID string
		topic    string
		payload  []byte
	}{
		"foreign device topic": {"sensor-2", iot.DataTopic("sensor-1"), f.seal(t, `{"t":1}`)},
		"commands topic":       {"sensor-1", iot.CommandsTopic("sensor-1"), f.seal(t, `{}`)},
		"unknown topic":        {"sensor-1", "device/sensor-1/twin", f.seal(t, `{}`)},
		"plaintext":            {"sensor-1", iot.DataTopic("sensor-1"), []byte(`{"t":1}`)},
		"wrong key":            {"sensor-1", iot.HeartbeatTopic("sensor-1"), []byte(foreign)},
		"no channel":           {"sensor-3", iot.DataTopic("sensor-3"), f.seal(t, `{"t":1}`)},
		"heartbeat of other":   {"sensor-1", iot.HeartbeatTopic("sensor-1"), f.seal(t, `{"deviceId":"sensor-2"}`)},
		"heartbeat no id":      {"sensor-1", iot.HeartbeatTopic("sensor-1"), f.seal(t, `{"status":"online"}`)},
		"heartbeat bad status": {"sensor-1", iot.HeartbeatTopic("sensor-1"), f.seal(t, `{"deviceId":"sensor-1","status":"sleeping"}`)},
		"heartbeat not json":   {"sensor-1", iot.HeartbeatTopic("sensor-1"), f.seal(t, "alive")},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, f.broker.p.handleInbound(ctx, c.clientID, c.topic, c.payload))
		})
	}
	assert.Empty(t, f.sink.Records())
	assert.Equal(t, iot.StatusUnknown, f.monitor.Status("sensor-1").Status)
}

type failingSink struct{}

func (failingSink) Write(context.Context, telemetry.Record) error { return errors.New("sink down") }

func TestInboundSinkFailure(t *testing.T) {
	f := newFixture(t)
	f.broker.p.sink = failingSink{}
	// the heartbeat is recorded even when forwarding fails
	payload := f.seal(t, `{"deviceId":"sensor-1"}`)
	assert.True(t, f.broker.p.handleInbound(context.Background(), "sensor-1", iot.HeartbeatTopic("sensor-1"), payload))
	assert.Equal(t, iot.StatusOnline, f.monitor.Status("sensor-1").Status)
}

func TestSendCommand(t *testing.T) {
	f := newFixture(t)
	command := map[string]interface{}{"command": "reboot", "params": map[string]interface{}{"delay": 5}}
	require.NoError(t, f.broker.SendCommand(context.Background(), "sensor-1", command))

	require.Len(t, f.sent, 1)
	assert.Equal(t, "device/sensor-1/commands", f.sent[0].topic)
	plaintext, err := f.device.Decrypt(string(f.sent[0].payload))
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"reboot","params":{"delay":5}}`, string(plaintext))

	err = f.broker.SendCommand(context.Background(), "sensor-2", command)
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Len(t, f.sent, 1)
}

func TestPublishBeforeRun(t *testing.T) {
	f := newFixture(t)
	f.broker.p.publish = f.broker.p.publishToService
	err := f.broker.SendCommand(context.Background(), "sensor-1", map[string]string{"command": "reboot"})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NotPanics(t, func() { f.broker.PublishMessageQ1("device/sensor-1/commands", []byte("x")) })
}

func TestConcurrentInbound(t *testing.T) {
	f := newFixture(t)
	const devices = 10
	for i := 0; i < devices; i++ {
		require.NoError(t, f.channels.Open(fmt.Sprintf("device-%d", i), sessionKey))
	}
	payloads := make([][]byte, devices)
	for i := range payloads {
		payloads[i] = f.seal(t, fmt.Sprintf(`{"deviceId":"device-%d"}`, i))
	}
	done := make(chan bool)
	for i := 0; i < devices; i++ {
		go func(id string, payload []byte) {
			done <- f.broker.p.handleInbound(context.Background(), id, iot.HeartbeatTopic(id), payload)
		}(fmt.Sprintf("device-%d", i), payloads[i])
	}
	for i := 0; i < devices; i++ {
		assert.True(t, <-done)
	}
	assert.Len(t, f.sink.Records(telemetry.KindHeartbeat), devices)
}
