// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package device

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotgate/core/client"
	"github.com/relabs-tech/iotgate/core/schema"
	"github.com/relabs-tech/iotgate/iot"
	"github.com/relabs-tech/iotgate/iot/authentication"
	"github.com/relabs-tech/iotgate/iot/channel"
	"github.com/relabs-tech/iotgate/iot/credentials"
	"github.com/relabs-tech/iotgate/iot/otk"
)

type gateway struct {
	router   *mux.Router
	channels *channel.Registry
	tokens   *authentication.TokenIssuer
}

func newGateway(t *testing.T) *gateway {
	registry, err := credentials.New(credentials.Builder{Capacity: 100, FalsePositiveRate: 0.01})
	require.NoError(t, err)
	tokens, err := authentication.NewTokenIssuer([]byte("secret"), time.Hour)
	require.NoError(t, err)
	validator, err := schema.NewDeviceValidator()
	require.NoError(t, err)

	g := &gateway{router: mux.NewRouter(), channels: channel.NewRegistry(), tokens: tokens}
	authentication.NewService(&authentication.ServiceBuilder{
		Engine:    authentication.New(authentication.Builder{Credentials: registry, Keys: otk.New(otk.Builder{})}),
		Registrar: registry,
		Tokens:    tokens,
		Validator: validator,
		Listener:  g.channels,
	}).HandleRoutes(g.router)
	return g
}

func TestRegisterAndAuthenticate(t *testing.T) {
	g := newGateway(t)
	d := New("sensor-1", "s3cr3t", client.NewWithRouter(g.router))
	assert.False(t, d.Authenticated())

	require.NoError(t, d.Register(map[string]interface{}{"type": "thermometer"}))
	require.NoError(t, d.Authenticate())
	assert.True(t, d.Authenticated())
	assert.Len(t, d.SessionKey(), 64)
	assert.True(t, g.channels.Active("sensor-1"))

	deviceID, err := g.tokens.Verify(d.Token())
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", deviceID)

	// a second handshake yields a new session key
	first := d.SessionKey()
	require.NoError(t, d.Authenticate())
	assert.NotEqual(t, first, d.SessionKey())
}

func TestAuthenticateOverHTTP(t *testing.T) {
	g := newGateway(t)
	server := httptest.NewServer(g.router)
	defer server.Close()

	d := New("sensor-1", "s3cr3t", client.NewWithURL(server.URL))
	require.NoError(t, d.Register(nil))
	require.NoError(t, d.Authenticate())
	assert.True(t, g.channels.Active("sensor-1"))
}

func TestWrongSecret(t *testing.T) {
	g := newGateway(t)
	require.NoError(t, New("sensor-1", "s3cr3t", client.NewWithRouter(g.router)).Register(nil))

	d := New("sensor-1", "wrong", client.NewWithRouter(g.router))
	err := d.Authenticate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate credentials")
	assert.True(t, client.IsStatus(err, http.StatusUnauthorized))
	assert.False(t, d.Authenticated())
	assert.False(t, g.channels.Active("sensor-1"))
}

func TestNotAuthenticated(t *testing.T) {
	d := New("sensor-1", "s3cr3t", client.NewWithRouter(mux.NewRouter()))
	_, err := d.Seal([]byte("x"))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = d.Open("00:00")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = d.Heartbeat(iot.StatusOnline)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Error(t, d.Register(nil))
}

func TestChannel(t *testing.T) {
	g := newGateway(t)
	d := New("sensor-1", "s3cr3t", client.NewWithRouter(g.router))
	d.now = func() time.Time { return time.UnixMilli(1620000000000) }
	require.NoError(t, d.Register(nil))
	require.NoError(t, d.Authenticate())

	validator, err := schema.NewDeviceValidator()
	require.NoError(t, err)
	for status, want := range map[iot.DeviceStatus]iot.DeviceStatus{
		iot.StatusOnline:  iot.StatusOnline,
		iot.StatusOffline: iot.StatusOffline,
		"":                iot.StatusOnline,
	} {
		envelope, err := d.Heartbeat(status)
		require.NoError(t, err)
		plaintext, err := g.channels.Unseal("sensor-1", envelope)
		require.NoError(t, err)
		require.NoError(t, validator.ValidateBytes(plaintext, schema.HeartbeatID))

		var hb Heartbeat
		require.NoError(t, json.Unmarshal(plaintext, &hb))
		assert.Equal(t, Heartbeat{DeviceID: "sensor-1", Timestamp: 1620000000000, Status: want}, hb)
	}

	envelope, err := d.Seal([]byte(`{"t":21.5}`))
	require.NoError(t, err)
	plaintext, err := g.channels.Unseal("sensor-1", envelope)
	require.NoError(t, err)
	assert.Equal(t, `{"t":21.5}`, string(plaintext))

	command, err := g.channels.Seal("sensor-1", []byte(`{"command":"reboot"}`))
	require.NoError(t, err)
	plaintext, err = d.Open(command)
	require.NoError(t, err)
	assert.Equal(t, `{"command":"reboot"}`, string(plaintext))
}
