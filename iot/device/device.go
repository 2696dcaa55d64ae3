// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package device is the device side of registration, authentication and the secure channel

A Device registers its secret once and authenticates with the two-factor
handshake before it connects to the broker:

	d := device.New("sensor-1", "s3cr3t", client.NewWithURL("http://gateway:3000"))
	err := d.Register(map[string]interface{}{"type": "thermometer"})
	err = d.Authenticate()

After the handshake, d.Token() is the MQTT password and Heartbeat and Seal return
the envelopes to publish on the heartbeat and data topics of the device.
*/
package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotgate/core/client"
	"github.com/relabs-tech/iotgate/iot"
	"github.com/relabs-tech/iotgate/iot/cipher"
)

// ErrNotAuthenticated is returned when the device has no session key yet
var ErrNotAuthenticated = errors.New("device is not authenticated")

// Device is a device talking to the gateway
type Device struct {
	ID     string
	Secret string

	client client.Client
	now    func() time.Time

	mu         sync.RWMutex
	sessionKey string
	token      string
	cipher     *cipher.Cipher
}

// New returns a device which talks to the gateway with c
func New(id, secret string, c client.Client) *Device {
	return &Device{ID: id, Secret: secret, client: c, now: time.Now}
}

// Heartbeat is the payload of a heartbeat message
type Heartbeat struct {
	DeviceID  string           `json:"deviceId"`
	Timestamp int64            `json:"timestamp"`
	Status    iot.DeviceStatus `json:"status"`
}

// Register registers the secret of the device
func (d *Device) Register(metadata map[string]interface{}) error {
	body := map[string]interface{}{"deviceId": d.ID, "secret": d.Secret}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var res struct {
		Success bool `json:"success"`
	}
	if _, err := d.client.RawPost("/api/devices/register", body, &res); err != nil {
		return fmt.Errorf("register %s: %w", d.ID, err)
	}
	if !res.Success {
		return fmt.Errorf("register %s: rejected", d.ID)
	}
	return nil
}

// Authenticate runs the handshake: initiate, validate the secret, validate the
// one-time key. On success the device holds a session key and a token.
func (d *Device) Authenticate() error {
	var initiated struct {
		SessionID string `json:"sessionId"`
	}
	if _, err := d.client.RawPost("/api/auth/initiate", map[string]string{"deviceId": d.ID}, &initiated); err != nil {
		return fmt.Errorf("initiate %s: %w", d.ID, err)
	}

	var credentials struct {
		Success bool   `json:"success"`
		Otk     string `json:"otk"`
	}
	_, err := d.client.RawPost("/api/auth/validate-credentials",
		map[string]string{"sessionId": initiated.SessionID, "secret": d.Secret}, &credentials)
	if err != nil {
		return fmt.Errorf("validate credentials of %s: %w", d.ID, err)
	}

	var grant struct {
		Success    bool   `json:"success"`
		DeviceID   string `json:"deviceId"`
		SessionKey string `json:"sessionKey"`
		Token      string `json:"token"`
	}
	_, err = d.client.RawPost("/api/auth/validate-otk",
		map[string]string{"sessionId": initiated.SessionID, "otk": credentials.Otk}, &grant)
	if err != nil {
		return fmt.Errorf("validate otk of %s: %w", d.ID, err)
	}
	if grant.DeviceID != d.ID {
		return fmt.Errorf("validate otk of %s: session granted to %s", d.ID, grant.DeviceID)
	}

	c, err := cipher.NewFromString(grant.SessionKey)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionKey = grant.SessionKey
	d.token = grant.Token
	d.cipher = c
	return nil
}

// Authenticated returns true if the device completed a handshake
func (d *Device) Authenticated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cipher != nil
}

// SessionKey returns the session key of the last handshake
func (d *Device) SessionKey() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionKey
}

// Token returns the token of the last handshake, the MQTT password of the device
func (d *Device) Token() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.token
}

func (d *Device) channelCipher() (*cipher.Cipher, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cipher == nil {
		return nil, ErrNotAuthenticated
	}
	return d.cipher, nil
}

// Seal encrypts a payload for the gateway
func (d *Device) Seal(payload []byte) (string, error) {
	c, err := d.channelCipher()
	if err != nil {
		return "", err
	}
	return c.Encrypt(payload)
}

// Open decrypts an envelope received from the gateway, for example a command
func (d *Device) Open(envelope string) ([]byte, error) {
	c, err := d.channelCipher()
	if err != nil {
		return nil, err
	}
	return c.Decrypt(envelope)
}

// Heartbeat returns a sealed heartbeat with the given status, ready to be
// published on the heartbeat topic of the device. Any status but offline is
// sent as online.
func (d *Device) Heartbeat(status iot.DeviceStatus) (string, error) {
	if status != iot.StatusOffline {
		status = iot.StatusOnline
	}
	payload, err := json.Marshal(Heartbeat{
		DeviceID:  d.ID,
		Timestamp: d.now().UnixMilli(),
		Status:    status,
	})
	if err != nil {
		return "", err
	}
	return d.Seal(payload)
}
