// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package channel keeps the server side of the secure device channels.
//
// When a device completes the handshake, its session key opens a channel. All
// messages to and from the device are sealed with the channel cipher of its
// current session. A new handshake replaces the channel of the device.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/iot/cipher"
)

// ErrNoActiveSession is returned for devices without an open channel
var ErrNoActiveSession = errors.New("no active session")

type channel struct {
	cipher   *cipher.Cipher
	openedAt time.Time
}

// Registry holds the open channels. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channel
}

// NewRegistry returns an empty channel registry
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*channel)}
}

// Open opens the channel of a device with the session key of its handshake
func (r *Registry) Open(deviceID, sessionKey string) error {
	c, err := cipher.NewFromString(sessionKey)
	if err != nil {
		return fmt.Errorf("cannot key channel of %s: %w", deviceID, err)
	}
	r.mu.Lock()
	_, replaced := r.channels[deviceID]
	r.channels[deviceID] = &channel{cipher: c, openedAt: time.Now()}
	r.mu.Unlock()

	rlog := logger.Default().WithField("device_id", deviceID)
	if replaced {
		rlog.Infoln("secure channel replaced")
	} else {
		rlog.Infoln("secure channel opened")
	}
	return nil
}

// OnAuthenticated opens the channel of a device which completed the handshake
func (r *Registry) OnAuthenticated(_ context.Context, deviceID, sessionKey string) error {
	return r.Open(deviceID, sessionKey)
}

// Close closes the channel of a device. It returns false if there was none.
func (r *Registry) Close(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[deviceID]
	delete(r.channels, deviceID)
	return ok
}

// Active returns true if the device has an open channel
func (r *Registry) Active(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[deviceID]
	return ok
}

// OpenedAt returns when the channel of the device was opened
func (r *Registry) OpenedAt(deviceID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return c.openedAt, true
}

func (r *Registry) cipherOf(deviceID string) (*cipher.Cipher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w for device %s", ErrNoActiveSession, deviceID)
	}
	return c.cipher, nil
}

// Seal encrypts a payload for the device
func (r *Registry) Seal(deviceID string, payload []byte) (string, error) {
	c, err := r.cipherOf(deviceID)
	if err != nil {
		return "", err
	}
	return c.Encrypt(payload)
}

// Unseal decrypts an envelope received from the device
func (r *Registry) Unseal(deviceID, envelope string) ([]byte, error) {
	c, err := r.cipherOf(deviceID)
	if err != nil {
		return nil, err
	}
	return c.Decrypt(envelope)
}
