// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package otk issues and validates one-time keys, the second authentication
// factor of a device.
//
// A device has at most one outstanding key. Issuing a new key discards the
// previous one. A key is consumed by its first successful validation and is
// never valid after its expiry, whether or not a sweep has removed it yet.
package otk

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/iotgate/core/logger"
)

// DefaultLifetime is the lifetime of a key when the Builder does not set one
const DefaultLifetime = 15 * time.Minute

// keySize is the number of random bytes in a key
const keySize = 32

var (
	// ErrNoActiveKey is returned when no key is on file for the device
	ErrNoActiveKey = errors.New("no active one-time key")
	// ErrKeyExpired is returned when the key on file has expired
	ErrKeyExpired = errors.New("one-time key expired")
	// ErrKeyMismatch is returned when the provided key does not match
	ErrKeyMismatch = errors.New("one-time key mismatch")
)

type entry struct {
	key       []byte
	expiresAt time.Time
}

// Builder is a builder helper for the Manager
type Builder struct {
	// Lifetime of an issued key. Defaults to DefaultLifetime.
	Lifetime time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager holds the outstanding one-time keys
type Manager struct {
	mu       sync.Mutex
	keys     map[string]entry
	lifetime time.Duration
	now      func() time.Time
}

// New returns a new one-time key manager
func New(b Builder) *Manager {
	m := &Manager{
		keys:     make(map[string]entry),
		lifetime: b.Lifetime,
		now:      b.Now,
	}
	if m.lifetime <= 0 {
		m.lifetime = DefaultLifetime
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Lifetime returns the lifetime of issued keys
func (m *Manager) Lifetime() time.Duration {
	return m.lifetime
}

// Issue generates a new key for the device and returns its hex encoding.
// Any previous key of the device becomes invalid.
func (m *Manager) Issue(deviceID string) (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("cannot generate one-time key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep(now)
	m.keys[deviceID] = entry{key: key, expiresAt: now.Add(m.lifetime)}
	return hex.EncodeToString(key), nil
}

// Verify checks the provided key against the key on file for the device.
// On success the key is consumed. An expired key is removed. A mismatch
// leaves the key in place.
func (m *Manager) Verify(deviceID, provided string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[deviceID]
	if !ok {
		return ErrNoActiveKey
	}
	if m.now().After(e.expiresAt) {
		delete(m.keys, deviceID)
		return ErrKeyExpired
	}
	key, err := hex.DecodeString(provided)
	if err != nil || len(key) != len(e.key) {
		return ErrKeyMismatch
	}
	if subtle.ConstantTimeCompare(key, e.key) != 1 {
		return ErrKeyMismatch
	}
	delete(m.keys, deviceID)
	return nil
}

// Validate is like Verify but only reports success
func (m *Manager) Validate(deviceID, provided string) bool {
	return m.Verify(deviceID, provided) == nil
}

// Sweep removes all expired keys and returns how many were removed
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweep(m.now())
}

func (m *Manager) sweep(now time.Time) int {
	removed := 0
	for deviceID, e := range m.keys {
		if now.After(e.expiresAt) {
			delete(m.keys, deviceID)
			removed++
		}
	}
	if removed > 0 {
		logger.Default().Debugf("removed %d expired one-time keys", removed)
	}
	return removed
}

// Len returns the number of keys on file, including expired ones not yet swept
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Run sweeps every interval until ctx is done. A non-positive interval
// sweeps once per lifetime.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.lifetime
	}
	ticker := time.NewTicker(interval)
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
