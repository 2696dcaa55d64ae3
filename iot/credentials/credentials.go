// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/iot"
)

var (
	// ErrNotRegistered is returned when a device has no credential record
	ErrNotRegistered = errors.New("device not registered")
	// ErrFilterFull is returned when the credential filter rejects an insertion
	ErrFilterFull = errors.New("credential filter is full")
	// ErrInvalidDeviceID is returned for empty device identifiers
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// Record is the credential record of a registered device
type Record struct {
	DeviceID     string
	Digest       []byte
	Metadata     map[string]interface{}
	RegisteredAt time.Time
	LastActive   time.Time
	Status       iot.DeviceStatus
}

// Store persists credential records. Only registrations are written, the
// status of a device is runtime state.
type Store interface {
	Save(ctx context.Context, record Record) error
	List(ctx context.Context) ([]Record, error)
}

// Builder is a builder helper for the Registry
type Builder struct {
	// Capacity is the number of devices the filter is sized for. This is mandatory.
	Capacity int
	// FalsePositiveRate is the target false positive rate of the filter. This is mandatory.
	FalsePositiveRate float64
	// Store is optional. When set, registrations are written through to the store.
	Store Store
}

// Registry is the credential filter. It answers whether a device
// identifier and secret were registered, backed by a cuckoo filter over the
// credential digests, and owns the device records.
type Registry struct {
	mu      sync.RWMutex
	filter  *Filter
	records map[string]*Record
	store   Store
	now     func() time.Time
}

// New returns a new credential registry
func New(b Builder) (*Registry, error) {
	filter, err := NewFilter(b.Capacity, b.FalsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &Registry{
		filter:  filter,
		records: make(map[string]*Record),
		store:   b.Store,
		now:     time.Now,
	}, nil
}

// Digest returns the one-way digest of a device credential
func Digest(deviceID, secret string) []byte {
	sum := sha256.Sum256([]byte(deviceID + ":" + secret))
	return sum[:]
}

// Register adds the credential of a device to the filter and records
// (or overwrites) its credential record with an unknown status. Membership is
// append-only: a previous secret of the same device stays a member.
func (r *Registry) Register(ctx context.Context, deviceID, secret string, metadata map[string]interface{}) error {
	if len(deviceID) == 0 {
		return ErrInvalidDeviceID
	}
	digest := Digest(deviceID, secret)
	now := r.now()
	record := Record{
		DeviceID:     deviceID,
		Digest:       digest,
		Metadata:     metadata,
		RegisteredAt: now,
		LastActive:   now,
		Status:       iot.StatusUnknown,
	}
	if record.Metadata == nil {
		record.Metadata = map[string]interface{}{}
	}

	// a credential which is already a member is not inserted again, the
	// filter holds only a few copies of one fingerprint
	r.mu.Lock()
	inserted := false
	if !r.isMember(deviceID, digest) {
		if !r.filter.Insert(digest) {
			r.mu.Unlock()
			logger.FromContext(ctx).WithField("device_id", deviceID).Warnln("credential filter is full")
			return ErrFilterFull
		}
		inserted = true
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Save(ctx, record); err != nil {
			if inserted {
				r.mu.Lock()
				r.filter.Delete(digest)
				r.mu.Unlock()
			}
			return fmt.Errorf("cannot persist credential of %s: %w", deviceID, err)
		}
	}

	r.mu.Lock()
	r.records[deviceID] = &record
	r.mu.Unlock()
	logger.FromContext(ctx).WithField("device_id", deviceID).Infoln("device registered")
	return nil
}

// isMember returns true if digest is the current credential of the device.
// Must be called with r.mu held.
func (r *Registry) isMember(deviceID string, digest []byte) bool {
	existing, ok := r.records[deviceID]
	return ok && bytes.Equal(existing.Digest, digest)
}

// Restore loads all persisted records into the filter. It is meant to be
// called once at startup, before the registry serves requests.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("cannot list credentials: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for i := range records {
		record := records[i]
		if !r.isMember(record.DeviceID, record.Digest) && !r.filter.Insert(record.Digest) {
			return restored, ErrFilterFull
		}
		record.Status = iot.StatusUnknown
		if record.LastActive.IsZero() {
			record.LastActive = record.RegisteredAt
		}
		r.records[record.DeviceID] = &record
		restored++
	}
	logger.FromContext(ctx).Infof("restored %d device credentials", restored)
	return restored, nil
}

// Validate returns true if the credential of the device is a member of the
// filter. It never returns false for a registered credential and returns true
// for an unregistered one only with the configured false positive rate.
func (r *Registry) Validate(deviceID, secret string) bool {
	digest := Digest(deviceID, secret)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter.Lookup(digest)
}

// UpdateStatus sets the status of a device and refreshes its last-active
// timestamp. It returns false if the device has no record.
func (r *Registry) UpdateStatus(deviceID string, status iot.DeviceStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[deviceID]
	if !ok {
		return false
	}
	record.Status = status
	record.LastActive = r.now()
	return true
}

// Info returns a copy of the credential record of a device
func (r *Registry) Info(deviceID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[deviceID]
	if !ok {
		return Record{}, false
	}
	c := *record
	c.Digest = append([]byte(nil), record.Digest...)
	c.Metadata = make(map[string]interface{}, len(record.Metadata))
	for k, v := range record.Metadata {
		c.Metadata[k] = v
	}
	return c, true
}

// Lookup is like Info but reports a missing record as ErrNotRegistered
func (r *Registry) Lookup(deviceID string) (Record, error) {
	record, ok := r.Info(deviceID)
	if !ok {
		return Record{}, ErrNotRegistered
	}
	return record, nil
}

// Count returns the number of credentials in the filter
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filter.Count()
}
