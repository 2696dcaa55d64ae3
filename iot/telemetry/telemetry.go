// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package telemetry forwards decrypted device messages and liveness transitions

Every message the gateway accepts from a device ends up as a Record in a Sink.
The gateway composes its sinks from configuration: kafka for streaming, S3 for
the archive and SQS for liveness alerts. Tests and the simulator use the
MemorySink.
*/
package telemetry

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"github.com/relabs-tech/iotgate/core/logger"
	"github.com/relabs-tech/iotgate/iot/liveness"
)

// Kind is the kind of a record
type Kind string

// The record kinds
const (
	KindData      Kind = "data"
	KindHeartbeat Kind = "heartbeat"
	KindStatus    Kind = "status"
)

// Record is a message of a device as forwarded by the gateway
type Record struct {
	DeviceID   string          `json:"deviceId"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// NewRecord creates a record. Payloads which are not valid JSON are
// embedded as JSON string.
func NewRecord(deviceID string, kind Kind, payload []byte, receivedAt time.Time) Record {
	r := Record{DeviceID: deviceID, Kind: kind, ReceivedAt: receivedAt}
	if len(payload) > 0 {
		if json.Valid(payload) {
			r.Payload = append(json.RawMessage(nil), payload...)
		} else {
			r.Payload, _ = json.Marshal(string(payload))
		}
	}
	return r
}

// FromEvent converts a liveness event into a status record
func FromEvent(e liveness.Event) Record {
	payload, _ := json.Marshal(e)
	return Record{DeviceID: e.DeviceID, Kind: KindStatus, Payload: payload, ReceivedAt: e.At}
}

// Sink receives records
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// EventHandler returns a liveness handler which writes every event as status
// record to the sink. Write errors are logged.
func EventHandler(ctx context.Context, sink Sink) liveness.Handler {
	// events emitted while the gateway shuts down must still be written
	ctx = context.WithoutCancel(ctx)
	return func(e liveness.Event) {
		if err := sink.Write(ctx, FromEvent(e)); err != nil {
			logger.FromContext(ctx).WithField("device_id", e.DeviceID).WithError(err).Errorln("cannot forward liveness event")
		}
	}
}

type discard struct{}

func (discard) Write(context.Context, Record) error { return nil }

// Discard is a sink which drops all records
var Discard Sink = discard{}

// MemorySink keeps all records in memory
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// Write implements Sink
func (m *MemorySink) Write(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

// Records returns a copy of all records, optionally only those of the given kinds
func (m *MemorySink) Records(kinds ...Kind) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []Record
	for _, r := range m.records {
		if len(kinds) == 0 || hasKind(kinds, r.Kind) {
			records = append(records, r)
		}
	}
	return records
}

func hasKind(kinds []Kind, kind Kind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type filtered struct {
	sink  Sink
	kinds []Kind
}

func (f filtered) Write(ctx context.Context, r Record) error {
	if !hasKind(f.kinds, r.Kind) {
		return nil
	}
	return f.sink.Write(ctx, r)
}

func (f filtered) Close() error {
	if c, ok := f.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// OnlyKinds returns a sink which forwards only records of the given kinds
func OnlyKinds(sink Sink, kinds ...Kind) Sink {
	return filtered{sink: sink, kinds: kinds}
}

// Fanout writes every record to all of its sinks
type Fanout []Sink

// Write implements Sink. All sinks are written, the errors are combined.
func (f Fanout) Write(ctx context.Context, r Record) error {
	var err error
	for _, s := range f {
		err = multierr.Append(err, s.Write(ctx, r))
	}
	return err
}

// Close closes all sinks which are closers
func (f Fanout) Close() error {
	var err error
	for _, s := range f {
		if c, ok := s.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
