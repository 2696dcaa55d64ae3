// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package liveness

import (
	"time"
)

// EventType is the type of a liveness transition
type EventType string

// The liveness transitions
const (
	EventDeviceOnline  EventType = "device-online"
	EventDeviceOffline EventType = "device-offline"
)

// Event is a liveness transition of a device
type Event struct {
	Type     EventType `json:"type"`
	DeviceID string    `json:"deviceId"`
	At       time.Time `json:"at"`
	LastSeen time.Time `json:"lastSeen"`
}

// Handler receives liveness events. Handlers are called one event at a time,
// in the order of the transitions, without any lock of the monitor held.
type Handler func(Event)
