// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

// MessagePublisher is an interface to publish MQTT message
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// DeviceStatus is the liveness status of a device
type DeviceStatus string

// the known device states
const (
	StatusUnknown DeviceStatus = "unknown"
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// ParseDeviceStatus returns the status for s. Anything that is not
// online or offline is reported as unknown.
func ParseDeviceStatus(s string) DeviceStatus {
	switch DeviceStatus(s) {
	case StatusOnline:
		return StatusOnline
	case StatusOffline:
		return StatusOffline
	}
	return StatusUnknown
}
