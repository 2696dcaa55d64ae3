// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

import "strings"

// TopicKind is the last segment of a device topic
type TopicKind string

// the topic kinds a device uses
const (
	TopicHeartbeat TopicKind = "heartbeat"
	TopicData      TopicKind = "data"
	TopicCommands  TopicKind = "commands"
)

const topicRoot = "device"

// DeviceTopic returns device/{deviceID}/{kind}
func DeviceTopic(deviceID string, kind TopicKind) string {
	return topicRoot + "/" + deviceID + "/" + string(kind)
}

// HeartbeatTopic returns the topic a device publishes heartbeats to
func HeartbeatTopic(deviceID string) string { return DeviceTopic(deviceID, TopicHeartbeat) }

// DataTopic returns the topic a device publishes telemetry to
func DataTopic(deviceID string) string { return DeviceTopic(deviceID, TopicData) }

// CommandsTopic returns the topic a device receives commands on
func CommandsTopic(deviceID string) string { return DeviceTopic(deviceID, TopicCommands) }

// ParseTopic splits a device topic into device id and kind. It returns
// false for anything that is not exactly device/{device_id}/{kind} with a
// known kind.
func ParseTopic(topic string) (deviceID string, kind TopicKind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicRoot || len(parts[1]) == 0 {
		return "", "", false
	}
	kind = TopicKind(parts[2])
	switch kind {
	case TopicHeartbeat, TopicData, TopicCommands:
		return parts[1], kind, true
	}
	return "", "", false
}
