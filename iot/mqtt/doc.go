// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package mqtt provides the IoT broker carrying the encrypted device traffic

The broker is a gmqtt server with a plugin that enforces the device identity and
the topic policy. Devices use the following MQTT topics:

	device/{device_id}/heartbeat
	device/{device_id}/data
	device/{device_id}/commands

# Connecting

A device connects with its device id as MQTT client id and the token it received
from validate-otk as password. The connection is refused unless the token belongs
to the device and the device has an open secure channel. With mutual TLS the
common name of the client certificate must match the client id as well.

# Publishing

A device may only publish to its own heartbeat and data topics. Every payload is a
channel envelope

	hex(iv):hex(ciphertext)

sealed with the session key. Envelopes which do not decrypt are logged and dropped.
A decrypted heartbeat

	{"deviceId": "sensor-1", "timestamp": 1620000000000, "status": "online"}

is validated against the heartbeat schema and recorded in the liveness monitor.
Decrypted data is forwarded to the telemetry sink.

# Commands

A device may only subscribe to its own commands topic. The gateway sends commands
with SendCommand, which seals them with the channel of the device and publishes
them with QoS 1.
*/
package mqtt
