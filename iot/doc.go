// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package iot provides the device-facing building blocks of the gateway

Devices register a shared secret, authenticate with two factors (the secret and
a one-time key) and receive a session key. The session key seeds a channel cipher
which protects every message a device exchanges over MQTT. Heartbeats received
on the channel drive a liveness monitor.

The sub packages are

	credentials     probabilistic credential filter and device records
	otk             one-time key issuance and validation
	cipher          AES-128-CBC channel cipher with authenticated envelopes
	authentication  the two-factor session engine and its REST interface
	liveness        heartbeat-driven online/offline tracking
	channel         server side registry of per-device channel ciphers
	mqtt            gmqtt broker plugin carrying the encrypted traffic
	telemetry       sinks for decrypted telemetry and liveness events
	api             device status and command REST routes
	device          device side client for registration and authentication

The MQTT topics follow the convention

	device/{device_id}/heartbeat
	device/{device_id}/data
	device/{device_id}/commands
*/
package iot
