// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package authentication implements the two-factor device handshake

A device authenticates in three requests, each bound to a session identifier:

	POST /api/auth/initiate              {deviceId}          -> {sessionId}
	POST /api/auth/validate-credentials  {sessionId, secret} -> {otk}
	POST /api/auth/validate-otk          {sessionId, otk}    -> {sessionKey, token}

The first factor checks the device secret against the credential filter and, on success,
issues a one-time key. The second factor consumes that key. Only then a fresh random
session key is handed out together with a signed device token. The session key keys the
channel cipher for all further traffic of the device, the token is the device's password
on the MQTT broker.

Sessions move strictly forward:

	Initiated -> CredentialsValidated -> OtkValidated

A request that arrives out of order fails the session. A failed factor check may be
retried until MaxAttempts failures, after which the session fails as well. Initiate does
not check whether the device is registered, a session for an unknown device simply fails
at the first factor. Sessions which do not make progress within their TTL are discarded.

Registration is exposed as

	POST /api/devices/register  {deviceId, secret, metadata} -> 201 {success, deviceId}
*/
package authentication
