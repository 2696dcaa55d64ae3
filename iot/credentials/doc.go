// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package credentials implements the credential filter for device registration

A device registers with its device identifier and a shared secret. The secret is never
stored. Instead the package computes

	digest = SHA-256(device_id + ":" + secret)

and adds the digest to a cuckoo filter. Validation recomputes the digest and asks the
filter for membership. The filter has no false negatives and a bounded false positive
rate, which is acceptable because a successful validation is always followed by the
one-time-key factor.

Next to the filter the registry keeps a record per device with its metadata, the
last-active timestamp and the liveness status. The status is written by the liveness
monitor.

# Durability

Registrations can optionally be written through to a Store. PostgresStore keeps them in
the table "_credential_" of the database schema. At startup Restore() loads all stored
digests back into the filter.
*/
package credentials
