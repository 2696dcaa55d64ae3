// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package authentication

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("secret"), time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue("sensor-1", "session-1")
	require.NoError(t, err)
	deviceID, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", deviceID)
}

func TestTokenFromOtherIssuerFails(t *testing.T) {
	a, err := NewTokenIssuer([]byte("secret a"), time.Hour)
	require.NoError(t, err)
	b, err := NewTokenIssuer([]byte("secret b"), time.Hour)
	require.NoError(t, err)

	token, err := a.Issue("sensor-1", "session-1")
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEphemeralSecret(t *testing.T) {
	a, err := NewTokenIssuer(nil, time.Hour)
	require.NoError(t, err)
	b, err := NewTokenIssuer(nil, time.Hour)
	require.NoError(t, err)

	token, err := a.Issue("sensor-1", "session-1")
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.NoError(t, err)
	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewTokenIssuer([]byte("secret"), 0)
	assert.Error(t, err)
}

func TestExpiredTokenFails(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("secret"), time.Minute)
	require.NoError(t, err)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := issuer.Issue("sensor-1", "session-1")
	require.NoError(t, err)
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestForeignTokensFail(t *testing.T) {
	secret := []byte("secret")
	issuer, err := NewTokenIssuer(secret, time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    TokenIssuerName,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = issuer.Verify(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone",
		Subject:   "sensor-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	require.NoError(t, err)
	_, err = issuer.Verify(otherIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:  TokenIssuerName,
		Subject: "sensor-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
