// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package authentication

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/relabs-tech/iotgate/core/logger"
)

// TokenIssuerName is the issuer claim of device tokens
const TokenIssuerName = "iotgate"

// ErrInvalidToken is returned when a device token does not verify
var ErrInvalidToken = errors.New("invalid device token")

// TokenIssuer signs the device tokens handed out after a completed handshake.
// A device presents its token as password when it connects to the broker.
type TokenIssuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenIssuer returns a token issuer signing with HMAC-SHA256. Without a
// secret an ephemeral one is generated, tokens then do not survive a restart.
func NewTokenIssuer(secret []byte, lifetime time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		logger.Default().Warnln("no token secret configured, using an ephemeral one")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("cannot generate token secret: %w", err)
		}
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("token lifetime must be > 0, got %v", lifetime)
	}
	return &TokenIssuer{secret: secret, lifetime: lifetime, now: time.Now}, nil
}

// Issue returns a signed token for the device, identified by the session which
// authenticated it
func (t *TokenIssuer) Issue(deviceID, sessionID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuerName,
		Subject:   deviceID,
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks a token and returns the device it was issued to
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Issuer != TokenIssuerName || len(claims.Subject) == 0 {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
