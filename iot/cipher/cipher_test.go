// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package cipher

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	a := DeriveKey([]byte("session key"))
	assert.Len(t, a, KeySize)
	assert.Equal(t, a, DeriveKey([]byte("session key")))
	assert.NotEqual(t, a, DeriveKey([]byte("other key")))
	assert.Len(t, DeriveKey(nil), KeySize)
	assert.Len(t, DeriveKey(bytes.Repeat([]byte("x"), 1000)), KeySize)
}

func TestRoundTrip(t *testing.T) {
	c, err := NewFromString("6f1c0a7e")
	require.NoError(t, err)

	random := make([]byte, 1000)
	_, err = rand.Read(random)
	require.NoError(t, err)

	for _, plaintext := range [][]byte{
		{},
		[]byte(`{"t":21.5}`),
		bytes.Repeat([]byte{0x10}, 16),
		bytes.Repeat([]byte("a"), 47),
		random,
	} {
		envelope, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(envelope, Delimiter))

		got, err := c.Decrypt(envelope)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, got), "len %d", len(plaintext))
	}
}

func TestEnvelopesDiffer(t *testing.T) {
	c, err := NewFromString("key")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte(`{"t":21.5}`))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte(`{"t":21.5}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, strings.Split(a, Delimiter)[0], strings.Split(b, Delimiter)[0])
}

func TestWrongKeyFails(t *testing.T) {
	a, err := NewFromString("key a")
	require.NoError(t, err)
	b, err := NewFromString("key b")
	require.NoError(t, err)

	envelope, err := a.Encrypt([]byte("hello"))
	require.NoError(t, err)
	_, err = b.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestTamperedEnvelopeFails(t *testing.T) {
	c, err := NewFromString("key")
	require.NoError(t, err)
	envelope, err := c.Encrypt([]byte(`{"t":21.5,"humidity":40}`))
	require.NoError(t, err)
	parts := strings.Split(envelope, Delimiter)

	flip := func(s string, i int) string {
		raw, err := hex.DecodeString(s)
		require.NoError(t, err)
		raw[i] ^= 0x01
		return hex.EncodeToString(raw)
	}

	for i := 0; i < IVSize; i++ {
		_, err := c.Decrypt(flip(parts[0], i) + Delimiter + parts[1])
		assert.ErrorIs(t, err, ErrDecryptionFailure, "iv byte %d", i)
	}
	body, _ := hex.DecodeString(parts[1])
	for i := range body {
		_, err := c.Decrypt(parts[0] + Delimiter + flip(parts[1], i))
		assert.ErrorIs(t, err, ErrDecryptionFailure, "ciphertext byte %d", i)
	}
}

func TestMalformedEnvelopeFails(t *testing.T) {
	c, err := NewFromString("key")
	require.NoError(t, err)
	envelope, err := c.Encrypt([]byte("hello"))
	require.NoError(t, err)
	parts := strings.Split(envelope, Delimiter)

	for name, malformed := range map[string]string{
		"missing delimiter":    parts[0] + parts[1],
		"extra delimiter":      parts[0] + Delimiter + parts[1] + Delimiter,
		"truncated iv":         parts[0][2:] + Delimiter + parts[1],
		"iv not hex":           strings.Repeat("g", 2*IVSize) + Delimiter + parts[1],
		"ciphertext not hex":   parts[0] + Delimiter + "xyz",
		"truncated ciphertext": parts[0] + Delimiter + parts[1][:len(parts[1])-2],
		"empty ciphertext":     parts[0] + Delimiter,
		"empty":                "",
	} {
		_, err := c.Decrypt(malformed)
		assert.ErrorIs(t, err, ErrMalformedEnvelope, name)
	}
}

func TestUnpad(t *testing.T) {
	_, err := unpad([]byte{}, 16)
	assert.Error(t, err)
	_, err = unpad(bytes.Repeat([]byte{0}, 16), 16)
	assert.Error(t, err)
	_, err = unpad(append(bytes.Repeat([]byte{1}, 15), 17), 16)
	assert.Error(t, err)
	_, err = unpad(append(bytes.Repeat([]byte{1}, 14), 3, 2), 16)
	assert.Error(t, err)

	got, err := unpad(append([]byte("abc"), bytes.Repeat([]byte{13}, 13)...), 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}
