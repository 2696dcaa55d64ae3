// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package cipher encrypts device payloads with a key derived from a session key

The cipher key is the first 16 bytes of SHA-256 over the session key material, so
key material of any length yields an AES-128 key. Payloads are PKCS#7 padded and
encrypted with AES-CBC under a fresh random IV per message.

An encrypted payload travels as an envelope

	<ivHex>:<ciphertextHex>

with exactly one delimiter and a 16 byte IV. The ciphertext field carries the CBC
ciphertext followed by a 16 byte authentication tag, an HMAC-SHA256 over IV and
ciphertext with a MAC key expanded from the same key material. Decrypt checks the
tag before it touches the padding. Any modification of an envelope is reported as an
error, corrupted plaintext is never returned.
*/
package cipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the derived cipher key
	KeySize = 16
	// IVSize is the size of the initialization vector
	IVSize = aes.BlockSize
	// TagSize is the size of the authentication tag
	TagSize = 16
	// Delimiter separates IV and ciphertext in an envelope
	Delimiter = ":"
)

var (
	// ErrMalformedEnvelope is returned when an envelope cannot be parsed
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrDecryptionFailure is returned when an envelope does not decrypt
	ErrDecryptionFailure = errors.New("decryption failure")
)

var macInfo = []byte("iotgate mac")

// DeriveKey returns the cipher key for the given key material
func DeriveKey(material []byte) []byte {
	sum := sha256.Sum256(material)
	return sum[:KeySize]
}

// Cipher encrypts and decrypts envelopes under one key. It is safe for
// concurrent use.
type Cipher struct {
	block  cipher.Block
	macKey []byte
}

// New returns a cipher for the given key material
func New(material []byte) (*Cipher, error) {
	block, err := aes.NewCipher(DeriveKey(material))
	if err != nil {
		return nil, err
	}
	macKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, macInfo), macKey); err != nil {
		return nil, fmt.Errorf("cannot derive mac key: %w", err)
	}
	return &Cipher{block: block, macKey: macKey}, nil
}

// NewFromString is New for textual key material, as handed out to devices
func NewFromString(material string) (*Cipher, error) {
	return New([]byte(material))
}

func (c *Cipher) tag(iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, c.macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)[:TagSize]
}

// Encrypt returns the envelope of plaintext. Every call uses a fresh IV.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("cannot generate iv: %w", err)
	}
	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded), len(padded)+TagSize)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)
	ciphertext = append(ciphertext, c.tag(iv, ciphertext)...)
	return hex.EncodeToString(iv) + Delimiter + hex.EncodeToString(ciphertext), nil
}

// Decrypt returns the plaintext of an envelope
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, Delimiter)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected one delimiter, found %d", ErrMalformedEnvelope, len(parts)-1)
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not hex", ErrMalformedEnvelope)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv has %d bytes, expected %d", ErrMalformedEnvelope, len(iv), IVSize)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not hex", ErrMalformedEnvelope)
	}
	if len(data) < aes.BlockSize+TagSize || (len(data)-TagSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext has invalid length %d", ErrMalformedEnvelope, len(data))
	}

	ciphertext, tag := data[:len(data)-TagSize], data[len(data)-TagSize:]
	if !hmac.Equal(tag, c.tag(iv, ciphertext)) {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailure)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)
	plaintext, err = unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return plaintext, nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
