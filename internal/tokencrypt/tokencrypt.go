// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tokencrypt seals provider access tokens at rest with AES-256-GCM.
// The nonce and authentication tag are stored next to the ciphertext.
package tokencrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required key length in bytes.
	KeySize = 32
	// NonceSize is the length of the random IV.
	NonceSize = 12
	// TagSize is the length of the GCM authentication tag.
	TagSize = 16
)

var (
	// ErrTampered is returned when authentication fails on decrypt.
	ErrTampered = errors.New("ciphertext failed authentication")
	// ErrKeySize is returned for keys that are not 32 bytes.
	ErrKeySize = errors.New("encryption key must be 32 bytes")
)

// Sealed is an encrypted token as stored in the credentials table.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Cipher encrypts and decrypts tokens with a single key.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create block cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// ParseKey decodes a configured key. It accepts 64 hex characters, standard
// base64, or a raw 32-byte string.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*KeySize {
		if k, err := hex.DecodeString(s); err == nil {
			return k, nil
		}
	}
	if k, err := base64.StdEncoding.DecodeString(s); err == nil && len(k) == KeySize {
		return k, nil
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, ErrKeySize
}

// Encrypt seals plaintext under a fresh random IV.
func (c *Cipher) Encrypt(plaintext string) (Sealed, error) {
	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}

	out := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(out) - TagSize
	return Sealed{
		Ciphertext: out[:split],
		IV:         iv,
		Tag:        out[split:],
	}, nil
}

// Decrypt opens a sealed token. Any modification of ciphertext, IV or tag
// yields ErrTampered.
func (c *Cipher) Decrypt(s Sealed) (string, error) {
	if len(s.IV) != NonceSize || len(s.Tag) != TagSize {
		return "", ErrTampered
	}

	buf := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	plain, err := c.aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plain), nil
}
