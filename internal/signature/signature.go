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

// Package signature verifies the X-Hub-Signature-256 header that Meta
// attaches to every webhook delivery.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
)

// HeaderName is the request header carrying the body signature.
const HeaderName = "X-Hub-Signature-256"

const prefix = "sha256="

var (
	// ErrMissingSignature is returned when the request carries no signature header.
	ErrMissingSignature = errors.New("signature header missing")
	// ErrInvalidSignature is returned when the signature does not match the body.
	ErrInvalidSignature = errors.New("signature invalid")
)

// Verifier checks HMAC-SHA256 signatures computed with the app secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. An empty secret puts the verifier in
// degraded mode where every body is accepted with a warning.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify returns nil when header is a valid signature of the raw body.
func (v *Verifier) Verify(body []byte, header string) error {
	if len(v.secret) == 0 {
		slog.Warn("webhook app secret not configured, skipping signature verification")
		return nil
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	if !strings.HasPrefix(header, prefix) {
		return ErrInvalidSignature
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)

	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the header value Meta would send for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}
