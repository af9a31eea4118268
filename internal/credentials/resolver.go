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

// Package credentials resolves a tenant's WhatsApp account and decrypted
// access token for outbound calls.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wainbox/ingestion/internal/models"
	"github.com/wainbox/ingestion/internal/tokencrypt"
)

var (
	ErrNoActiveAccount = errors.New("no active WhatsApp account")
	ErrNoCredential    = errors.New("no credential stored for account")
	ErrTokenExpired    = errors.New("access token expired")
	ErrDecrypt         = errors.New("access token could not be decrypted")
)

// Credentials is everything needed to call the provider for one tenant.
// AccessToken must never be logged.
type Credentials struct {
	UserID             string
	AccountID          string
	BusinessAccountID  string
	PhoneNumberID      string
	DisplayPhoneNumber string
	AccessToken        string
	ExpiresAt          time.Time
}

// Source reads the tenant's active account and encrypted credential.
type Source interface {
	ActiveCredential(ctx context.Context, userID string) (*models.CredentialRecord, error)
}

// Resolver combines a credential source with the token cipher.
type Resolver struct {
	source Source
	cipher *tokencrypt.Cipher
	now    func() time.Time
}

// NewResolver creates a resolver.
func NewResolver(source Source, cipher *tokencrypt.Cipher) *Resolver {
	return &Resolver{source: source, cipher: cipher, now: time.Now}
}

// Resolve returns the tenant's usable credentials.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Credentials, error) {
	rec, err := r.source.ActiveCredential(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if rec == nil {
		return nil, ErrNoActiveAccount
	}
	if !rec.HasCredential {
		return nil, ErrNoCredential
	}
	if !rec.ExpiresAt.IsZero() && !r.now().Before(rec.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	token, err := r.cipher.Decrypt(tokencrypt.Sealed{
		Ciphertext: rec.EncryptedToken,
		IV:         rec.TokenIV,
		Tag:        rec.TokenTag,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}

	return &Credentials{
		UserID:             rec.Account.UserID,
		AccountID:          rec.Account.ID,
		BusinessAccountID:  rec.Account.BusinessAccountID,
		PhoneNumberID:      rec.Account.PhoneNumberID,
		DisplayPhoneNumber: rec.Account.DisplayPhoneNumber,
		AccessToken:        token,
		ExpiresAt:          rec.ExpiresAt,
	}, nil
}
