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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wainbox/ingestion/internal/models"
)

// ErrAmbiguousAccount is returned when a phone number id maps to more than
// one active account. The partial unique index should make this impossible;
// it is reported rather than guessed.
var ErrAmbiguousAccount = errors.New("phone number id maps to multiple active accounts")

// ResolveAccount returns the active account for a phone number id, or nil
// when none exists. This is the only lookup without a tenant predicate.
func (s *Store) ResolveAccount(ctx context.Context, phoneNumberID string) (*models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, business_account_id, phone_number_id,
		       display_phone_number, is_active
		FROM whatsapp_accounts
		WHERE phone_number_id = $1 AND is_active
		LIMIT 2
	`, phoneNumberID)
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.BusinessAccountID, &a.PhoneNumberID,
			&a.DisplayPhoneNumber, &a.IsActive); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	switch len(accounts) {
	case 0:
		return nil, nil
	case 1:
		return &accounts[0], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousAccount, phoneNumberID)
	}
}

// ActiveCredential returns the tenant's active account joined with its
// encrypted credential. It returns nil when the tenant has no active
// account; HasCredential is false when the account has no credential row.
func (s *Store) ActiveCredential(ctx context.Context, userID string) (*models.CredentialRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT a.id, a.user_id, a.business_account_id, a.phone_number_id,
		       a.display_phone_number, a.is_active,
		       c.encrypted_token, c.token_iv, c.token_tag, c.expires_at
		FROM whatsapp_accounts a
		LEFT JOIN whatsapp_credentials c ON c.account_id = a.id
		WHERE a.user_id = $1 AND a.is_active
		LIMIT 1
	`, userID)

	var r models.CredentialRecord
	var expiresAt *time.Time
	err := row.Scan(
		&r.Account.ID, &r.Account.UserID, &r.Account.BusinessAccountID, &r.Account.PhoneNumberID,
		&r.Account.DisplayPhoneNumber, &r.Account.IsActive,
		&r.EncryptedToken, &r.TokenIV, &r.TokenTag, &expiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}

	r.HasCredential = r.EncryptedToken != nil
	if expiresAt != nil {
		r.ExpiresAt = *expiresAt
	}
	return &r, nil
}

// ListExpiringCredentials returns credentials of active accounts that expire
// within the given window, including ones already expired.
func (s *Store) ListExpiringCredentials(ctx context.Context, within time.Duration) ([]models.ExpiringCredential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.user_id, a.id, a.phone_number_id, c.expires_at
		FROM whatsapp_credentials c
		JOIN whatsapp_accounts a ON a.id = c.account_id
		WHERE a.is_active
		  AND c.expires_at IS NOT NULL
		  AND c.expires_at < NOW() + $1::interval
		ORDER BY c.expires_at
	`, interval(within))
	if err != nil {
		return nil, fmt.Errorf("query expiring credentials: %w", err)
	}
	defer rows.Close()

	var out []models.ExpiringCredential
	for rows.Next() {
		var e models.ExpiringCredential
		if err := rows.Scan(&e.UserID, &e.AccountID, &e.PhoneNumberID, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan expiring credential: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
