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

// Package store provides the Postgres-backed, tenant-scoped persistence for
// accounts, credentials, messages, canned responses and auto-reply logs.
//
// Message ids are the provider's ids and act as the idempotency key: the
// primary key constraint, not application locking, makes repeated webhook
// deliveries collapse into one row.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a Postgres pool. Every query on tenant-owned data filters by
// user_id except ResolveAccount, which produces the tenant id.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by the given Postgres pool and ensures
// the schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure inbox schema: %w", err)
	}
	slog.Info("inbox store initialised")
	return s, nil
}

// Ping checks connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id                 TEXT PRIMARY KEY,
			email              TEXT NOT NULL DEFAULT '',
			auto_reply_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at         TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS whatsapp_accounts (
			id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
			user_id              TEXT NOT NULL REFERENCES users(id),
			business_account_id  TEXT NOT NULL DEFAULT '',
			phone_number_id      TEXT NOT NULL,
			display_phone_number TEXT NOT NULL DEFAULT '',
			is_active            BOOLEAN NOT NULL DEFAULT TRUE,
			created_at           TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_active_phone
			ON whatsapp_accounts(phone_number_id) WHERE is_active;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_active_user
			ON whatsapp_accounts(user_id) WHERE is_active;

		CREATE TABLE IF NOT EXISTS whatsapp_credentials (
			id              BIGSERIAL PRIMARY KEY,
			account_id      TEXT NOT NULL UNIQUE REFERENCES whatsapp_accounts(id),
			encrypted_token BYTEA NOT NULL,
			token_iv        BYTEA NOT NULL,
			token_tag       BYTEA NOT NULL,
			expires_at      TIMESTAMPTZ,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			phone_number_id  TEXT NOT NULL,
			from_number      TEXT NOT NULL,
			to_number        TEXT NOT NULL DEFAULT '',
			direction        TEXT NOT NULL,
			text             TEXT NOT NULL DEFAULT '',
			type             TEXT NOT NULL DEFAULT 'text',
			timestamp        BIGINT NOT NULL,
			status           TEXT NOT NULL,
			status_rank      INT NOT NULL,
			status_timestamp BIGINT,
			contact_name     TEXT NOT NULL DEFAULT '',
			metadata         JSONB,
			reply_claimed_at TIMESTAMPTZ,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		ALTER TABLE messages ADD COLUMN IF NOT EXISTS reply_claimed_at TIMESTAMPTZ;
		CREATE INDEX IF NOT EXISTS idx_messages_user_ts ON messages(user_id, timestamp, id);

		CREATE TABLE IF NOT EXISTS pending_statuses (
			user_id     TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			status      TEXT NOT NULL,
			status_rank INT NOT NULL,
			timestamp   BIGINT NOT NULL,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (user_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_statuses(created_at);

		CREATE TABLE IF NOT EXISTS canned_responses (
			id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
			user_id       TEXT NOT NULL REFERENCES users(id),
			response_text TEXT NOT NULL,
			keywords      TEXT[] NOT NULL DEFAULT '{}',
			category      TEXT NOT NULL DEFAULT '',
			is_active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_canned_user ON canned_responses(user_id) WHERE is_active;

		CREATE TABLE IF NOT EXISTS ai_reply_logs (
			id                   UUID PRIMARY KEY,
			user_id              TEXT NOT NULL,
			message_id           TEXT NOT NULL,
			selected_response_id TEXT,
			selected_text        TEXT NOT NULL,
			confidence_score     INT NOT NULL,
			sent                 BOOLEAN NOT NULL,
			matcher_output       TEXT NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reply_logs_user ON ai_reply_logs(user_id, created_at);
	`)
	return err
}

// interval renders a duration as a Postgres interval literal.
func interval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
