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

// ErrUnknownStatus is returned for a status outside the known ordering.
var ErrUnknownStatus = errors.New("unknown message status")

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// UpsertInbound inserts an inbound message unless a row with the same id
// already exists. It reports whether this call created the row. Any status
// buffered for the message before it arrived is applied in the same
// transaction.
func (s *Store) UpsertInbound(ctx context.Context, m models.Message) (bool, error) {
	m.Direction = models.DirectionInbound
	if m.Status == "" {
		m.Status = models.StatusReceived
	}
	return s.insertMessage(ctx, m)
}

// InsertOutbound records a message sent through the provider. A row that
// already exists is left untouched.
func (s *Store) InsertOutbound(ctx context.Context, m models.Message) error {
	m.Direction = models.DirectionOutbound
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	_, err := s.insertMessage(ctx, m)
	return err
}

func (s *Store) insertMessage(ctx context.Context, m models.Message) (bool, error) {
	rank := m.Status.Rank()
	if rank < 0 {
		return false, fmt.Errorf("%w: %q", ErrUnknownStatus, m.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockMessage(ctx, tx, m.UserID, m.ID); err != nil {
		return false, err
	}

	var metadata any
	if len(m.Metadata) > 0 {
		metadata = string(m.Metadata)
	}

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO messages
			(id, user_id, phone_number_id, from_number, to_number, direction,
			 text, type, timestamp, status, status_rank, contact_name, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb)
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`, m.ID, m.UserID, m.PhoneNumberID, m.FromNumber, m.ToNumber, string(m.Direction),
		m.Text, m.Type, m.Timestamp, string(m.Status), rank, m.ContactName, metadata,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	var pending string
	var pendingRank int
	var pendingTS int64
	err = tx.QueryRow(ctx, `
		DELETE FROM pending_statuses
		WHERE user_id = $1 AND message_id = $2
		RETURNING status, status_rank, timestamp
	`, m.UserID, m.ID).Scan(&pending, &pendingRank, &pendingTS)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("take pending status: %w", err)
	case pendingRank > rank:
		if _, err := tx.Exec(ctx, `
			UPDATE messages
			SET status = $1, status_rank = $2, status_timestamp = $3, updated_at = NOW()
			WHERE id = $4 AND user_id = $5
		`, pending, pendingRank, pendingTS, m.ID, m.UserID); err != nil {
			return false, fmt.Errorf("apply pending status: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit insert: %w", err)
	}
	return true, nil
}

// ApplyStatus advances a message's status when the new status ranks
// strictly higher than the stored one. Updates for messages not yet stored
// are buffered and applied when the message is inserted.
func (s *Store) ApplyStatus(ctx context.Context, userID, messageID string, status models.MessageStatus, ts int64) (models.StatusOutcome, error) {
	rank := status.Rank()
	if rank < 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin status: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockMessage(ctx, tx, userID, messageID); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE messages
		SET status = $1, status_rank = $2, status_timestamp = $3, updated_at = NOW()
		WHERE id = $4 AND user_id = $5 AND status_rank < $2
	`, string(status), rank, ts, messageID, userID)
	if err != nil {
		return 0, fmt.Errorf("update status: %w", err)
	}

	outcome := models.StatusApplied
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND user_id = $2)
		`, messageID, userID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check message: %w", err)
		}

		outcome = models.StatusStale
		if !exists {
			if _, err := tx.Exec(ctx, `
				INSERT INTO pending_statuses (user_id, message_id, status, status_rank, timestamp)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (user_id, message_id) DO UPDATE SET
					status      = EXCLUDED.status,
					status_rank = EXCLUDED.status_rank,
					timestamp   = EXCLUDED.timestamp
				WHERE pending_statuses.status_rank < EXCLUDED.status_rank
			`, userID, messageID, string(status), rank, ts); err != nil {
				return 0, fmt.Errorf("buffer status: %w", err)
			}
			outcome = models.StatusBuffered
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit status: %w", err)
	}
	return outcome, nil
}

// lockMessage serialises the insert and status paths of one message until
// the transaction ends, so a status is either seen by the insert's pending
// lookup or finds the inserted row.
func lockMessage(ctx context.Context, tx pgx.Tx, userID, messageID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`, userID, messageID); err != nil {
		return fmt.Errorf("lock message: %w", err)
	}
	return nil
}

// ListMessages returns the tenant's messages ordered by (timestamp, id),
// starting strictly after the cursor. With an empty afterID the cursor is
// the whole second since; otherwise it is the position (since, afterID), so
// a page boundary inside a second neither skips nor repeats messages.
func (s *Store) ListMessages(ctx context.Context, userID string, since int64, afterID string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, phone_number_id, from_number, to_number, direction,
		       text, type, timestamp, status, contact_name, metadata
		FROM messages
		WHERE user_id = $1
		  AND (timestamp > $2 OR ($3 <> '' AND timestamp = $2 AND id > $3))
		ORDER BY timestamp, id
		LIMIT $4
	`, userID, since, afterID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var direction, status string
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.PhoneNumberID, &m.FromNumber, &m.ToNumber,
			&direction, &m.Text, &m.Type, &m.Timestamp, &status, &m.ContactName, &metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = models.Direction(direction)
		m.Status = models.MessageStatus(status)
		m.Metadata = metadata
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SweepPendingStatuses deletes buffered statuses older than the given age
// and returns how many were removed.
func (s *Store) SweepPendingStatuses(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pending_statuses WHERE created_at < NOW() - $1::interval
	`, interval(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep pending statuses: %w", err)
	}
	return tag.RowsAffected(), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
