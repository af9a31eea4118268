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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wainbox/ingestion/internal/models"
)

// AutoReplyEnabled reports the tenant's auto-reply setting. An unknown
// tenant reads as disabled.
func (s *Store) AutoReplyEnabled(ctx context.Context, userID string) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx, `
		SELECT auto_reply_enabled FROM users WHERE id = $1
	`, userID).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query auto-reply setting: %w", err)
	}
	return enabled, nil
}

// ActiveCannedResponses returns the tenant's active canned responses in a
// stable order, so that candidate indices are reproducible.
func (s *Store) ActiveCannedResponses(ctx context.Context, userID string) ([]models.CannedResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, response_text, keywords, category, is_active
		FROM canned_responses
		WHERE user_id = $1 AND is_active
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query canned responses: %w", err)
	}
	defer rows.Close()

	var out []models.CannedResponse
	for rows.Next() {
		var r models.CannedResponse
		if err := rows.Scan(&r.ID, &r.UserID, &r.Text, &r.Keywords, &r.Category, &r.IsActive); err != nil {
			return nil, fmt.Errorf("scan canned response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendReplyLog writes one auto-reply decision. Logs are never updated.
func (s *Store) AppendReplyLog(ctx context.Context, l models.ReplyLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_reply_logs
			(id, user_id, message_id, selected_response_id, selected_text,
			 confidence_score, sent, matcher_output)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.UserID, l.MessageID, l.SelectedResponseID, l.SelectedText,
		l.ConfidenceScore, l.Sent, l.MatcherOutput)
	if err != nil {
		return fmt.Errorf("insert reply log: %w", err)
	}
	return nil
}

// ClaimReply marks the stored message as answered by this caller. It returns
// false when the message is unknown or another delivery already claimed it.
// The claim does not expire.
func (s *Store) ClaimReply(ctx context.Context, userID, messageID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET reply_claimed_at = NOW()
		WHERE id = $1 AND user_id = $2 AND reply_claimed_at IS NULL
	`, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("claim reply: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseReply clears a claim whose reply was never sent.
func (s *Store) ReleaseReply(ctx context.Context, userID, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET reply_claimed_at = NULL
		WHERE id = $1 AND user_id = $2
	`, messageID, userID)
	if err != nil {
		return fmt.Errorf("release reply: %w", err)
	}
	return nil
}
