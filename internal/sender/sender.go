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

// Package sender delivers outbound text messages for a tenant and records
// them in the message store.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wainbox/ingestion/internal/credentials"
	"github.com/wainbox/ingestion/internal/events"
	"github.com/wainbox/ingestion/internal/models"
	"github.com/wainbox/ingestion/internal/retry"
	"github.com/wainbox/ingestion/internal/whatsapp"
)

// Result is the outcome of one send. It doubles as the API response body.
type Result struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CredentialResolver looks up a tenant's account and access token.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string) (*credentials.Credentials, error)
}

// Provider performs the actual Cloud API call.
type Provider interface {
	SendText(ctx context.Context, accessToken, phoneNumberID, to, text string) (string, error)
}

// MessageWriter persists sent messages.
type MessageWriter interface {
	InsertOutbound(ctx context.Context, m models.Message) error
}

// Sender sends messages on behalf of tenants.
type Sender struct {
	resolver  CredentialResolver
	provider  Provider
	messages  MessageWriter
	exec      *retry.Executor
	publisher events.Publisher
	now       func() time.Time
}

// New creates a sender. publisher may be nil.
func New(resolver CredentialResolver, provider Provider, messages MessageWriter, exec *retry.Executor, publisher events.Publisher) *Sender {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Sender{
		resolver:  resolver,
		provider:  provider,
		messages:  messages,
		exec:      exec,
		publisher: publisher,
		now:       time.Now,
	}
}

// Send delivers text to recipientPhone from the tenant's active number.
// The provider is called at most once. Failing to record the sent message
// is logged but does not change the result, since the message has already
// left.
func (s *Sender) Send(ctx context.Context, userID, recipientPhone, text string) Result {
	recipientPhone = strings.TrimSpace(recipientPhone)
	if recipientPhone == "" || strings.TrimSpace(text) == "" {
		return Result{Error: "recipient phone and message are required"}
	}

	creds, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		slog.Warn("cannot resolve credentials for send", "user_id", userID, "error", err)
		return Result{Error: describeCredentialError(err)}
	}

	messageID, err := s.provider.SendText(ctx, creds.AccessToken, creds.PhoneNumberID, recipientPhone, text)
	if err != nil {
		slog.Error("provider send failed",
			"user_id", userID,
			"phone_number_id", creds.PhoneNumberID,
			"error", err,
		)
		return Result{Error: describeProviderError(err)}
	}

	msg := models.Message{
		ID:            messageID,
		UserID:        userID,
		PhoneNumberID: creds.PhoneNumberID,
		FromNumber:    creds.DisplayPhoneNumber,
		ToNumber:      recipientPhone,
		Direction:     models.DirectionOutbound,
		Text:          text,
		Type:          "text",
		Timestamp:     s.now().Unix(),
		Status:        models.StatusSent,
	}
	s.record(ctx, msg)

	return Result{Success: true, MessageID: messageID}
}

func (s *Sender) record(ctx context.Context, msg models.Message) {
	// The send already happened; a cancelled caller must not lose the record.
	ctx = context.WithoutCancel(ctx)

	err := s.exec.Run(ctx, "insert outbound message", func(ctx context.Context) error {
		return s.messages.InsertOutbound(ctx, msg)
	})
	if err != nil {
		slog.Error("sent message not recorded",
			"user_id", msg.UserID,
			"message_id", msg.ID,
			"error", err,
		)
		return
	}

	evt, err := events.New(events.TypeMessageSent, msg.UserID, msg.ID, msg)
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		slog.Warn("publish sent event", "message_id", msg.ID, "error", err)
	}
}

func describeCredentialError(err error) string {
	switch {
	case errors.Is(err, credentials.ErrNoActiveAccount):
		return "no active WhatsApp account connected"
	case errors.Is(err, credentials.ErrNoCredential):
		return "WhatsApp account has no stored access token"
	case errors.Is(err, credentials.ErrTokenExpired):
		return "WhatsApp access token has expired, reconnect the account"
	case errors.Is(err, credentials.ErrDecrypt):
		return "WhatsApp access token could not be read"
	default:
		return "could not load WhatsApp credentials"
	}
}

func describeProviderError(err error) string {
	var apiErr *whatsapp.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fmt.Sprintf("WhatsApp API returned HTTP %d", apiErr.StatusCode)
	}
	return "failed to reach WhatsApp API"
}
