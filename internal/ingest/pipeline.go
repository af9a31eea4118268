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

// Package ingest turns a verified webhook payload into stored messages,
// applied statuses and at most one auto-reply per message.
package ingest

import (
	"context"
	"log/slog"

	"github.com/wainbox/ingestion/internal/autoreply"
	"github.com/wainbox/ingestion/internal/events"
	"github.com/wainbox/ingestion/internal/models"
	"github.com/wainbox/ingestion/internal/retry"
	"github.com/wainbox/ingestion/internal/whatsapp"
)

// Store is the subset of the message store the pipeline writes to.
type Store interface {
	ResolveAccount(ctx context.Context, phoneNumberID string) (*models.Account, error)
	UpsertInbound(ctx context.Context, m models.Message) (bool, error)
	ApplyStatus(ctx context.Context, userID, messageID string, status models.MessageStatus, ts int64) (models.StatusOutcome, error)
	ClaimReply(ctx context.Context, userID, messageID string) (bool, error)
	ReleaseReply(ctx context.Context, userID, messageID string) error
}

// AutoReplier answers a newly stored message.
type AutoReplier interface {
	Run(ctx context.Context, req autoreply.Request) autoreply.Result
}

// ReplyGuard is a fast, expiring pre-check in front of the durable reply
// claim kept in the store.
type ReplyGuard interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Summary counts what happened to one payload.
type Summary struct {
	Messages        int
	Stored          int
	Duplicates      int
	Replies         int
	Statuses        int
	StatusesApplied int
	StatusesStale   int
	StatusesPending int
	Skipped         int
	Failed          int
}

// Pipeline processes payloads. It holds no mutable state; every Process
// call is independent.
type Pipeline struct {
	store     Store
	exec      *retry.Executor
	replier   AutoReplier
	guard     ReplyGuard
	publisher events.Publisher
}

// NewPipeline creates a pipeline. replier, guard and publisher may be nil.
func NewPipeline(store Store, exec *retry.Executor, replier AutoReplier, guard ReplyGuard, publisher events.Publisher) *Pipeline {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Pipeline{
		store:     store,
		exec:      exec,
		replier:   replier,
		guard:     guard,
		publisher: publisher,
	}
}

// Process handles every message and then every status in the payload.
// Each event is isolated: a failure is counted and logged, and processing
// continues with the next event.
func (p *Pipeline) Process(ctx context.Context, payload *whatsapp.Payload) Summary {
	var sum Summary
	accounts := make(map[string]*models.Account)

	for msg := range whatsapp.Messages(payload) {
		sum.Messages++
		p.processMessage(ctx, msg, accounts, &sum)
	}

	for st := range whatsapp.Statuses(payload) {
		sum.Statuses++
		p.processStatus(ctx, st, accounts, &sum)
	}

	if sum.Messages > 0 || sum.Statuses > 0 {
		slog.Info("webhook payload processed",
			"messages", sum.Messages,
			"stored", sum.Stored,
			"duplicates", sum.Duplicates,
			"replies", sum.Replies,
			"statuses", sum.Statuses,
			"statuses_applied", sum.StatusesApplied,
			"statuses_pending", sum.StatusesPending,
			"skipped", sum.Skipped,
			"failed", sum.Failed,
		)
	}
	return sum
}

// account resolves a phone number id once per payload.
func (p *Pipeline) account(ctx context.Context, phoneNumberID string, cache map[string]*models.Account) (*models.Account, error) {
	if a, ok := cache[phoneNumberID]; ok {
		return a, nil
	}
	a, err := retry.Do(ctx, p.exec, "resolve account", func(ctx context.Context) (*models.Account, error) {
		return p.store.ResolveAccount(ctx, phoneNumberID)
	})
	if err != nil {
		return nil, err
	}
	cache[phoneNumberID] = a
	return a, nil
}

func (p *Pipeline) processMessage(ctx context.Context, in whatsapp.InboundMessage, accounts map[string]*models.Account, sum *Summary) {
	logger := slog.With("message_id", in.ID, "phone_number_id", in.PhoneNumberID)

	acct, err := p.account(ctx, in.PhoneNumberID, accounts)
	if err != nil {
		logger.Error("account lookup failed", "error", err)
		sum.Failed++
		return
	}
	if acct == nil {
		logger.Warn("no active account for phone number, dropping message")
		sum.Skipped++
		return
	}

	msg := models.Message{
		ID:            in.ID,
		UserID:        acct.UserID,
		PhoneNumberID: in.PhoneNumberID,
		FromNumber:    in.From,
		ToNumber:      in.To,
		Direction:     models.DirectionInbound,
		Text:          in.Text,
		Type:          in.Type,
		Timestamp:     in.Timestamp,
		Status:        models.StatusReceived,
		ContactName:   in.ContactName,
		Metadata:      in.Raw,
	}

	inserted, err := retry.Do(ctx, p.exec, "upsert inbound message", func(ctx context.Context) (bool, error) {
		return p.store.UpsertInbound(ctx, msg)
	})
	if err != nil {
		logger.Error("message not stored", "user_id", acct.UserID, "error", err)
		sum.Failed++
		return
	}

	if inserted {
		sum.Stored++
		p.publish(ctx, events.TypeMessageReceived, msg.UserID, msg.ID, msg)
	} else {
		sum.Duplicates++
		logger.Debug("duplicate delivery", "user_id", acct.UserID)
	}

	if p.replier == nil || !p.claimReply(ctx, msg, inserted) {
		return
	}
	if msg.Text == "" {
		logger.Debug("no text to answer, skipping auto-reply", "type", msg.Type)
		return
	}

	res := p.replier.Run(ctx, autoreply.Request{
		UserID:        msg.UserID,
		UserMessage:   msg.Text,
		FromNumber:    msg.FromNumber,
		PhoneNumberID: msg.PhoneNumberID,
		MessageID:     msg.ID,
	})
	if res.MessageSent {
		sum.Replies++
	}
	if !res.Success && !res.MessageSent {
		logger.Warn("auto-reply did not complete", "user_id", msg.UserID, "error", res.Error)
		p.releaseReply(ctx, msg)
	}
}

// claimReply decides whether this delivery runs the auto-reply. The durable
// claim on the stored message decides; the guard only short-circuits
// deliveries it has already seen. If the store cannot be reached the insert
// result decides.
func (p *Pipeline) claimReply(ctx context.Context, msg models.Message, inserted bool) bool {
	if p.guard != nil {
		fresh, err := p.guard.IsNew(ctx, msg.ID)
		switch {
		case err != nil:
			slog.Warn("reply guard unavailable", "message_id", msg.ID, "error", err)
		case !fresh:
			return false
		}
	}

	claimed, err := retry.Do(ctx, p.exec, "claim auto-reply", func(ctx context.Context) (bool, error) {
		return p.store.ClaimReply(ctx, msg.UserID, msg.ID)
	})
	if err != nil {
		slog.Warn("reply claim failed, falling back to insert result",
			"message_id", msg.ID,
			"error", err,
		)
		return inserted
	}
	return claimed
}

// releaseReply lets a later redelivery retry an auto-reply that sent nothing.
func (p *Pipeline) releaseReply(ctx context.Context, msg models.Message) {
	if err := p.store.ReleaseReply(ctx, msg.UserID, msg.ID); err != nil {
		slog.Warn("release reply claim", "message_id", msg.ID, "error", err)
	}
	if p.guard == nil {
		return
	}
	if err := p.guard.Release(ctx, msg.ID); err != nil {
		slog.Warn("release reply guard", "message_id", msg.ID, "error", err)
	}
}

func (p *Pipeline) processStatus(ctx context.Context, st whatsapp.StatusUpdate, accounts map[string]*models.Account, sum *Summary) {
	logger := slog.With("message_id", st.MessageID, "phone_number_id", st.PhoneNumberID)

	status, ok := models.ParseStatus(st.Status)
	if !ok {
		logger.Warn("ignoring unknown status", "status", st.Status)
		sum.Skipped++
		return
	}

	acct, err := p.account(ctx, st.PhoneNumberID, accounts)
	if err != nil {
		logger.Error("account lookup failed", "error", err)
		sum.Failed++
		return
	}
	if acct == nil {
		logger.Warn("no active account for phone number, dropping status")
		sum.Skipped++
		return
	}

	outcome, err := retry.Do(ctx, p.exec, "apply status", func(ctx context.Context) (models.StatusOutcome, error) {
		return p.store.ApplyStatus(ctx, acct.UserID, st.MessageID, status, st.Timestamp)
	})
	if err != nil {
		logger.Error("status not applied", "user_id", acct.UserID, "status", status, "error", err)
		sum.Failed++
		return
	}

	switch outcome {
	case models.StatusApplied:
		sum.StatusesApplied++
		p.publish(ctx, events.TypeMessageStatus, acct.UserID, st.MessageID, map[string]any{
			"status":    status,
			"timestamp": st.Timestamp,
		})
	case models.StatusStale:
		sum.StatusesStale++
	case models.StatusBuffered:
		sum.StatusesPending++
	}
	logger.Debug("status processed", "status", status, "outcome", outcome.String())
}

func (p *Pipeline) publish(ctx context.Context, eventType, userID, messageID string, data any) {
	evt, err := events.New(eventType, userID, messageID, data)
	if err == nil {
		err = p.publisher.Publish(ctx, evt)
	}
	if err != nil {
		slog.Warn("publish event", "type", eventType, "message_id", messageID, "error", err)
	}
}
