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

// Package autoreply decides whether and how to answer an inbound message
// with one of the tenant's canned responses.
//
// A run moves through CheckEnabled, FetchCandidates, Match, SelectResponse,
// Send and Log, and may stop after any step. Business outcomes are reported
// in the Result; only infrastructure failures make Success false.
package autoreply

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/wainbox/ingestion/internal/matcher"
	"github.com/wainbox/ingestion/internal/models"
	"github.com/wainbox/ingestion/internal/retry"
	"github.com/wainbox/ingestion/internal/sender"
)

const (
	// DefaultThreshold is the minimum confidence for using a matched response.
	DefaultThreshold = 70
	// DefaultFallbackMessage is sent when no canned response matches confidently.
	DefaultFallbackMessage = "Thank you for your message! Our team will get back to you shortly."
	// DefaultLogTimeout bounds the audit write.
	DefaultLogTimeout = 5 * time.Second
)

// ErrNoResponses is reported when the tenant has no active canned responses.
var ErrNoResponses = errors.New("no canned responses configured")

// Request identifies the inbound message to answer.
type Request struct {
	UserID        string `json:"userId"`
	UserMessage   string `json:"userMessage"`
	FromNumber    string `json:"fromNumber"`
	PhoneNumberID string `json:"phoneNumberId"`
	MessageID     string `json:"messageId"`
}

// Result is the outcome of one run.
type Result struct {
	Success         bool   `json:"success"`
	MessageSent     bool   `json:"messageSent"`
	ConfidenceScore int    `json:"confidenceScore"`
	UsedFallback    bool   `json:"usedFallback"`
	Error           string `json:"error,omitempty"`
}

// Settings reads the tenant's auto-reply flag.
type Settings interface {
	AutoReplyEnabled(ctx context.Context, userID string) (bool, error)
}

// Candidates reads the tenant's active canned responses.
type Candidates interface {
	ActiveCannedResponses(ctx context.Context, userID string) ([]models.CannedResponse, error)
}

// Matcher picks a candidate for a message. It must not fail.
type Matcher interface {
	Match(ctx context.Context, userMessage string, candidates []matcher.Candidate) matcher.Result
}

// Sender delivers the chosen text.
type Sender interface {
	Send(ctx context.Context, userID, recipientPhone, text string) sender.Result
}

// AuditLog records each decision.
type AuditLog interface {
	AppendReplyLog(ctx context.Context, l models.ReplyLog) error
}

// Config holds the reply policy.
type Config struct {
	// Threshold is the minimum confidence for a match; nil means DefaultThreshold.
	Threshold       *int
	FallbackMessage string
	LogTimeout      time.Duration
}

// Orchestrator runs auto-replies.
type Orchestrator struct {
	settings   Settings
	candidates Candidates
	matcher    Matcher
	sender     Sender
	audit      AuditLog
	exec       *retry.Executor
	cfg        Config
	threshold  int
}

// New creates an orchestrator. Unset config values fall back to the defaults.
func New(settings Settings, candidates Candidates, m Matcher, s Sender, audit AuditLog, exec *retry.Executor, cfg Config) *Orchestrator {
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	if cfg.LogTimeout <= 0 {
		cfg.LogTimeout = DefaultLogTimeout
	}
	return &Orchestrator{
		settings:   settings,
		candidates: candidates,
		matcher:    m,
		sender:     s,
		audit:      audit,
		exec:       exec,
		cfg:        cfg,
		threshold:  threshold,
	}
}

// Run answers one inbound message.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	logger := slog.With("user_id", req.UserID, "message_id", req.MessageID)

	enabled, err := retry.Do(ctx, o.exec, "read auto-reply setting", func(ctx context.Context) (bool, error) {
		return o.settings.AutoReplyEnabled(ctx, req.UserID)
	})
	if err != nil {
		logger.Error("auto-reply setting unavailable", "error", err)
		return Result{Error: "failed to read auto-reply settings"}
	}
	if !enabled {
		logger.Debug("auto-reply disabled")
		return Result{Success: true}
	}

	responses, err := retry.Do(ctx, o.exec, "read canned responses", func(ctx context.Context) ([]models.CannedResponse, error) {
		return o.candidates.ActiveCannedResponses(ctx, req.UserID)
	})
	if err != nil {
		logger.Error("canned responses unavailable", "error", err)
		return Result{Error: "failed to read canned responses"}
	}
	if len(responses) == 0 {
		logger.Info("auto-reply enabled but no canned responses")
		return Result{Error: ErrNoResponses.Error()}
	}

	candidates := make([]matcher.Candidate, len(responses))
	for i, r := range responses {
		candidates[i] = matcher.Candidate{Text: r.Text, Keywords: r.Keywords, Category: r.Category}
	}
	match := o.matcher.Match(ctx, req.UserMessage, candidates)

	text := o.cfg.FallbackMessage
	var selectedID *string
	usedFallback := true
	if idx := match.MatchedIndex; idx != nil && *idx >= 0 && *idx < len(responses) && match.ConfidenceScore >= o.threshold {
		text = responses[*idx].Text
		id := responses[*idx].ID
		selectedID = &id
		usedFallback = false
	}

	sent := o.sender.Send(ctx, req.UserID, req.FromNumber, text)

	o.appendLog(ctx, models.ReplyLog{
		UserID:             req.UserID,
		MessageID:          req.MessageID,
		SelectedResponseID: selectedID,
		SelectedText:       text,
		ConfidenceScore:    match.ConfidenceScore,
		Sent:               sent.Success,
		MatcherOutput:      matcherOutput(match),
	})

	logger.Info("auto-reply decided",
		"confidence", match.ConfidenceScore,
		"used_fallback", usedFallback,
		"sent", sent.Success,
	)

	res := Result{
		Success:         sent.Success,
		MessageSent:     sent.Success,
		ConfidenceScore: match.ConfidenceScore,
		UsedFallback:    usedFallback,
	}
	if !sent.Success {
		res.Error = sent.Error
	}
	return res
}

// appendLog writes the audit row on its own deadline. Its failure never
// affects the run's result.
func (o *Orchestrator) appendLog(ctx context.Context, l models.ReplyLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.LogTimeout)
	defer cancel()

	if err := o.audit.AppendReplyLog(ctx, l); err != nil {
		slog.Error("auto-reply audit log failed",
			"user_id", l.UserID,
			"message_id", l.MessageID,
			"error", err,
		)
	}
}

func matcherOutput(r matcher.Result) string {
	if r.Raw != "" {
		return r.Raw
	}
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}
