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

// Package models defines the data structures shared across the inbox service.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Direction records which way a message travelled. It is written once at
// insert time and never re-derived from phone numbers.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusReceived  MessageStatus = "received"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// statusRanks orders statuses so that updates can be applied commutatively:
// a status only replaces one with a strictly lower rank.
var statusRanks = map[MessageStatus]int{
	StatusReceived:  0,
	StatusSent:      1,
	StatusFailed:    2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Rank returns the ordering rank of the status, or -1 if unknown.
func (s MessageStatus) Rank() int {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return -1
}

// ParseStatus normalises a provider status string.
func ParseStatus(raw string) (MessageStatus, bool) {
	s := MessageStatus(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := statusRanks[s]
	return s, ok
}

// StatusOutcome reports what a status update did to the store.
type StatusOutcome int

const (
	// StatusApplied means the stored status advanced.
	StatusApplied StatusOutcome = iota
	// StatusStale means the message exists but already has an equal or later status.
	StatusStale
	// StatusBuffered means the message has not been seen yet; the update is
	// held until the message arrives.
	StatusBuffered
)

func (o StatusOutcome) String() string {
	switch o {
	case StatusApplied:
		return "applied"
	case StatusStale:
		return "stale"
	case StatusBuffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// Message is a single WhatsApp message owned by one tenant.
type Message struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	PhoneNumberID string          `json:"phone_number_id"`
	FromNumber    string          `json:"from_number"`
	ToNumber      string          `json:"to_number"`
	Direction     Direction       `json:"direction"`
	Text          string          `json:"text,omitempty"`
	Type          string          `json:"type"`
	Timestamp     int64           `json:"timestamp"`
	Status        MessageStatus   `json:"status"`
	ContactName   string          `json:"contact_name,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Account is a tenant's linked WhatsApp Business phone number.
type Account struct {
	ID                 string
	UserID             string
	BusinessAccountID  string
	PhoneNumberID      string
	DisplayPhoneNumber string
	IsActive           bool
}

// CredentialRecord is the active account of a tenant joined with its
// encrypted access token. HasCredential is false when the account exists
// but no credential row does.
type CredentialRecord struct {
	Account        Account
	HasCredential  bool
	EncryptedToken []byte
	TokenIV        []byte
	TokenTag       []byte
	ExpiresAt      time.Time // zero means the token does not expire
}

// ExpiringCredential identifies a credential close to its expiry.
type ExpiringCredential struct {
	UserID        string
	AccountID     string
	PhoneNumberID string
	ExpiresAt     time.Time
}

// CannedResponse is a tenant-authored candidate reply.
type CannedResponse struct {
	ID       string
	UserID   string
	Text     string
	Keywords []string
	Category string
	IsActive bool
}

// ReplyLog is one append-only auto-reply decision.
type ReplyLog struct {
	ID                 string
	UserID             string
	MessageID          string
	SelectedResponseID *string
	SelectedText       string
	ConfidenceScore    int
	Sent               bool
	MatcherOutput      string
	CreatedAt          time.Time
}
