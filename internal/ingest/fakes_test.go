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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/wainbox/ingestion/internal/matcher"
	"github.com/wainbox/ingestion/internal/models"
	"github.com/wainbox/ingestion/internal/sender"
	"github.com/wainbox/ingestion/internal/whatsapp"
)

// memStore models the Postgres store's uniqueness and ranking semantics.
type memStore struct {
	mu sync.Mutex

	accounts map[string]models.Account // by phone number id
	messages map[string]models.Message // by message id
	pending  map[string]models.MessageStatus

	// failure injection
	resolveErr     error
	upsertFailures int
	upsertErr      error
	failIDs        map[string]error
	upsertCalls    int

	claimed  map[string]bool
	claimErr error

	enabled   map[string]bool
	responses map[string][]models.CannedResponse
	logs      []models.ReplyLog
}

func newMemStore() *memStore {
	return &memStore{
		accounts:  make(map[string]models.Account),
		messages:  make(map[string]models.Message),
		pending:   make(map[string]models.MessageStatus),
		claimed:   make(map[string]bool),
		failIDs:   make(map[string]error),
		enabled:   make(map[string]bool),
		responses: make(map[string][]models.CannedResponse),
	}
}

func (s *memStore) addAccount(userID, phoneNumberID, display string) {
	s.accounts[phoneNumberID] = models.Account{
		ID:                 "acct-" + userID,
		UserID:             userID,
		PhoneNumberID:      phoneNumberID,
		DisplayPhoneNumber: display,
		IsActive:           true,
	}
}

func pendingKey(userID, messageID string) string { return userID + "|" + messageID }

func (s *memStore) ResolveAccount(_ context.Context, phoneNumberID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	a, ok := s.accounts[phoneNumberID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *memStore) UpsertInbound(_ context.Context, m models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if err, ok := s.failIDs[m.ID]; ok {
		return false, err
	}
	if s.upsertCalls <= s.upsertFailures {
		return false, s.upsertErr
	}
	if _, exists := s.messages[m.ID]; exists {
		return false, nil
	}
	key := pendingKey(m.UserID, m.ID)
	if st, ok := s.pending[key]; ok {
		if st.Rank() > m.Status.Rank() {
			m.Status = st
		}
		delete(s.pending, key)
	}
	s.messages[m.ID] = m
	return true, nil
}

func (s *memStore) ApplyStatus(_ context.Context, userID, messageID string, status models.MessageStatus, _ int64) (models.StatusOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok || m.UserID != userID {
		key := pendingKey(userID, messageID)
		if cur, ok := s.pending[key]; !ok || cur.Rank() < status.Rank() {
			s.pending[key] = status
		}
		return models.StatusBuffered, nil
	}
	if status.Rank() <= m.Status.Rank() {
		return models.StatusStale, nil
	}
	m.Status = status
	s.messages[messageID] = m
	return models.StatusApplied, nil
}

func (s *memStore) ClaimReply(_ context.Context, userID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	m, ok := s.messages[messageID]
	if !ok || m.UserID != userID || s.claimed[messageID] {
		return false, nil
	}
	s.claimed[messageID] = true
	return true, nil
}

func (s *memStore) ReleaseReply(_ context.Context, userID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[messageID]; ok && m.UserID == userID {
		delete(s.claimed, messageID)
	}
	return nil
}

func (s *memStore) AutoReplyEnabled(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[userID], nil
}

func (s *memStore) ActiveCannedResponses(_ context.Context, userID string) ([]models.CannedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses[userID], nil
}

func (s *memStore) AppendReplyLog(_ context.Context, l models.ReplyLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	return nil
}

func (s *memStore) message(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// memGuard is an in-memory SETNX.
type memGuard struct {
	mu       sync.Mutex
	claimed  map[string]bool
	err      error
	released []string
}

func newMemGuard() *memGuard { return &memGuard{claimed: make(map[string]bool)} }

func (g *memGuard) IsNew(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.claimed[id] {
		return false, nil
	}
	g.claimed[id] = true
	return true, nil
}

// expire drops a claim as a TTL or eviction would.
func (g *memGuard) expire(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, id)
}

func (g *memGuard) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, id)
	g.released = append(g.released, id)
	return nil
}

type fixedMatcher struct {
	result matcher.Result
	calls  int
}

func (m *fixedMatcher) Match(context.Context, string, []matcher.Candidate) matcher.Result {
	m.calls++
	return m.result
}

type outbound struct {
	userID, to, text string
}

type recordingSender struct {
	mu   sync.Mutex
	fail bool
	sent []outbound
}

func (r *recordingSender) Send(_ context.Context, userID, to, text string) sender.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, outbound{userID, to, text})
	if r.fail {
		return sender.Result{Error: "provider unavailable"}
	}
	return sender.Result{Success: true, MessageID: fmt.Sprintf("wamid.out.%d", len(r.sent))}
}

// Payload builders.

type testMessage struct {
	ID, From, Text, Type string
	Timestamp            int64
}

type testStatus struct {
	ID, Status string
	Timestamp  int64
}

func buildPayload(t *testing.T, phoneNumberID, display string, msgs []testMessage, statuses []testStatus) *whatsapp.Payload {
	t.Helper()

	var rawMsgs []map[string]any
	for _, m := range msgs {
		typ := m.Type
		if typ == "" {
			typ = "text"
		}
		el := map[string]any{
			"id":        m.ID,
			"from":      m.From,
			"timestamp": fmt.Sprint(m.Timestamp),
			"type":      typ,
		}
		if typ == "text" {
			el["text"] = map[string]string{"body": m.Text}
		}
		rawMsgs = append(rawMsgs, el)
	}

	var rawStatuses []map[string]any
	for _, s := range statuses {
		rawStatuses = append(rawStatuses, map[string]any{
			"id":           s.ID,
			"status":       s.Status,
			"timestamp":    fmt.Sprint(s.Timestamp),
			"recipient_id": "999",
		})
	}

	value := map[string]any{
		"messaging_product": "whatsapp",
		"metadata":          map[string]string{"display_phone_number": display, "phone_number_id": phoneNumberID},
	}
	if len(rawMsgs) > 0 {
		value["messages"] = rawMsgs
		value["contacts"] = []map[string]any{{"wa_id": msgs[0].From, "profile": map[string]string{"name": "Customer"}}}
	}
	if len(rawStatuses) > 0 {
		value["statuses"] = rawStatuses
	}

	body, err := json.Marshal(map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"id":      "WABA",
			"changes": []map[string]any{{"field": "messages", "value": value}},
		}},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	p, err := whatsapp.Decode(body)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}
