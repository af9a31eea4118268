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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wainbox/ingestion/internal/auth"
	"github.com/wainbox/ingestion/internal/autoreply"
	"github.com/wainbox/ingestion/internal/models"
	"github.com/wainbox/ingestion/internal/sender"
)

type mockSender struct {
	userID, phone, text string
	result              sender.Result
}

func (m *mockSender) Send(_ context.Context, userID, phone, text string) sender.Result {
	m.userID, m.phone, m.text = userID, phone, text
	return m.result
}

type mockReplier struct {
	calls  int
	result autoreply.Result
}

func (m *mockReplier) Run(_ context.Context, _ autoreply.Request) autoreply.Result {
	m.calls++
	return m.result
}

type mockMessages struct {
	userID  string
	since   int64
	afterID string
	limit   int
	msgs    []models.Message
	err     error
}

func (m *mockMessages) ListMessages(_ context.Context, userID string, since int64, afterID string, limit int) ([]models.Message, error) {
	m.userID, m.since, m.afterID, m.limit = userID, since, afterID, limit
	return m.msgs, m.err
}

// orderedMessages applies the store's cursor predicate to rows already
// sorted by (timestamp, id).
type orderedMessages struct {
	rows []models.Message
}

func (o *orderedMessages) ListMessages(_ context.Context, _ string, since int64, afterID string, limit int) ([]models.Message, error) {
	var out []models.Message
	for _, m := range o.rows {
		after := m.Timestamp > since || (afterID != "" && m.Timestamp == since && m.ID > afterID)
		if after && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

type fixture struct {
	handler  http.Handler
	sender   *mockSender
	replier  *mockReplier
	messages *mockMessages
	token    string
}

func newFixture(t *testing.T, checks ...HealthCheck) *fixture {
	t.Helper()
	j := auth.NewJWT("test-secret")
	tok, err := j.Sign("user-1", "owner@example.com", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	f := &fixture{
		sender:   &mockSender{result: sender.Result{Success: true, MessageID: "wamid.out"}},
		replier:  &mockReplier{result: autoreply.Result{Success: true, MessageSent: true, ConfidenceScore: 90}},
		messages: &mockMessages{},
		token:    tok,
	}
	f.handler = NewRouter(Deps{
		JWT:          j,
		Sender:       f.sender,
		AutoReplier:  f.replier,
		Messages:     f.messages,
		HealthChecks: checks,
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	})
	return f
}

func (f *fixture) do(method, target, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestSend(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/send", `{"recipientPhone":"4915112345","message":"hello"}`, true)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["success"] != true || got["message_id"] != "wamid.out" {
		t.Errorf("body = %v", got)
	}
	if f.sender.userID != "user-1" || f.sender.phone != "4915112345" || f.sender.text != "hello" {
		t.Errorf("sender got %+v", f.sender)
	}
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		authed bool
		result sender.Result
		code   int
	}{
		{"unauthenticated", `{"recipientPhone":"1","message":"x"}`, false, sender.Result{}, http.StatusUnauthorized},
		{"bad json", `{`, true, sender.Result{}, http.StatusBadRequest},
		{"missing message", `{"recipientPhone":"1"}`, true, sender.Result{}, http.StatusBadRequest},
		{"provider failure", `{"recipientPhone":"1","message":"x"}`, true, sender.Result{Error: "Invalid OAuth access token."}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sender.result = tt.result
			rec := f.do(http.MethodPost, "/api/send", tt.body, tt.authed)
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d (body %s)", rec.Code, tt.code, rec.Body)
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Errorf("body has no error field: %s", rec.Body)
			}
		})
	}
}

func TestAutoReply(t *testing.T) {
	body := `{"userId":"user-1","userMessage":"hours?","fromNumber":"4915112345","phoneNumberId":"PN1","messageId":"wamid.1"}`

	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/ai/auto-reply", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body)
	}
	var got autoreply.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.MessageSent || got.ConfidenceScore != 90 {
		t.Errorf("result = %+v", got)
	}

	f.replier.result = autoreply.Result{Error: "no canned responses configured"}
	if rec := f.do(http.MethodPost, "/api/ai/auto-reply", body, true); rec.Code != http.StatusInternalServerError {
		t.Errorf("failed run code = %d, want 500", rec.Code)
	}
}

func TestAutoReply_OtherTenant(t *testing.T) {
	f := newFixture(t)
	body := `{"userId":"user-2","userMessage":"hours?","fromNumber":"4915112345","messageId":"wamid.1"}`

	rec := f.do(http.MethodPost, "/api/ai/auto-reply", body, true)
	if rec.Code != http.StatusForbidden {
		t.Errorf("code = %d, want 403", rec.Code)
	}
	if f.replier.calls != 0 {
		t.Error("orchestrator must not run for another tenant")
	}
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	f.messages.msgs = []models.Message{{ID: "a", Timestamp: 101}, {ID: "b", Timestamp: 105}}

	rec := f.do(http.MethodGet, "/api/messages?since=100&limit=2", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body)
	}
	if f.messages.userID != "user-1" || f.messages.since != 100 || f.messages.limit != 2 {
		t.Errorf("store got user=%q since=%d limit=%d", f.messages.userID, f.messages.since, f.messages.limit)
	}

	var got messagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Messages) != 2 || got.Cursor != 105 || got.CursorID != "b" {
		t.Errorf("response = %+v", got)
	}
}

func TestListMessages_PagesThroughSameSecond(t *testing.T) {
	f := newFixture(t)
	rows := []models.Message{
		{ID: "a", Timestamp: 100},
		{ID: "b", Timestamp: 100},
		{ID: "c", Timestamp: 100},
		{ID: "d", Timestamp: 101},
	}
	f.handler = NewRouter(Deps{JWT: auth.NewJWT("test-secret"), Messages: &orderedMessages{rows: rows}})

	var seen []string
	target := "/api/messages?since=0&limit=1"
	for range len(rows) + 1 {
		rec := f.do(http.MethodGet, target, "", true)
		if rec.Code != http.StatusOK {
			t.Fatalf("code = %d, body = %s", rec.Code, rec.Body)
		}
		var page messagesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(page.Messages) == 0 {
			break
		}
		for _, m := range page.Messages {
			seen = append(seen, m.ID)
		}
		target = fmt.Sprintf("/api/messages?since=%d&after_id=%s&limit=1", page.Cursor, page.CursorID)
	}

	if strings.Join(seen, ",") != "a,b,c,d" {
		t.Errorf("paged through %v, want a,b,c,d", seen)
	}
}

func TestListMessages_Empty(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/messages?since=500", "", true)
	if !strings.Contains(rec.Body.String(), `"messages":[]`) || !strings.Contains(rec.Body.String(), `"cursor":500`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestListMessages_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		code   int
	}{
		{"bad since", "/api/messages?since=yesterday", nil, http.StatusBadRequest},
		{"negative limit", "/api/messages?limit=-1", nil, http.StatusBadRequest},
		{"store error", "/api/messages", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.messages.err = tt.err
			if rec := f.do(http.MethodGet, tt.target, "", true); rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	ok := HealthCheck{Name: "postgres", Ping: func(context.Context) error { return nil }}
	down := HealthCheck{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }}

	if rec := newFixture(t, ok).do(http.MethodGet, "/health", "", false); rec.Code != http.StatusOK {
		t.Errorf("healthy code = %d", rec.Code)
	}

	rec := newFixture(t, ok, down).do(http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"redis":"unhealthy"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestRouting(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(http.MethodPost, "/webhook", "{}", false); rec.Code != http.StatusTeapot {
		t.Errorf("webhook not mounted, code = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/send", "", true); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/send code = %d, want 405", rec.Code)
	}
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", rec.Code)
	}
}
