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

package matcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantIndex int // -1 means nil
		wantScore int
		wantErr   bool
	}{
		{name: "plain", content: `{"matchedIndex": 1, "confidenceScore": 85, "reasoning": "hours"}`, wantIndex: 1, wantScore: 85},
		{name: "null index", content: `{"matchedIndex": null, "confidenceScore": 10}`, wantIndex: -1, wantScore: 10},
		{name: "fenced", content: "```json\n{\"matchedIndex\": 0, \"confidenceScore\": 70}\n```", wantIndex: 0, wantScore: 70},
		{name: "prose around", content: `Sure! {"matchedIndex": 2, "confidenceScore": 99.6} hope that helps`, wantIndex: 2, wantScore: 100},
		{name: "clamp high", content: `{"matchedIndex": 0, "confidenceScore": 250}`, wantIndex: 0, wantScore: 100},
		{name: "clamp low", content: `{"matchedIndex": 0, "confidenceScore": -5}`, wantIndex: 0, wantScore: 0},
		{name: "negative index", content: `{"matchedIndex": -1, "confidenceScore": 90}`, wantIndex: -1, wantScore: 90},
		{name: "fractional index", content: `{"matchedIndex": 1.5, "confidenceScore": 90}`, wantIndex: -1, wantScore: 90},
		{name: "garbage", content: "I cannot help with that", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Parse(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantIndex < 0 {
				if res.MatchedIndex != nil {
					t.Errorf("index = %d, want nil", *res.MatchedIndex)
				}
			} else if res.MatchedIndex == nil || *res.MatchedIndex != tt.wantIndex {
				t.Errorf("index = %v, want %d", res.MatchedIndex, tt.wantIndex)
			}
			if res.ConfidenceScore != tt.wantScore {
				t.Errorf("score = %d, want %d", res.ConfidenceScore, tt.wantScore)
			}
		})
	}
}

func completionServer(t *testing.T, status int, content string, gotPrompt *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && gotPrompt != nil && len(req.Messages) == 2 {
			*gotPrompt = req.Messages[1].Content
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"upstream failure","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestMatch_Success(t *testing.T) {
	var prompt string
	srv := completionServer(t, http.StatusOK, `{"matchedIndex": 1, "confidenceScore": 92, "reasoning": "asks for hours"}`, &prompt)
	defer srv.Close()

	m := NewOpenAI("test-key", srv.URL+"/v1", "test-model", time.Second)
	res := m.Match(context.Background(), "When are you open?", []Candidate{
		{Text: "We ship worldwide."},
		{Text: "We are open 9-17 Mon-Fri.", Keywords: []string{"hours", "open"}, Category: "info"},
	})

	if res.MatchedIndex == nil || *res.MatchedIndex != 1 {
		t.Fatalf("index = %v, want 1", res.MatchedIndex)
	}
	if res.ConfidenceScore != 92 {
		t.Errorf("score = %d", res.ConfidenceScore)
	}
	if !strings.Contains(prompt, "[1] We are open 9-17 Mon-Fri. (keywords: hours, open) (category: info)") {
		t.Errorf("prompt missing enumerated candidate:\n%s", prompt)
	}
	if !strings.Contains(prompt, "When are you open?") {
		t.Errorf("prompt missing customer message")
	}
}

func TestMatch_FailuresDegrade(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
	}{
		{"api error", http.StatusInternalServerError, ""},
		{"malformed output", http.StatusOK, "no json here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := completionServer(t, tt.status, tt.content, nil)
			defer srv.Close()

			res := NewOpenAI("k", srv.URL+"/v1", "", time.Second).Match(context.Background(), "hi", []Candidate{{Text: "a"}})
			if res.MatchedIndex != nil || res.ConfidenceScore != 0 {
				t.Errorf("unexpected result: %+v", res)
			}
		})
	}
}

func TestMatch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	res := NewOpenAI("k", srv.URL+"/v1", "", 50*time.Millisecond).Match(context.Background(), "hi", []Candidate{{Text: "a"}})
	if res.MatchedIndex != nil || res.ConfidenceScore != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}
