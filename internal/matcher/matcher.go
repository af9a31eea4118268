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

// Package matcher asks an OpenAI-compatible chat model which canned
// response, if any, answers an inbound customer message.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Candidate is one canned response offered to the model.
type Candidate struct {
	Text     string
	Keywords []string
	Category string
}

// Result is the model's choice. MatchedIndex is nil when the model found no
// suitable candidate or the call failed.
type Result struct {
	MatchedIndex    *int   `json:"matchedIndex"`
	ConfidenceScore int    `json:"confidenceScore"`
	Reasoning       string `json:"reasoning"`
	Raw             string `json:"-"`
}

// OpenAI matches through the chat completions API.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAI creates a matcher. An empty baseURL uses the OpenAI endpoint.
func NewOpenAI(apiKey, baseURL, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(config),
		model:   model,
		timeout: timeout,
	}
}

const systemPrompt = `You route WhatsApp customer messages to a business's pre-written replies.
Pick the single reply that directly answers the customer's message, or none if no reply fits.
Respond with JSON only, in the form:
{"matchedIndex": <index of the reply or null>, "confidenceScore": <integer 0-100>, "reasoning": "<one sentence>"}`

// Match never returns an error: any failure yields a nil index with zero
// confidence, which callers treat as "use the fallback".
func (m *OpenAI) Match(ctx context.Context, userMessage string, candidates []Candidate) Result {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(userMessage, candidates)},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		slog.Warn("matcher call failed", "model", m.model, "error", err)
		return Result{}
	}
	if len(resp.Choices) == 0 {
		slog.Warn("matcher returned no choices", "model", m.model)
		return Result{}
	}

	content := resp.Choices[0].Message.Content
	res, err := Parse(content)
	if err != nil {
		slog.Warn("matcher output unparseable", "model", m.model, "error", err)
		return Result{Raw: content}
	}
	return res
}

func buildPrompt(userMessage string, candidates []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Customer message:\n%s\n\nAvailable replies:\n", userMessage)
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s", i, c.Text)
		if len(c.Keywords) > 0 {
			fmt.Fprintf(&b, " (keywords: %s)", strings.Join(c.Keywords, ", "))
		}
		if c.Category != "" {
			fmt.Fprintf(&b, " (category: %s)", c.Category)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type wireResult struct {
	MatchedIndex    *float64 `json:"matchedIndex"`
	ConfidenceScore float64  `json:"confidenceScore"`
	Reasoning       string   `json:"reasoning"`
}

// Parse extracts a Result from model output. Markdown code fences and
// surrounding prose are tolerated; confidence is clamped to 0-100 and a
// negative or fractional index is treated as no match.
func Parse(content string) (Result, error) {
	body := strings.TrimSpace(content)
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var w wireResult
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return Result{}, fmt.Errorf("decode matcher output: %w", err)
	}

	res := Result{
		ConfidenceScore: clamp(int(math.Round(w.ConfidenceScore)), 0, 100),
		Reasoning:       w.Reasoning,
		Raw:             content,
	}
	if w.MatchedIndex != nil && *w.MatchedIndex >= 0 && *w.MatchedIndex == math.Trunc(*w.MatchedIndex) {
		idx := int(*w.MatchedIndex)
		res.MatchedIndex = &idx
	}
	return res, nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
