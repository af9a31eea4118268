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
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/wainbox/ingestion/internal/auth"
	"github.com/wainbox/ingestion/internal/autoreply"
	"github.com/wainbox/ingestion/internal/models"
)

const maxRequestBytes = 64 << 10

type sendRequest struct {
	RecipientPhone string `json:"recipientPhone"`
	Message        string `json:"message"`
}

func (s *server) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RecipientPhone) == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "recipientPhone and message are required")
		return
	}

	res := s.deps.Sender.Send(r.Context(), auth.UserID(r.Context()), req.RecipientPhone, req.Message)
	if !res.Success {
		writeError(w, http.StatusBadGateway, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) autoReply(w http.ResponseWriter, r *http.Request) {
	var req autoreply.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.FromNumber == "" || strings.TrimSpace(req.UserMessage) == "" {
		writeError(w, http.StatusBadRequest, "userId, userMessage and fromNumber are required")
		return
	}
	if req.UserID != auth.UserID(r.Context()) {
		writeError(w, http.StatusForbidden, "token does not belong to userId")
		return
	}

	res := s.deps.AutoReplier.Run(r.Context(), req)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

type messagesResponse struct {
	Messages []models.Message `json:"messages"`
	// Cursor and CursorID are passed back as since and after_id.
	Cursor   int64  `json:"cursor"`
	CursorID string `json:"cursor_id,omitempty"`
}

func (s *server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := queryInt(q.Get("since"))
	if err != nil || since < 0 {
		writeError(w, http.StatusBadRequest, "since must be a unix timestamp")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	afterID := q.Get("after_id")

	userID := auth.UserID(r.Context())
	msgs, err := s.deps.Messages.ListMessages(r.Context(), userID, since, afterID, int(limit))
	if err != nil {
		slog.Error("list messages failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}

	resp := messagesResponse{Messages: msgs, Cursor: since, CursorID: afterID}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	if n := len(msgs); n > 0 {
		resp.Cursor = msgs[n-1].Timestamp
		resp.CursorID = msgs[n-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	failed := make(map[string]string)
	for _, c := range s.deps.HealthChecks {
		if err := c.Ping(r.Context()); err != nil {
			slog.Warn("health check failed", "check", c.Name, "error", err)
			failed[c.Name] = "unhealthy"
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func queryInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
