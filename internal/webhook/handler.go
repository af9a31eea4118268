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

// Package webhook receives WhatsApp Cloud API webhook deliveries. Meta
// verifies the endpoint with a GET challenge and then POSTs signed JSON
// payloads; every delivery is verified before its body is trusted.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wainbox/ingestion/internal/ingest"
	"github.com/wainbox/ingestion/internal/signature"
	"github.com/wainbox/ingestion/internal/whatsapp"
)

const (
	defaultMaxBody        = 1 << 20
	defaultProcessTimeout = 25 * time.Second
)

// Processor handles a verified, decoded payload.
type Processor interface {
	Process(ctx context.Context, p *whatsapp.Payload) ingest.Summary
}

// Archiver keeps a copy of each verified raw body.
type Archiver interface {
	Put(ctx context.Context, body []byte, receivedAt time.Time) (string, error)
}

// Handler serves the webhook endpoint.
type Handler struct {
	verifier       *signature.Verifier
	verifyToken    string
	processor      Processor
	archiver       Archiver
	maxBody        int64
	processTimeout time.Duration
}

// NewHandler creates a webhook handler. archiver may be nil.
func NewHandler(verifier *signature.Verifier, verifyToken string, processor Processor, archiver Archiver, processTimeout time.Duration) *Handler {
	if processTimeout <= 0 {
		processTimeout = defaultProcessTimeout
	}
	return &Handler{
		verifier:       verifier,
		verifyToken:    verifyToken,
		processor:      processor,
		archiver:       archiver,
		maxBody:        defaultMaxBody,
		processTimeout: processTimeout,
	}
}

// ServeVerify answers Meta's subscription challenge:
//
//	GET /webhook?hub.mode=subscribe&hub.verify_token=<token>&hub.challenge=<challenge>
//
// The challenge is echoed back as text/plain when the token matches.
func (h *Handler) ServeVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || h.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		slog.Warn("webhook verification rejected", "mode", mode)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	slog.Info("webhook verification succeeded")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// ServeNotification verifies and processes one delivery. Once the signature
// is valid the response is 200 regardless of per-event outcomes, so that
// the provider does not redeliver events that were already handled.
func (h *Handler) ServeNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		slog.Error("failed to read webhook body", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not read body"})
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(signature.HeaderName)); err != nil {
		slog.Warn("webhook signature rejected",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		msg := "invalid signature"
		if errors.Is(err, signature.ErrMissingSignature) {
			msg = "missing signature"
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msg})
		return
	}

	payload, err := whatsapp.Decode(body)
	if err != nil {
		slog.Error("webhook body is not valid JSON", "body_len", len(body), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalid payload"})
		return
	}

	// Processing outlives a client that hangs up; the provider redelivers
	// anyway and the store makes the repeat harmless.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.processTimeout)
	defer cancel()

	h.archive(ctx, body)
	h.processor.Process(ctx, payload)

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) archive(ctx context.Context, body []byte) {
	if h.archiver == nil {
		return
	}
	key, err := h.archiver.Put(ctx, body, time.Now().UTC())
	if err != nil {
		slog.Warn("webhook archive failed", "error", err)
		return
	}
	slog.Debug("webhook archived", "key", key)
}

// ServeHTTP dispatches on method so the handler can be mounted on one path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.ServeVerify(w, r)
	case http.MethodPost:
		h.ServeNotification(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// Serve starts an HTTP server for handler on the given port.
// It binds the port immediately and signals readiness via the first returned
// channel before starting to accept connections. The server shuts down
// gracefully when ctx is cancelled; the second channel is closed once
// in-flight requests have drained.
func Serve(ctx context.Context, port int, handler http.Handler) (ready, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "error", err)
			server.Close()
		}
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
