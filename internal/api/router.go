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

// Package api serves the authenticated dashboard endpoints and mounts the
// webhook and health routes on a single router.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"

	"github.com/wainbox/ingestion/internal/auth"
	"github.com/wainbox/ingestion/internal/autoreply"
	"github.com/wainbox/ingestion/internal/models"
	"github.com/wainbox/ingestion/internal/sender"
)

// Sender sends a text on behalf of a tenant.
type Sender interface {
	Send(ctx context.Context, userID, recipientPhone, text string) sender.Result
}

// AutoReplier runs the auto-reply flow for one message.
type AutoReplier interface {
	Run(ctx context.Context, req autoreply.Request) autoreply.Result
}

// MessageLister reads a tenant's messages incrementally.
type MessageLister interface {
	ListMessages(ctx context.Context, userID string, since int64, afterID string, limit int) ([]models.Message, error)
}

// HealthCheck is one named dependency check.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the collaborators the router dispatches to.
type Deps struct {
	JWT          *auth.JWT
	Sender       Sender
	AutoReplier  AutoReplier
	Messages     MessageLister
	Webhook      http.Handler
	HealthChecks []HealthCheck
	// RequestTimeout bounds API handlers. Webhook processing manages its own.
	RequestTimeout time.Duration
}

// NewRouter builds the service's HTTP routes.
func NewRouter(d Deps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	s := &server{deps: d}

	base := alice.New(recoverer, requestLogger)
	authed := base.Append(timeout(d.RequestTimeout), auth.Middleware(d.JWT))

	r := mux.NewRouter()
	if d.Webhook != nil {
		r.Handle("/webhook", base.Then(d.Webhook)).Methods(http.MethodGet, http.MethodPost)
	}
	r.Handle("/health", base.ThenFunc(s.health)).Methods(http.MethodGet)

	r.Handle("/api/send", authed.ThenFunc(s.send)).Methods(http.MethodPost)
	r.Handle("/api/ai/auto-reply", authed.ThenFunc(s.autoReply)).Methods(http.MethodPost)
	r.Handle("/api/messages", authed.ThenFunc(s.listMessages)).Methods(http.MethodGet)

	return r
}

type server struct {
	deps Deps
}
