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

// WhatsApp Inbox — Ingestion Service
//
// Entry point for the webhook ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Wires the message pipeline, auto-reply orchestrator and sender
//  4. Serves the webhook, dashboard API and health endpoints
//  5. Runs the maintenance scheduler
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wainbox/ingestion/internal/api"
	"github.com/wainbox/ingestion/internal/archive"
	"github.com/wainbox/ingestion/internal/auth"
	"github.com/wainbox/ingestion/internal/autoreply"
	"github.com/wainbox/ingestion/internal/config"
	"github.com/wainbox/ingestion/internal/credentials"
	"github.com/wainbox/ingestion/internal/dedup"
	"github.com/wainbox/ingestion/internal/events"
	"github.com/wainbox/ingestion/internal/ingest"
	"github.com/wainbox/ingestion/internal/maintenance"
	"github.com/wainbox/ingestion/internal/matcher"
	"github.com/wainbox/ingestion/internal/retry"
	"github.com/wainbox/ingestion/internal/sender"
	"github.com/wainbox/ingestion/internal/signature"
	"github.com/wainbox/ingestion/internal/store"
	"github.com/wainbox/ingestion/internal/tokencrypt"
	"github.com/wainbox/ingestion/internal/webhook"
	"github.com/wainbox/ingestion/internal/whatsapp"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	slog.Info("starting WhatsApp inbox ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"graph_version", cfg.GraphVersion,
		"events_sink", cfg.Events.Sink,
		"archive", cfg.Archive.Bucket != "",
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Token cipher ---
	key, err := tokencrypt.ParseKey(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid TOKEN_ENCRYPTION_KEY", "error", err)
		os.Exit(1)
	}
	cipher, err := tokencrypt.New(key)
	if err != nil {
		slog.Error("invalid TOKEN_ENCRYPTION_KEY", "error", err)
		os.Exit(1)
	}

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	st, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise message store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Event sink ---
	publisher, closePublisher, err := newPublisher(cfg.Events, rdb)
	if err != nil {
		slog.Error("failed to initialise event sink", "error", err)
		os.Exit(1)
	}
	defer closePublisher()

	// --- Raw webhook archive (optional) ---
	var archiver webhook.Archiver
	if cfg.Archive.Bucket != "" {
		archiver = archive.New(archive.NewS3Client(archiveConfig(cfg.Archive)), cfg.Archive.Bucket, cfg.Archive.Prefix)
		slog.Info("webhook archive enabled", "bucket", cfg.Archive.Bucket, "prefix", cfg.Archive.Prefix)
	}

	// --- Core services ---
	exec := retry.New(retryOptions(cfg.Retry))

	resolver := credentials.NewResolver(st, cipher)
	client := whatsapp.NewClient(cfg.GraphBaseURL, cfg.GraphVersion, cfg.GraphTimeout)
	snd := sender.New(resolver, client, st, exec, publisher)

	if cfg.OpenAI.APIKey == "" {
		slog.Warn("OPENAI_API_KEY is not set, auto-replies will always use the fallback message")
	}
	m := matcher.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.Timeout)

	orchestrator := autoreply.New(st, st, m, snd, st, exec, autoreply.Config{
		Threshold:       &cfg.AutoReply.Threshold,
		FallbackMessage: cfg.AutoReply.FallbackMessage,
	})

	guard := dedup.NewFilter(rdb, dedup.DefaultPrefix, cfg.AutoReply.GuardTTL)
	pipeline := ingest.NewPipeline(st, exec, orchestrator, guard, publisher)

	hook := webhook.NewHandler(signature.NewVerifier(cfg.AppSecret), cfg.VerifyToken, pipeline, archiver, cfg.ProcessTimeout)

	router := api.NewRouter(api.Deps{
		JWT:         auth.NewJWT(cfg.JWTSecret),
		Sender:      snd,
		AutoReplier: orchestrator,
		Messages:    st,
		Webhook:     hook,
		HealthChecks: []api.HealthCheck{
			{Name: "postgres", Ping: st.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
	})

	// --- Maintenance ---
	sched, err := maintenance.NewScheduler(st, maintenance.Config{
		SweepSpec:        cfg.Maintenance.SweepSpec,
		PendingStatusTTL: cfg.Maintenance.PendingStatusTTL,
		ExpirySpec:       cfg.Maintenance.ExpirySpec,
		ExpiryWarning:    cfg.Maintenance.ExpiryWarning,
	})
	if err != nil {
		slog.Error("failed to configure maintenance jobs", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	// --- HTTP server ---
	ready, stopped, err := webhook.Serve(ctx, cfg.Port, router)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("ingestion service ready", "port", cfg.Port)

	<-ctx.Done()
	slog.Info("received shutdown signal")
	<-stopped
	slog.Info("http server stopped")
}

func newPublisher(cfg config.EventsConfig, rdb *redis.Client) (events.Publisher, func(), error) {
	switch cfg.Sink {
	case "amqp":
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.Queue)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("publishing events to RabbitMQ", "queue", cfg.Queue)
		return p, func() {
			if err := p.Close(); err != nil {
				slog.Warn("close amqp publisher", "error", err)
			}
		}, nil
	case "redis":
		slog.Info("publishing events to Redis", "queue", cfg.Queue)
		return events.NewRedisPublisher(rdb, cfg.Queue, cfg.MaxLen), func() {}, nil
	default:
		return events.Nop{}, func() {}, nil
	}
}

func archiveConfig(c config.ArchiveConfig) archive.Config {
	return archive.Config{
		Bucket:    c.Bucket,
		Region:    c.Region,
		Endpoint:  c.Endpoint,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Prefix:    c.Prefix,
		PathStyle: c.PathStyle,
	}
}

func retryOptions(c config.RetryConfig) retry.Options {
	return retry.Options{
		MaxAttempts:    c.MaxAttempts,
		InitialDelay:   c.InitialDelay,
		MaxDelay:       c.MaxDelay,
		AttemptTimeout: c.AttemptTimeout,
		MaxJitter:      c.MaxJitter,
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
