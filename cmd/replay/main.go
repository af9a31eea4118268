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

// WhatsApp Inbox — Archive Replay Command
//
// Standalone CLI tool that re-runs archived webhook bodies through the
// ingestion pipeline. Deliveries that were already stored are skipped by
// the store, so replaying a range only fills gaps left by an outage.
//
// Usage:
//
//	go run ./cmd/replay/ --from 2026-03-01 [--to 2026-03-07] [--auto-reply] [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wainbox/ingestion/internal/archive"
	"github.com/wainbox/ingestion/internal/autoreply"
	"github.com/wainbox/ingestion/internal/config"
	"github.com/wainbox/ingestion/internal/credentials"
	"github.com/wainbox/ingestion/internal/ingest"
	"github.com/wainbox/ingestion/internal/matcher"
	"github.com/wainbox/ingestion/internal/replay"
	"github.com/wainbox/ingestion/internal/retry"
	"github.com/wainbox/ingestion/internal/sender"
	"github.com/wainbox/ingestion/internal/store"
	"github.com/wainbox/ingestion/internal/tokencrypt"
	"github.com/wainbox/ingestion/internal/whatsapp"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	fromFlag := flag.String("from", "", "First day to replay, YYYY-MM-DD (required)")
	toFlag := flag.String("to", "", "Last day to replay, YYYY-MM-DD (default: same as --from)")
	autoReplyFlag := flag.Bool("auto-reply", false, "Run auto-replies for messages that were not stored before")
	dryRunFlag := flag.Bool("dry-run", false, "Read and parse the archive without writing anything")
	delayFlag := flag.Duration("delay", 50*time.Millisecond, "Pause between archived objects")
	flag.Parse()

	if *fromFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --from is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	from, err := time.Parse(time.DateOnly, *fromFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --from date %q: %v\n", *fromFlag, err)
		os.Exit(1)
	}
	to := from
	if *toFlag != "" {
		if to, err = time.Parse(time.DateOnly, *toFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --to date %q: %v\n", *toFlag, err)
			os.Exit(1)
		}
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Archive.Bucket == "" {
		slog.Error("ARCHIVE_BUCKET is not configured, nothing to replay")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	st, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise message store", "error", err)
		os.Exit(1)
	}

	exec := retry.New(retry.Options{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialDelay:   cfg.Retry.InitialDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
		MaxJitter:      cfg.Retry.MaxJitter,
	})

	// Without --auto-reply the pipeline only stores messages and statuses.
	// With it, only messages this run inserts are answered.
	var replier ingest.AutoReplier
	if *autoReplyFlag {
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

		client := whatsapp.NewClient(cfg.GraphBaseURL, cfg.GraphVersion, cfg.GraphTimeout)
		snd := sender.New(credentials.NewResolver(st, cipher), client, st, exec, nil)
		m := matcher.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
		replier = autoreply.New(st, st, m, snd, st, exec, autoreply.Config{
			Threshold:       &cfg.AutoReply.Threshold,
			FallbackMessage: cfg.AutoReply.FallbackMessage,
		})
	}

	pipeline := ingest.NewPipeline(st, exec, replier, nil, nil)

	arch := archive.New(archive.NewS3Client(archive.Config{
		Bucket:    cfg.Archive.Bucket,
		Region:    cfg.Archive.Region,
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Prefix:    cfg.Archive.Prefix,
		PathStyle: cfg.Archive.PathStyle,
	}), cfg.Archive.Bucket, cfg.Archive.Prefix)

	// --- Run Replay ---
	runner := replay.NewRunner(arch, pipeline, *delayFlag)
	result, err := runner.Run(ctx, replay.Request{From: from, To: to, DryRun: *dryRunFlag})
	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	for _, dr := range result.Days {
		slog.Info("day result",
			"day", dr.Day,
			"objects", dr.Objects,
			"messages", dr.Messages,
			"stored", dr.Stored,
			"duplicates", dr.Duplicates,
			"errors", dr.Errors,
		)
	}
	if result.TotalFailures > 0 {
		os.Exit(2)
	}
}
