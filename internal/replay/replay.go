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

// Package replay re-runs archived webhook bodies through the ingestion
// pipeline. The pipeline is idempotent, so replaying a range that was
// already processed only fills gaps.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wainbox/ingestion/internal/ingest"
	"github.com/wainbox/ingestion/internal/whatsapp"
)

// Source lists and reads archived bodies.
type Source interface {
	DayPrefix(t time.Time) string
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Processor handles one decoded payload.
type Processor interface {
	Process(ctx context.Context, p *whatsapp.Payload) ingest.Summary
}

// Request defines the days to replay, inclusive, in UTC.
type Request struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

// DayResult tracks per-day progress.
type DayResult struct {
	Day        string
	Objects    int
	Messages   int
	Stored     int
	Duplicates int
	Errors     int
}

// Result summarises a completed replay.
type Result struct {
	Days          []DayResult
	TotalObjects  int
	TotalStored   int
	TotalFailures int
	Elapsed       time.Duration
}

// Runner replays archived deliveries.
type Runner struct {
	source    Source
	processor Processor
	delay     time.Duration
}

// NewRunner creates a replay runner. delay is paused between objects to
// keep load on the database and the provider predictable.
func NewRunner(source Source, processor Processor, delay time.Duration) *Runner {
	return &Runner{source: source, processor: processor, delay: delay}
}

// Run replays every archived body in the requested day range.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	from := truncateDay(req.From)
	to := truncateDay(req.To)
	if to.Before(from) {
		return nil, fmt.Errorf("replay range ends (%s) before it starts (%s)", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}

	start := time.Now()
	slog.Info("starting archive replay",
		"from", from.Format(time.DateOnly),
		"to", to.Format(time.DateOnly),
		"dry_run", req.DryRun,
	)

	result := &Result{}
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		dr, err := r.replayDay(ctx, day, req.DryRun)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			slog.Error("replay failed for day", "day", dr.Day, "error", err)
			dr.Errors++
		}
		result.Days = append(result.Days, dr)
		result.TotalObjects += dr.Objects
		result.TotalStored += dr.Stored
		result.TotalFailures += dr.Errors
	}

	result.Elapsed = time.Since(start)
	slog.Info("archive replay complete",
		"objects", result.TotalObjects,
		"stored", result.TotalStored,
		"failures", result.TotalFailures,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func (r *Runner) replayDay(ctx context.Context, day time.Time, dryRun bool) (DayResult, error) {
	dr := DayResult{Day: day.Format(time.DateOnly)}

	keys, err := r.source.List(ctx, r.source.DayPrefix(day))
	if err != nil {
		return dr, fmt.Errorf("list archive: %w", err)
	}

	for i, key := range keys {
		if i > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return dr, ctx.Err()
			case <-time.After(r.delay):
			}
		}

		body, err := r.source.Get(ctx, key)
		if err != nil {
			slog.Warn("replay: read object failed", "key", key, "error", err)
			dr.Errors++
			continue
		}
		dr.Objects++

		payload, err := whatsapp.Decode(body)
		if err != nil {
			slog.Warn("replay: object is not a webhook payload", "key", key, "error", err)
			dr.Errors++
			continue
		}

		if dryRun {
			for range whatsapp.Messages(payload) {
				dr.Messages++
			}
			continue
		}

		sum := r.processor.Process(ctx, payload)
		dr.Messages += sum.Messages
		dr.Stored += sum.Stored
		dr.Duplicates += sum.Duplicates
		dr.Errors += sum.Failed
	}

	slog.Info("day replayed",
		"day", dr.Day,
		"objects", dr.Objects,
		"messages", dr.Messages,
		"stored", dr.Stored,
		"duplicates", dr.Duplicates,
		"errors", dr.Errors,
	)
	return dr, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
