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

// Package dedup provides a Redis SETNX claim used to make exactly one
// webhook delivery of a message trigger its auto-reply, even when the
// provider retries a delivery that had already stored the message.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a claimed message id is remembered. Provider
	// redeliveries stop well within a day.
	DefaultTTL = 24 * time.Hour

	// DefaultPrefix namespaces auto-reply claims in Redis.
	DefaultPrefix = "autoreply:"
)

// Filter tracks which ids have already been claimed.
type Filter struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewFilter creates a filter backed by Redis. Empty prefix or non-positive
// ttl fall back to the defaults.
func NewFilter(rdb *redis.Client, prefix string, ttl time.Duration) *Filter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
	}
}

// IsNew returns true if id has NOT been claimed before, claiming it
// atomically.
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, f.key(id), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Release forgets a claim so that a later delivery can claim it again.
func (f *Filter) Release(ctx context.Context, id string) error {
	if err := f.rdb.Del(ctx, f.key(id)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

func (f *Filter) key(id string) string {
	return f.prefix + id
}
