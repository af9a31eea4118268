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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher pushes events onto a Redis list. Consumers pop from the
// other end, so the list behaves as a FIFO queue.
type RedisPublisher struct {
	rdb       *redis.Client
	queueName string
	maxLen    int64
}

// NewRedisPublisher creates a publisher targeting the given list. When
// maxLen is positive the list is trimmed so that slow consumers cannot grow
// it without bound.
func NewRedisPublisher(rdb *redis.Client, queueName string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{
		rdb:       rdb,
		queueName: queueName,
		maxLen:    maxLen,
	}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.LPush(ctx, p.queueName, body)
	if p.maxLen > 0 {
		pipe.LTrim(ctx, p.queueName, 0, p.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published event",
		"event_id", e.ID,
		"type", e.Type,
		"user_id", e.UserID,
		"queue", p.queueName,
	)
	return nil
}
