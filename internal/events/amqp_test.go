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
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestAMQPPublisher(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set")
	}

	queue := "inbox_events_test_" + time.Now().Format("150405.000000")
	p, err := NewAMQPPublisher(url, queue)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	e, err := New(TypeMessageStatus, "user-1", "wamid.1", map[string]string{"status": "read"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer func() { _, _ = ch.QueueDelete(queue, false, false, false) }()

	var msg amqp.Delivery
	var ok bool
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(50 * time.Millisecond) {
		if msg, ok, err = ch.Get(queue, true); err != nil {
			t.Fatalf("get: %v", err)
		} else if ok {
			break
		}
	}
	if !ok {
		t.Fatal("no message delivered")
	}

	if msg.MessageId != e.ID || msg.Type != TypeMessageStatus || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("delivery = id %q type %q mode %d", msg.MessageId, msg.Type, msg.DeliveryMode)
	}
	var got Event
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MessageID != "wamid.1" || got.UserID != "user-1" {
		t.Errorf("event = %+v", got)
	}
}
