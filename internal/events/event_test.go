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
	"testing"
)

func TestNew(t *testing.T) {
	e, err := New(TypeMessageStatus, "user-1", "wamid.1", map[string]string{"status": "read"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e.ID == "" {
		t.Error("event id should be set")
	}
	if e.OccurredAt.IsZero() {
		t.Error("occurred_at should be set")
	}

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "message.status" || decoded["user_id"] != "user-1" {
		t.Errorf("unexpected envelope: %s", raw)
	}
	data, _ := decoded["data"].(map[string]any)
	if data["status"] != "read" {
		t.Errorf("data = %v", decoded["data"])
	}
}

func TestNew_NoData(t *testing.T) {
	e, err := New(TypeMessageSent, "u", "m", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e.Data != nil {
		t.Errorf("data = %s, want none", e.Data)
	}
}

func TestNew_UnmarshalableData(t *testing.T) {
	if _, err := New(TypeMessageSent, "u", "m", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Errorf("nop publish: %v", err)
	}
}
