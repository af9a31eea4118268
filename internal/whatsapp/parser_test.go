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

package whatsapp

import (
	"slices"
	"testing"
)

const inboundPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PN1"},
        "contacts": [{"wa_id": "4915112345", "profile": {"name": "Anna"}}],
        "messages": [
          {"id": "wamid.1", "from": "4915112345", "timestamp": "1700000000", "type": "text", "text": {"body": "What are your opening hours?"}},
          {"id": "wamid.2", "from": "4915199999", "timestamp": "1700000001", "type": "button", "button": {"text": "Yes", "payload": "YES"}},
          {"id": "wamid.3", "from": "4915112345", "timestamp": "1700000002", "type": "interactive", "interactive": {"type": "list_reply", "list_reply": {"id": "r1", "title": "Pricing"}}},
          {"id": "wamid.4", "from": "4915112345", "timestamp": "1700000003", "type": "image", "image": {"id": "media1", "caption": "see attached"}},
          {"id": "wamid.5", "from": "4915112345", "timestamp": "1700000004", "type": "sticker", "sticker": {"id": "media2"}}
        ]
      }
    }]
  }]
}`

func TestMessages_ExtractsFields(t *testing.T) {
	p, err := Decode([]byte(inboundPayload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := slices.Collect(Messages(p))
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}

	first := got[0]
	if first.ID != "wamid.1" || first.From != "4915112345" || first.To != "15550001111" {
		t.Errorf("unexpected routing fields: %+v", first)
	}
	if first.PhoneNumberID != "PN1" {
		t.Errorf("PhoneNumberID = %q, want PN1", first.PhoneNumberID)
	}
	if first.Timestamp != 1700000000 {
		t.Errorf("Timestamp = %d, want 1700000000", first.Timestamp)
	}
	if first.ContactName != "Anna" {
		t.Errorf("ContactName = %q, want Anna", first.ContactName)
	}
	if len(first.Raw) == 0 {
		t.Error("Raw should carry the original element")
	}

	wantText := []string{"What are your opening hours?", "Yes", "Pricing", "see attached", ""}
	for i, want := range wantText {
		if got[i].Text != want {
			t.Errorf("message %d text = %q, want %q", i, got[i].Text, want)
		}
	}

	if got[1].ContactName != "" {
		t.Errorf("unknown contact should have empty name, got %q", got[1].ContactName)
	}
}

func TestMessages_SkipsBadElements(t *testing.T) {
	body := `{"object":"whatsapp_business_account","entry":[{"id":"W","changes":[
	  {"field":"messages","value":"not an object"},
	  {"field":"messages","value":{"metadata":{"display_phone_number":"1","phone_number_id":"PN"},"messages":[
	    {"from":"2","timestamp":"1","type":"text","text":{"body":"no id"}},
	    {"id":"m-bad-ts","from":"2","timestamp":"yesterday","type":"text","text":{"body":"x"}},
	    {"id":"m-ok","from":"2","timestamp":"5","type":"text","text":{"body":"fine"}}
	  ]}}
	]}]}`

	p, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	got := slices.Collect(Messages(p))
	if len(got) != 1 || got[0].ID != "m-ok" {
		t.Fatalf("got %+v, want only m-ok", got)
	}
}

func TestStatuses(t *testing.T) {
	body := `{"object":"whatsapp_business_account","entry":[{"id":"W","changes":[{"field":"messages","value":{
	  "metadata":{"display_phone_number":"1","phone_number_id":"PN"},
	  "statuses":[
	    {"id":"wamid.out","status":"delivered","timestamp":"1700000100","recipient_id":"4915112345"},
	    {"id":"wamid.out","status":"read","timestamp":"1700000200","recipient_id":"4915112345"}
	  ]}}]}]}`

	p, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if msgs := slices.Collect(Messages(p)); len(msgs) != 0 {
		t.Errorf("status-only payload yielded %d messages", len(msgs))
	}

	got := slices.Collect(Statuses(p))
	if len(got) != 2 {
		t.Fatalf("got %d statuses, want 2", len(got))
	}
	if got[0].Status != "delivered" || got[1].Status != "read" {
		t.Errorf("statuses out of order: %+v", got)
	}
	if got[1].Timestamp != 1700000200 || got[1].PhoneNumberID != "PN" || got[1].RecipientID != "4915112345" {
		t.Errorf("unexpected status fields: %+v", got[1])
	}
}

func TestMessages_EmptyPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no entries", `{"object":"whatsapp_business_account"}`},
		{"other field", `{"object":"whatsapp_business_account","entry":[{"id":"W","changes":[{"field":"account_update","value":{"event":"VERIFIED"}}]}]}`},
		{"empty value", `{"entry":[{"changes":[{"field":"messages"}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode([]byte(tt.body))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n := len(slices.Collect(Messages(p))); n != 0 {
				t.Errorf("messages = %d, want 0", n)
			}
			if n := len(slices.Collect(Statuses(p))); n != 0 {
				t.Errorf("statuses = %d, want 0", n)
			}
		})
	}
}

func TestMessages_StopsEarly(t *testing.T) {
	p, err := Decode([]byte(inboundPayload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	n := 0
	for range Messages(p) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("iterated %d, want 2", n)
	}
}

func TestDecode_Invalid(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
