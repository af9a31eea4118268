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

// Package whatsapp holds the WhatsApp Cloud API wire types: the webhook
// envelope, the lazy event parser, and the Graph API client used for sends.
package whatsapp

import (
	"encoding/json"
	"fmt"
)

// Payload is the webhook envelope. Only the outer structure is decoded up
// front; each change value is decoded lazily by the parser so that one
// malformed change cannot fail the whole delivery.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups changes for one WhatsApp Business Account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is a single field update inside an entry.
type Change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// ChangeValue is the decoded body of a "messages" change.
type ChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         ChangeMetadata    `json:"metadata"`
	Contacts         []Contact         `json:"contacts"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

// ChangeMetadata identifies the business phone number the change is for.
type ChangeMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender profile attached to inbound messages.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is one parsed inbound message event.
type InboundMessage struct {
	ID            string
	From          string
	To            string
	PhoneNumberID string
	Type          string
	Text          string
	Timestamp     int64
	ContactName   string
	Raw           json.RawMessage
}

// StatusUpdate is one parsed delivery status event.
type StatusUpdate struct {
	MessageID     string
	Status        string
	Timestamp     int64
	RecipientID   string
	PhoneNumberID string
	Raw           json.RawMessage
}

// Decode parses the webhook envelope.
func Decode(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	return &p, nil
}

// wireMessage is the subset of a message element the parser reads.
type wireMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image    *mediaCaption `json:"image"`
	Video    *mediaCaption `json:"video"`
	Document *mediaCaption `json:"document"`
}

type mediaCaption struct {
	Caption string `json:"caption"`
}

type wireStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}
