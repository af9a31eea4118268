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
	"encoding/json"
	"iter"
	"log/slog"
	"strconv"
)

// Messages yields every inbound message in the payload. Changes or elements
// that fail to decode are logged and skipped.
func Messages(p *Payload) iter.Seq[InboundMessage] {
	return func(yield func(InboundMessage) bool) {
		for value := range changeValues(p) {
			if len(value.Messages) == 0 {
				continue
			}

			names := make(map[string]string, len(value.Contacts))
			for _, c := range value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, raw := range value.Messages {
				msg, ok := parseMessage(raw, value.Metadata, names)
				if !ok {
					continue
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// Statuses yields every delivery status update in the payload.
func Statuses(p *Payload) iter.Seq[StatusUpdate] {
	return func(yield func(StatusUpdate) bool) {
		for value := range changeValues(p) {
			for _, raw := range value.Statuses {
				st, ok := parseStatus(raw, value.Metadata)
				if !ok {
					continue
				}
				if !yield(st) {
					return
				}
			}
		}
	}
}

func changeValues(p *Payload) iter.Seq[ChangeValue] {
	return func(yield func(ChangeValue) bool) {
		if p == nil {
			return
		}
		for _, entry := range p.Entry {
			for _, change := range entry.Changes {
				if len(change.Value) == 0 {
					continue
				}
				var value ChangeValue
				if err := json.Unmarshal(change.Value, &value); err != nil {
					slog.Warn("skipping undecodable change",
						"entry_id", entry.ID,
						"field", change.Field,
						"error", err,
					)
					continue
				}
				if !yield(value) {
					return
				}
			}
		}
	}
}

func parseMessage(raw json.RawMessage, meta ChangeMetadata, names map[string]string) (InboundMessage, bool) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		slog.Warn("skipping undecodable message", "phone_number_id", meta.PhoneNumberID, "error", err)
		return InboundMessage{}, false
	}
	if m.ID == "" {
		slog.Warn("skipping message without id", "phone_number_id", meta.PhoneNumberID)
		return InboundMessage{}, false
	}

	ts, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		slog.Warn("skipping message with bad timestamp",
			"message_id", m.ID,
			"timestamp", m.Timestamp,
		)
		return InboundMessage{}, false
	}

	return InboundMessage{
		ID:            m.ID,
		From:          m.From,
		To:            meta.DisplayPhoneNumber,
		PhoneNumberID: meta.PhoneNumberID,
		Type:          m.Type,
		Text:          messageText(&m),
		Timestamp:     ts,
		ContactName:   names[m.From],
		Raw:           raw,
	}, true
}

// messageText extracts the human-readable text of a message, if any.
func messageText(m *wireMessage) string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	case m.Image != nil:
		return m.Image.Caption
	case m.Video != nil:
		return m.Video.Caption
	case m.Document != nil:
		return m.Document.Caption
	}
	return ""
}

func parseStatus(raw json.RawMessage, meta ChangeMetadata) (StatusUpdate, bool) {
	var s wireStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		slog.Warn("skipping undecodable status", "phone_number_id", meta.PhoneNumberID, "error", err)
		return StatusUpdate{}, false
	}
	if s.ID == "" {
		slog.Warn("skipping status without message id", "phone_number_id", meta.PhoneNumberID)
		return StatusUpdate{}, false
	}

	ts, err := strconv.ParseInt(s.Timestamp, 10, 64)
	if err != nil {
		slog.Warn("skipping status with bad timestamp",
			"message_id", s.ID,
			"timestamp", s.Timestamp,
		)
		return StatusUpdate{}, false
	}

	return StatusUpdate{
		MessageID:     s.ID,
		Status:        s.Status,
		Timestamp:     ts,
		RecipientID:   s.RecipientID,
		PhoneNumberID: meta.PhoneNumberID,
		Raw:           raw,
	}, true
}
