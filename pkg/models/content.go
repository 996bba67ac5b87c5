package models

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomContent is resolved plaintext content together with its protocol type.
type RoomContent struct {
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	Redacted    bool            `json:"redacted,omitempty"`
	EditEventID id.EventID      `json:"edit_event_id,omitempty"`
}

var emptyContent = json.RawMessage(`{}`)

// EmptyContent is the content left behind by a redaction.
func EmptyContent() json.RawMessage {
	return append(json.RawMessage(nil), emptyContent...)
}

// RawContent returns the wire form of an event's content.
func RawContent(evt *event.Event) json.RawMessage {
	if evt == nil {
		return EmptyContent()
	}
	if evt.Content.VeryRaw != nil {
		return evt.Content.VeryRaw
	}
	b, err := json.Marshal(&evt.Content)
	if err != nil {
		return EmptyContent()
	}
	return b
}

// RelatesTo extracts the relation of an event from its cleartext content.
// Encrypted events keep m.relates_to outside the ciphertext.
func RelatesTo(evt *event.Event) *event.RelatesTo {
	if evt == nil {
		return nil
	}
	var partial struct {
		RelatesTo *event.RelatesTo `json:"m.relates_to"`
	}
	if err := json.Unmarshal(RawContent(evt), &partial); err != nil {
		return nil
	}
	if partial.RelatesTo == nil || partial.RelatesTo.EventID == "" || partial.RelatesTo.Type == "" {
		return nil
	}
	return partial.RelatesTo
}

// RedactedEventID returns the target of a redaction event, looking at both the
// top level field and the content field used by newer room versions.
func RedactedEventID(evt *event.Event) id.EventID {
	if evt == nil || evt.Type.Type != event.EventRedaction.Type {
		return ""
	}
	if evt.Redacts != "" {
		return evt.Redacts
	}
	var partial struct {
		Redacts id.EventID `json:"redacts"`
	}
	if err := json.Unmarshal(RawContent(evt), &partial); err != nil {
		return ""
	}
	return partial.Redacts
}

// NewContent extracts m.new_content from an edit's content.
func NewContent(content json.RawMessage) json.RawMessage {
	var partial struct {
		NewContent json.RawMessage `json:"m.new_content"`
	}
	if err := json.Unmarshal(content, &partial); err != nil || len(partial.NewContent) == 0 {
		return nil
	}
	return partial.NewContent
}
