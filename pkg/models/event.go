package models

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// TimelineEvent is one node of a room's locally known chain. Neighbours are
// referenced by id only.
type TimelineEvent struct {
	Event           *event.Event     `json:"event"`
	RoomID          id.RoomID        `json:"room_id"`
	EventID         id.EventID       `json:"event_id"`
	PreviousEventID id.EventID       `json:"previous_event_id,omitempty"`
	NextEventID     id.EventID       `json:"next_event_id,omitempty"`
	Gap             *Gap             `json:"gap,omitempty"`
	Decrypted       *RoomContent     `json:"decrypted,omitempty"`
	Replacement     *Replacement     `json:"replacement,omitempty"`
	Redacted        *RedactedContent `json:"redacted,omitempty"`
}

// Replacement points at the edit currently superseding an event's content.
type Replacement struct {
	EventID  id.EventID `json:"event_id"`
	Sender   id.UserID  `json:"sender"`
	OriginTS int64      `json:"origin_ts"`
}

// RedactedContent replaces the content of a redacted event and keeps the
// protocol type the event had before redaction.
type RedactedContent struct {
	EventType string `json:"event_type"`
}

// NewTimelineEvent wraps a protocol event without any links or gaps.
func NewTimelineEvent(evt *event.Event) *TimelineEvent {
	return &TimelineEvent{Event: evt, RoomID: evt.RoomID, EventID: evt.ID}
}

// Clone returns a copy that can be mutated without touching the receiver. The
// protocol event is copied shallowly except for its content.
func (t *TimelineEvent) Clone() *TimelineEvent {
	if t == nil {
		return nil
	}
	c := *t
	if t.Event != nil {
		evt := *t.Event
		if t.Event.Content.VeryRaw != nil {
			evt.Content.VeryRaw = append(json.RawMessage(nil), t.Event.Content.VeryRaw...)
		}
		c.Event = &evt
	}
	if t.Gap != nil {
		g := *t.Gap
		c.Gap = &g
	}
	if t.Decrypted != nil {
		d := *t.Decrypted
		c.Decrypted = &d
	}
	if t.Replacement != nil {
		r := *t.Replacement
		c.Replacement = &r
	}
	if t.Redacted != nil {
		r := *t.Redacted
		c.Redacted = &r
	}
	return &c
}

// IsFirst reports whether the event begins the room's history as far as the
// server is concerned.
func (t *TimelineEvent) IsFirst() bool {
	return t.PreviousEventID == "" && !t.Gap.HasBefore()
}

// IsLast reports whether nothing is known or missing after the event.
func (t *TimelineEvent) IsLast() bool {
	return t.NextEventID == "" && !t.Gap.HasAfter()
}

func (t *TimelineEvent) IsEncrypted() bool {
	return t.Event != nil && t.Event.Type.Type == event.EventEncrypted.Type
}

func (t *TimelineEvent) Sender() id.UserID {
	if t.Event == nil {
		return ""
	}
	return t.Event.Sender
}

func (t *TimelineEvent) OriginTS() int64 {
	if t.Event == nil {
		return 0
	}
	return t.Event.Timestamp
}

// Key identifies the event across rooms.
func (t *TimelineEvent) Key() string {
	return EventKey(t.RoomID, t.EventID)
}

// EventKey is the lock and notification key of an event.
func EventKey(roomID id.RoomID, eventID id.EventID) string {
	return string(roomID) + "|" + string(eventID)
}
