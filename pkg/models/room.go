package models

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Room is the cursor of a room's chain plus what the engine needs to know to
// continue across room upgrades.
type Room struct {
	RoomID              id.RoomID    `json:"room_id"`
	LastEventID         id.EventID   `json:"last_event_id,omitempty"`
	CreateEventID       id.EventID   `json:"create_event_id,omitempty"`
	Encrypted           bool         `json:"encrypted,omitempty"`
	EncryptionAlgorithm id.Algorithm `json:"encryption_algorithm,omitempty"`
}

// Relation is one edge from a relating event to the event it relates to.
type Relation struct {
	RoomID         id.RoomID          `json:"room_id"`
	EventID        id.EventID         `json:"event_id"`
	RelationType   event.RelationType `json:"rel_type"`
	RelatedEventID id.EventID         `json:"related_event_id"`
}

// Predecessor returns the previous room named by an m.room.create event.
func Predecessor(evt *event.Event) *event.Predecessor {
	if evt == nil || evt.Type.Type != event.StateCreate.Type {
		return nil
	}
	var content event.CreateEventContent
	if err := json.Unmarshal(RawContent(evt), &content); err != nil {
		return nil
	}
	if content.Predecessor == nil || content.Predecessor.RoomID == "" {
		return nil
	}
	return content.Predecessor
}

// ReplacementRoom returns the successor room named by an m.room.tombstone event.
func ReplacementRoom(evt *event.Event) id.RoomID {
	if evt == nil || evt.Type.Type != event.StateTombstone.Type {
		return ""
	}
	var content event.TombstoneEventContent
	if err := json.Unmarshal(RawContent(evt), &content); err != nil {
		return ""
	}
	return content.ReplacementRoom
}

// EncryptionAlgorithm returns the algorithm announced by an m.room.encryption event.
func EncryptionAlgorithm(evt *event.Event) (id.Algorithm, bool) {
	if evt == nil || evt.Type.Type != event.StateEncryption.Type {
		return "", false
	}
	var content event.EncryptionEventContent
	if err := json.Unmarshal(RawContent(evt), &content); err != nil {
		return "", false
	}
	return content.Algorithm, true
}
