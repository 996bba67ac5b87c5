package keys

import (
	"fmt"
	"net/url"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	// notation dictionary for key formats:
	// te  = timeline event
	// rel = relation edge
	// All segments are query-escaped and separated by ":"
	// <...> = variable segment

	EventKey    = "te:%s:%s"        // te:<room_id>:<event_id>
	RelationKey = "rel:%s:%s:%s:%s" // rel:<room_id>:<related_event_id>:<rel_type>:<event_id>
	RoomKey     = "room:%s"         // room:<room_id>

	eventPrefix = "te:"
	roomPrefix  = "room:"
)

func esc(s string) string { return url.QueryEscape(s) }

func Event(roomID id.RoomID, eventID id.EventID) []byte {
	return []byte(fmt.Sprintf(EventKey, esc(string(roomID)), esc(string(eventID))))
}

// RoomEvents is the prefix of every event key of a room.
func RoomEvents(roomID id.RoomID) []byte {
	return []byte(eventPrefix + esc(string(roomID)) + ":")
}

func Relation(roomID id.RoomID, relatedEventID id.EventID, relType event.RelationType, eventID id.EventID) []byte {
	return []byte(fmt.Sprintf(RelationKey, esc(string(roomID)), esc(string(relatedEventID)), esc(string(relType)), esc(string(eventID))))
}

// Relations is the prefix of every edge of one type pointing at relatedEventID.
func Relations(roomID id.RoomID, relatedEventID id.EventID, relType event.RelationType) []byte {
	return []byte(fmt.Sprintf("rel:%s:%s:%s:", esc(string(roomID)), esc(string(relatedEventID)), esc(string(relType))))
}

func Room(roomID id.RoomID) []byte {
	return []byte(fmt.Sprintf(RoomKey, esc(string(roomID))))
}

// Rooms is the prefix of every room key.
func Rooms() []byte { return []byte(roomPrefix) }

// ParseRoom extracts the room id from a room key.
func ParseRoom(key []byte) (id.RoomID, error) {
	s := string(key)
	if !strings.HasPrefix(s, roomPrefix) {
		return "", fmt.Errorf("not a room key: %q", s)
	}
	raw, err := url.QueryUnescape(strings.TrimPrefix(s, roomPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed room key %q: %w", s, err)
	}
	return id.RoomID(raw), nil
}

// UpperBound returns the smallest key greater than every key with prefix.
func UpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
