package models

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Direction of travel along a chain or of a server pagination request.
type Direction int

const (
	Backwards Direction = iota
	Forwards
)

func (d Direction) String() string {
	if d == Forwards {
		return "f"
	}
	return "b"
}

// FetchRequest asks the server for a window of history starting at From.
// To, when set, bounds the window.
type FetchRequest struct {
	RoomID    id.RoomID
	From      string
	To        string
	Direction Direction
	Limit     int
}

// FetchResponse is a window of events in server order for the requested
// direction. End is empty when the server has nothing further.
type FetchResponse struct {
	Events []*event.Event
	Start  string
	End    string
}

// SyncBatch is the slice of a sync response that concerns one room's timeline.
type SyncBatch struct {
	RoomID        id.RoomID
	Events        []*event.Event
	PreviousBatch string
	NextBatch     string
	Limited       bool
}
