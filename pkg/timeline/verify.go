package timeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
	"roomline/pkg/store"
)

// Violation is one structural problem found in a stored chain.
type Violation struct {
	RoomID  id.RoomID
	EventID id.EventID
	Problem string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s: %s", v.RoomID, v.EventID, v.Problem)
}

// Verify checks a room's stored chain: links must be symmetric and resolve,
// the cursor must name a stored event without a successor, and following
// next links from any event must never revisit an id.
func Verify(ctx context.Context, st store.Store, roomID id.RoomID) ([]Violation, error) {
	events := make(map[id.EventID]*models.TimelineEvent)
	err := st.ScanRoom(ctx, roomID, func(ev *models.TimelineEvent) error {
		events[ev.EventID] = ev
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", roomID)
	}

	var out []Violation
	report := func(eventID id.EventID, format string, args ...interface{}) {
		out = append(out, Violation{RoomID: roomID, EventID: eventID, Problem: fmt.Sprintf(format, args...)})
	}

	ids := make([]id.EventID, 0, len(events))
	for eventID := range events {
		ids = append(ids, eventID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, eventID := range ids {
		ev := events[eventID]
		if ev.NextEventID != "" {
			next, ok := events[ev.NextEventID]
			switch {
			case !ok:
				report(eventID, "next %s is not stored", ev.NextEventID)
			case next.PreviousEventID != eventID:
				report(eventID, "next %s points back at %q", ev.NextEventID, next.PreviousEventID)
			}
		}
		if ev.PreviousEventID != "" {
			prev, ok := events[ev.PreviousEventID]
			switch {
			case !ok:
				report(eventID, "previous %s is not stored", ev.PreviousEventID)
			case prev.NextEventID != eventID:
				report(eventID, "previous %s points forward at %q", ev.PreviousEventID, prev.NextEventID)
			}
		}
	}

	// segments start at events without a stored predecessor
	visited := make(map[id.EventID]struct{}, len(events))
	for _, eventID := range ids {
		ev := events[eventID]
		if _, ok := events[ev.PreviousEventID]; ok {
			continue
		}
		path := make(map[id.EventID]struct{})
		for cur := ev; cur != nil; cur = events[cur.NextEventID] {
			if _, ok := path[cur.EventID]; ok {
				report(cur.EventID, "loop following next links from %s", eventID)
				break
			}
			path[cur.EventID] = struct{}{}
			visited[cur.EventID] = struct{}{}
		}
	}
	for _, eventID := range ids {
		if _, ok := visited[eventID]; !ok {
			report(eventID, "unreachable from any segment start")
			break
		}
	}

	room, err := st.GetRoom(ctx, roomID)
	if err != nil {
		return nil, errors.Wrapf(err, "load room %s", roomID)
	}
	if room != nil && room.LastEventID != "" {
		tail, ok := events[room.LastEventID]
		switch {
		case !ok:
			report(room.LastEventID, "cursor names an event that is not stored")
		case tail.NextEventID != "":
			report(room.LastEventID, "cursor event links forward to %s", tail.NextEventID)
		}
	}
	return out, nil
}
