package store

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
)

// Previous resolves ev's previous link through get. Backends share it.
func Previous(ctx context.Context, get func(context.Context, id.RoomID, id.EventID) (*models.TimelineEvent, error), ev *models.TimelineEvent) (*models.TimelineEvent, error) {
	if ev == nil || ev.PreviousEventID == "" {
		return nil, nil
	}
	return get(ctx, ev.RoomID, ev.PreviousEventID)
}

// Next resolves ev's next link through get.
func Next(ctx context.Context, get func(context.Context, id.RoomID, id.EventID) (*models.TimelineEvent, error), ev *models.TimelineEvent) (*models.TimelineEvent, error) {
	if ev == nil || ev.NextEventID == "" {
		return nil, nil
	}
	return get(ctx, ev.RoomID, ev.NextEventID)
}

// Dedupe drops empty ids and repeats while keeping the first occurrence.
func Dedupe(events []*event.Event) []*event.Event {
	seen := make(map[id.EventID]struct{}, len(events))
	out := make([]*event.Event, 0, len(events))
	for _, evt := range events {
		if evt == nil || evt.ID == "" {
			continue
		}
		if _, ok := seen[evt.ID]; ok {
			continue
		}
		seen[evt.ID] = struct{}{}
		out = append(out, evt)
	}
	return out
}
