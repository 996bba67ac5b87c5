package timeline

import (
	"context"

	"maunium.net/go/mautrix/event"

	"roomline/pkg/models"
)

// predecessorOf returns the last locally known event of the room that ev,
// an m.room.create event, continues. It is nil when that room is unknown.
func (e *Engine) predecessorOf(ctx context.Context, ev *models.TimelineEvent) (*models.TimelineEvent, error) {
	if ev.Event == nil || ev.Event.Type.Type != event.StateCreate.Type {
		return nil, nil
	}
	pred := models.Predecessor(ev.Event)
	if pred == nil {
		return nil, nil
	}
	if pred.EventID != "" {
		stored, err := e.store.Get(ctx, pred.RoomID, pred.EventID)
		if err != nil || stored != nil {
			return stored, err
		}
	}
	room, err := e.store.GetRoom(ctx, pred.RoomID)
	if err != nil || room == nil || room.LastEventID == "" {
		return nil, err
	}
	return e.store.Get(ctx, pred.RoomID, room.LastEventID)
}

// successorOf returns the create event of the room that replaced ev's room
// when ev is a tombstone and that room is locally known.
func (e *Engine) successorOf(ctx context.Context, ev *models.TimelineEvent) (*models.TimelineEvent, error) {
	roomID := models.ReplacementRoom(ev.Event)
	if roomID == "" {
		return nil, nil
	}
	room, err := e.store.GetRoom(ctx, roomID)
	if err != nil || room == nil || room.CreateEventID == "" {
		return nil, err
	}
	return e.store.Get(ctx, roomID, room.CreateEventID)
}
