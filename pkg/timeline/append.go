package timeline

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"

	"roomline/pkg/models"
)

// Append adds a sync batch at the room's live edge. A limited batch is
// separated from the previous tail by a before gap instead of a link.
// Appending a batch whose events are all stored already is a no-op.
func (e *Engine) Append(ctx context.Context, batch models.SyncBatch) error {
	if batch.RoomID == "" {
		return errors.New("append: room id is required")
	}
	if batch.NextBatch == "" {
		return errors.Wrapf(ErrInvalidBatch, "batch for %s has no next token", batch.RoomID)
	}
	unlock := e.roomLocks.Lock(string(batch.RoomID))
	defer unlock()

	for _, evt := range batch.Events {
		if evt != nil && evt.RoomID == "" {
			evt.RoomID = batch.RoomID
		}
	}
	fresh, err := e.store.FilterDuplicates(ctx, batch.RoomID, batch.Events)
	if err != nil {
		return errors.Wrapf(err, "deduplicate batch for %s", batch.RoomID)
	}
	if len(fresh) == 0 {
		return nil
	}

	room, err := e.store.GetRoom(ctx, batch.RoomID)
	if err != nil {
		return errors.Wrapf(err, "load room %s", batch.RoomID)
	}
	var tail *models.TimelineEvent
	if room != nil && room.LastEventID != "" {
		tail, err = e.store.Get(ctx, batch.RoomID, room.LastEventID)
		if err != nil {
			return errors.Wrapf(err, "load tail of %s", batch.RoomID)
		}
		if tail == nil {
			return invariantf("room %s cursor points at missing event %s", batch.RoomID, room.LastEventID)
		}
		if tail.NextEventID != "" {
			return invariantf("tail %s of room %s already links to %s", tail.EventID, batch.RoomID, tail.NextEventID)
		}
		if batch.Limited && batch.PreviousBatch == "" {
			return errors.Wrapf(ErrInvalidBatch, "limited batch for %s has no previous token", batch.RoomID)
		}
	}

	nodes := chainEvents(fresh)
	first, last := nodes[0], nodes[len(nodes)-1]
	linked := tail != nil && !batch.Limited
	switch {
	case linked:
		first.PreviousEventID = tail.EventID
	case batch.PreviousBatch != "":
		first.Gap = models.GapBefore(batch.PreviousBatch)
	}
	last.Gap = last.Gap.WithAfter(batch.NextBatch)

	// writes below must not be abandoned half way
	wctx := context.WithoutCancel(ctx)
	if err := e.store.AddAll(wctx, nodes); err != nil {
		return errors.Wrapf(err, "store batch for %s", batch.RoomID)
	}
	if tail != nil {
		err := e.store.Update(wctx, batch.RoomID, tail.EventID, func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
			if cur == nil {
				return nil, invariantf("tail %s of room %s vanished during append", tail.EventID, batch.RoomID)
			}
			next := cur.Clone()
			if linked {
				next.NextEventID = first.EventID
				next.Gap = next.Gap.WithoutAfter()
			} else if !next.Gap.HasAfter() && batch.PreviousBatch != "" {
				next.Gap = next.Gap.WithAfter(batch.PreviousBatch)
			}
			return next, nil
		})
		if err != nil {
			return errors.Wrapf(err, "update tail of %s", batch.RoomID)
		}
	}
	err = e.store.UpdateRoom(wctx, batch.RoomID, func(cur *models.Room) (*models.Room, error) {
		next := &models.Room{RoomID: batch.RoomID}
		if cur != nil {
			c := *cur
			next = &c
		}
		next.LastEventID = last.EventID
		return next, nil
	})
	if err != nil {
		return errors.Wrapf(err, "advance cursor of %s", batch.RoomID)
	}
	if err := e.noteRoomState(wctx, batch.RoomID, nodes); err != nil {
		return errors.Wrapf(err, "record room state of %s", batch.RoomID)
	}
	if err := e.aggregator.Process(wctx, nodes); err != nil {
		return err
	}

	e.metrics.AppendedEvents.Add(float64(len(nodes)))
	e.log.Debug("batch_appended",
		zap.Stringer("room_id", batch.RoomID),
		zap.Int("events", len(nodes)),
		zap.Bool("limited", batch.Limited),
		zap.Stringer("tail", last.EventID))
	return nil
}

// chainEvents wraps events in chronological order and links each to its
// batch neighbours.
func chainEvents(events []*event.Event) []*models.TimelineEvent {
	nodes := make([]*models.TimelineEvent, len(events))
	for i, evt := range events {
		nodes[i] = models.NewTimelineEvent(evt)
	}
	for i := range nodes {
		if i > 0 {
			nodes[i].PreviousEventID = nodes[i-1].EventID
		}
		if i < len(nodes)-1 {
			nodes[i].NextEventID = nodes[i+1].EventID
		}
	}
	return nodes
}
