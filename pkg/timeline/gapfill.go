package timeline

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
	"roomline/pkg/telemetry"
)

// splice is a fetched window ready to be linked into the chain.
type splice struct {
	dir   models.Direction
	start *models.TimelineEvent
	// neighbour is the stored event the window joins on its far side: the
	// event the fetch reached, or the linked predecessor or successor.
	neighbour *models.TimelineEvent
	// nodes are new events in chronological order.
	nodes  []*models.TimelineEvent
	filled bool
	end    string
}

// FillGap fetches missing history around eventID until its gaps close or
// narrow. Both sides are fetched before anything is written, so a failed
// fetch leaves the chain untouched. A limit of zero uses the engine default.
func (e *Engine) FillGap(ctx context.Context, roomID id.RoomID, eventID id.EventID, limit int) error {
	if limit <= 0 {
		limit = e.fetchLimit
	}
	unlock := e.roomLocks.Lock(string(roomID))
	defer unlock()

	start, err := e.store.Get(ctx, roomID, eventID)
	if err != nil {
		return errors.Wrapf(err, "load %s", eventID)
	}
	if start == nil {
		return errors.Newf("fill gap: event %s not found in %s", eventID, roomID)
	}

	var plans []*splice
	if start.Gap.HasBefore() {
		p, err := e.planBackwards(ctx, start, limit)
		if err != nil {
			e.metrics.GapFills.WithLabelValues(models.Backwards.String(), telemetry.ResultError).Inc()
			return err
		}
		plans = append(plans, p)
	}
	if start.Gap.HasAfter() {
		room, err := e.store.GetRoom(ctx, roomID)
		if err != nil {
			return errors.Wrapf(err, "load room %s", roomID)
		}
		if room == nil || room.LastEventID != start.EventID {
			p, err := e.planForwards(ctx, start, limit)
			if err != nil {
				e.metrics.GapFills.WithLabelValues(models.Forwards.String(), telemetry.ResultError).Inc()
				return err
			}
			plans = append(plans, p)
		}
	}
	if len(plans) == 0 {
		e.metrics.GapFills.WithLabelValues("none", telemetry.ResultNoop).Inc()
		return nil
	}

	wctx := context.WithoutCancel(ctx)
	var inserted []*models.TimelineEvent
	for _, p := range plans {
		if err := e.apply(wctx, p); err != nil {
			return errors.Wrapf(err, "splice %s window at %s", p.dir, eventID)
		}
		inserted = append(inserted, p.nodes...)

		result := telemetry.ResultNarrowed
		if p.filled {
			result = telemetry.ResultFilled
		}
		e.metrics.GapFills.WithLabelValues(p.dir.String(), result).Inc()
		e.log.Debug("gap_filled",
			zap.Stringer("room_id", roomID),
			zap.Stringer("event_id", eventID),
			zap.Stringer("direction", p.dir),
			zap.Int("events", len(p.nodes)),
			zap.Bool("filled", p.filled))
	}
	if len(inserted) == 0 {
		return nil
	}
	e.metrics.FetchedEvents.Add(float64(len(inserted)))
	if err := e.noteRoomState(wctx, roomID, inserted); err != nil {
		return errors.Wrapf(err, "record room state of %s", roomID)
	}
	return e.aggregator.Process(wctx, inserted)
}

func (e *Engine) planBackwards(ctx context.Context, start *models.TimelineEvent, limit int) (*splice, error) {
	pred, err := e.store.GetPrevious(ctx, start)
	if err != nil {
		return nil, errors.Wrapf(err, "load predecessor of %s", start.EventID)
	}
	dest := ""
	if pred != nil && pred.Gap.HasAfter() {
		dest = pred.Gap.After
	}
	from := start.Gap.Before
	resp, err := e.fetch(ctx, models.FetchRequest{
		RoomID:    start.RoomID,
		From:      from,
		To:        dest,
		Direction: models.Backwards,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	// the server returns newest first
	fresh, met, err := e.window(ctx, start, resp.Events, func(ev *models.TimelineEvent) bool {
		return ev.NextEventID == "" || ev.NextEventID == start.EventID
	})
	if err != nil {
		return nil, err
	}
	if stalled(resp, fresh, met, from) {
		return nil, errors.Wrapf(ErrStalled, "backwards from %s at %s", start.EventID, from)
	}
	reverse(fresh)
	return newSplice(models.Backwards, start, fresh, met, pred, resp, from, dest), nil
}

func (e *Engine) planForwards(ctx context.Context, start *models.TimelineEvent, limit int) (*splice, error) {
	succ, err := e.store.GetNext(ctx, start)
	if err != nil {
		return nil, errors.Wrapf(err, "load successor of %s", start.EventID)
	}
	dest := ""
	if succ != nil && succ.Gap.HasBefore() {
		dest = succ.Gap.Before
	}
	from := start.Gap.After
	resp, err := e.fetch(ctx, models.FetchRequest{
		RoomID:    start.RoomID,
		From:      from,
		To:        dest,
		Direction: models.Forwards,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	fresh, met, err := e.window(ctx, start, resp.Events, func(ev *models.TimelineEvent) bool {
		return ev.PreviousEventID == "" || ev.PreviousEventID == start.EventID
	})
	if err != nil {
		return nil, err
	}
	if stalled(resp, fresh, met, from) {
		return nil, errors.Wrapf(ErrStalled, "forwards from %s at %s", start.EventID, from)
	}
	return newSplice(models.Forwards, start, fresh, met, succ, resp, from, dest), nil
}

// newSplice decides whether a fetched window closes the gap. It does when the
// window reached a stored event, when the server stopped at the destination
// token, or when the server has nothing further.
func newSplice(dir models.Direction, start *models.TimelineEvent, fresh []*event.Event, met, linked *models.TimelineEvent, resp *models.FetchResponse, from, dest string) *splice {
	p := &splice{
		dir:       dir,
		start:     start,
		nodes:     chainEvents(fresh),
		neighbour: linked,
		end:       resp.End,
	}
	if met != nil {
		p.neighbour = met
	}
	p.filled = met != nil || (dest != "" && resp.End == dest) || exhausted(resp, from)
	return p
}

// window cuts a fetched chunk at the first event that is already stored and
// may be joined to start. Stored events that cannot be joined are dropped.
// Returned events are in server order.
func (e *Engine) window(ctx context.Context, start *models.TimelineEvent, chunk []*event.Event, joinable func(*models.TimelineEvent) bool) ([]*event.Event, *models.TimelineEvent, error) {
	seen := make(map[id.EventID]struct{}, len(chunk))
	out := make([]*event.Event, 0, len(chunk))
	for _, evt := range chunk {
		if evt == nil || evt.ID == "" || evt.ID == start.EventID {
			continue
		}
		if _, ok := seen[evt.ID]; ok {
			continue
		}
		seen[evt.ID] = struct{}{}
		if evt.RoomID == "" {
			evt.RoomID = start.RoomID
		}
		stored, err := e.store.Get(ctx, start.RoomID, evt.ID)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "look up %s", evt.ID)
		}
		if stored == nil {
			out = append(out, evt)
			continue
		}
		if joinable(stored) {
			return out, stored, nil
		}
	}
	return out, nil, nil
}

// apply links a planned window into the chain. Caller holds the room lock.
func (e *Engine) apply(ctx context.Context, p *splice) error {
	roomID, startID := p.start.RoomID, p.start.EventID
	var neighbourID id.EventID
	if p.neighbour != nil {
		neighbourID = p.neighbour.EventID
	}
	k := len(p.nodes)
	backwards := p.dir == models.Backwards

	// near is the new event next to start, far the one next to the neighbour
	nearID, farID := startID, startID
	if k > 0 {
		first, last := p.nodes[0], p.nodes[k-1]
		if backwards {
			last.NextEventID = startID
			first.PreviousEventID = neighbourID
			if !p.filled {
				first.Gap = models.GapBefore(p.end)
			}
			nearID, farID = last.EventID, first.EventID
		} else {
			first.PreviousEventID = startID
			last.NextEventID = neighbourID
			if !p.filled {
				last.Gap = models.GapAfter(p.end)
			}
			nearID, farID = first.EventID, last.EventID
		}
		if err := e.store.AddAll(ctx, p.nodes); err != nil {
			return err
		}
	} else {
		nearID = neighbourID
	}

	err := e.store.Update(ctx, roomID, startID, func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		if cur == nil {
			return nil, invariantf("gap start %s of room %s vanished during fill", startID, roomID)
		}
		next := cur.Clone()
		closed := k > 0 || p.filled
		if backwards {
			if nearID != "" {
				next.PreviousEventID = nearID
			}
			if closed {
				next.Gap = next.Gap.WithoutBefore()
			} else {
				next.Gap = next.Gap.WithBefore(p.end)
			}
		} else {
			if nearID != "" {
				next.NextEventID = nearID
			}
			if closed {
				next.Gap = next.Gap.WithoutAfter()
			} else {
				next.Gap = next.Gap.WithAfter(p.end)
			}
		}
		return next, nil
	})
	if err != nil || neighbourID == "" {
		return err
	}

	return e.store.Update(ctx, roomID, neighbourID, func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		if cur == nil {
			return nil, invariantf("neighbour %s of room %s vanished during fill", neighbourID, roomID)
		}
		next := cur.Clone()
		if backwards {
			next.NextEventID = farID
			if p.filled {
				next.Gap = next.Gap.WithoutAfter()
			}
		} else {
			next.PreviousEventID = farID
			if p.filled {
				next.Gap = next.Gap.WithoutBefore()
			}
		}
		return next, nil
	})
}

// exhausted reports whether the server said there is nothing further.
func exhausted(resp *models.FetchResponse, from string) bool {
	return resp.End == "" || resp.End == resp.Start || (len(resp.Events) == 0 && resp.End == from)
}

// stalled reports a window of only unjoinable stored events that leaves the
// token where it was.
func stalled(resp *models.FetchResponse, fresh []*event.Event, met *models.TimelineEvent, from string) bool {
	return met == nil && len(fresh) == 0 && len(resp.Events) > 0 && resp.End == from
}

func reverse(events []*event.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
