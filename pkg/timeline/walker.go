package timeline

import (
	"context"
	"iter"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
	"roomline/pkg/store"
)

// WalkOptions bounds one traversal. MaxSize of zero means unbounded; a
// forward walk that has not reached MinSize waits at the live edge for new
// events.
type WalkOptions struct {
	Direction      models.Direction
	MinSize        int
	MaxSize        int
	FetchSize      int
	FetchTimeout   time.Duration
	DecryptTimeout time.Duration
}

// Entry is one emitted event. Event and Content are a snapshot taken at
// emission; Changes and Reload follow the stored event afterwards.
type Entry struct {
	RoomID     id.RoomID
	EventID    id.EventID
	Event      *models.TimelineEvent
	Content    *models.RoomContent
	ContentErr error

	store *store.Observed
}

// Changes signals whenever the stored event is rewritten. Call the returned
// function to stop listening.
func (en *Entry) Changes() (<-chan struct{}, func()) {
	return en.store.Subscribe(en.RoomID, en.EventID)
}

// Reload returns the current stored state of the event.
func (en *Entry) Reload(ctx context.Context) (*models.TimelineEvent, error) {
	return en.store.Get(ctx, en.RoomID, en.EventID)
}

// Walker is a pull iterator over a chain. It is not safe for concurrent use;
// start one walker per consumer.
type Walker struct {
	engine  *Engine
	opts    WalkOptions
	roomID  id.RoomID
	startID id.EventID

	cur     *models.TimelineEvent
	emitted bool
	count   int
	seen    map[string]struct{}
	done    bool
	fatal   error
}

// Walk starts a traversal at eventID. Nothing is read until Next is called.
func (e *Engine) Walk(roomID id.RoomID, eventID id.EventID, opts WalkOptions) *Walker {
	w := &Walker{
		engine:  e,
		opts:    opts,
		roomID:  roomID,
		startID: eventID,
		seen:    make(map[string]struct{}),
	}
	if opts.MinSize < 0 || opts.MaxSize < 0 || (opts.MaxSize > 0 && opts.MaxSize < opts.MinSize) {
		w.fatal = errors.Newf("walk: invalid bounds min=%d max=%d", opts.MinSize, opts.MaxSize)
	}
	if w.opts.FetchSize <= 0 {
		w.opts.FetchSize = e.fetchLimit
	}
	if w.opts.DecryptTimeout <= 0 {
		w.opts.DecryptTimeout = e.decryptTimeout
	}
	return w
}

// Next returns the next entry, or Done once the walk has ended. A failed gap
// fill is returned without advancing so a later call retries it. An
// invariant violation is sticky.
func (w *Walker) Next(ctx context.Context) (*Entry, error) {
	if w.fatal != nil {
		return nil, w.fatal
	}
	if w.done {
		return nil, Done
	}
	if w.cur == nil {
		ev, err := w.await(ctx, w.roomID, w.startID)
		if err != nil {
			return nil, err
		}
		w.cur = ev
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !w.emitted {
			return w.emit(ctx)
		}

		cur, err := w.engine.store.Get(ctx, w.cur.RoomID, w.cur.EventID)
		if err != nil {
			return nil, errors.Wrapf(err, "reload %s", w.cur.EventID)
		}
		if cur != nil {
			w.cur = cur
		}
		room, err := w.engine.store.GetRoom(ctx, w.cur.RoomID)
		if err != nil {
			return nil, errors.Wrapf(err, "load room %s", w.cur.RoomID)
		}

		stop, err := w.shouldStop(ctx, room)
		if err != nil {
			return nil, err
		}
		if stop {
			w.done = true
			return nil, Done
		}
		if w.needsFetch(room) {
			if err := w.fill(ctx); err != nil {
				return nil, err
			}
			continue
		}

		next, err := w.advance(ctx, room)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if w.opts.Direction == models.Backwards {
				w.done = true
				return nil, Done
			}
			// the current event changed; evaluate it again
			continue
		}
		w.cur, w.emitted = next, false
	}
}

// All iterates the remaining entries. Iteration ends after Done or after
// yielding the first error.
func (w *Walker) All(ctx context.Context) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		for {
			en, err := w.Next(ctx)
			if errors.Is(err, Done) {
				return
			}
			if !yield(en, err) || err != nil {
				return
			}
		}
	}
}

// Window walks from eventID and collects entries until the walk stops. On
// error the entries collected so far are returned with it.
func (e *Engine) Window(ctx context.Context, roomID id.RoomID, eventID id.EventID, opts WalkOptions) ([]*Entry, error) {
	var out []*Entry
	for en, err := range e.Walk(roomID, eventID, opts).All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, en)
	}
	return out, nil
}

func (w *Walker) emit(ctx context.Context) (*Entry, error) {
	key := w.cur.Key()
	if _, ok := w.seen[key]; ok {
		w.fatal = invariantf("loop in room %s: %s emitted twice", w.cur.RoomID, w.cur.EventID)
		w.engine.log.Error("chain_loop_detected",
			zap.Stringer("room_id", w.cur.RoomID),
			zap.Stringer("event_id", w.cur.EventID))
		return nil, w.fatal
	}
	w.seen[key] = struct{}{}
	w.emitted = true
	w.count++
	w.engine.metrics.WalkSteps.Inc()

	content, cerr := w.engine.resolveContent(ctx, w.cur, w.opts.DecryptTimeout)
	return &Entry{
		RoomID:     w.cur.RoomID,
		EventID:    w.cur.EventID,
		Event:      w.cur,
		Content:    content,
		ContentErr: cerr,
		store:      w.engine.store,
	}, nil
}

func isTail(room *models.Room, ev *models.TimelineEvent) bool {
	return room != nil && room.LastEventID == ev.EventID
}

func (w *Walker) needsFetch(room *models.Room) bool {
	if w.opts.Direction == models.Backwards {
		return w.cur.Gap.HasBefore()
	}
	return w.cur.Gap.HasAfter() && !isTail(room, w.cur)
}

func (w *Walker) isLast(room *models.Room) bool {
	return isTail(room, w.cur) || w.cur.IsLast()
}

func (w *Walker) shouldStop(ctx context.Context, room *models.Room) (bool, error) {
	if w.opts.Direction == models.Backwards && w.cur.IsFirst() {
		pred, err := w.engine.predecessorOf(ctx, w.cur)
		if err != nil {
			return false, err
		}
		if pred == nil {
			return true, nil
		}
	}
	if w.count >= w.opts.MinSize {
		if w.needsFetch(room) || (w.opts.Direction == models.Forwards && w.isLast(room)) {
			return true, nil
		}
	}
	return w.opts.MaxSize > 0 && w.count >= w.opts.MaxSize, nil
}

// fill runs a gap fill for the current event. Walkers reaching the same event
// share one fetch; the loser re-reads the result.
func (w *Walker) fill(ctx context.Context) error {
	unlock, err := w.engine.fetchLocks.LockContext(ctx, w.cur.Key())
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := w.engine.store.Get(ctx, w.cur.RoomID, w.cur.EventID)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	w.cur = cur
	room, err := w.engine.store.GetRoom(ctx, cur.RoomID)
	if err != nil {
		return err
	}
	if !w.needsFetch(room) {
		return nil
	}

	fctx := ctx
	if w.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, w.opts.FetchTimeout)
		defer cancel()
	}
	if err := w.engine.FillGap(fctx, cur.RoomID, cur.EventID, w.opts.FetchSize); err != nil {
		w.engine.log.Warn("walk_fill_failed",
			zap.Stringer("room_id", cur.RoomID),
			zap.Stringer("event_id", cur.EventID),
			zap.Error(err))
		return err
	}
	return nil
}

// advance returns the neighbour in the walk direction. It returns nil when
// the walker should re-evaluate the current event instead.
func (w *Walker) advance(ctx context.Context, room *models.Room) (*models.TimelineEvent, error) {
	cur := w.cur
	if w.opts.Direction == models.Backwards {
		if cur.PreviousEventID != "" {
			return w.await(ctx, cur.RoomID, cur.PreviousEventID)
		}
		return w.engine.predecessorOf(ctx, cur)
	}

	if cur.NextEventID != "" {
		return w.await(ctx, cur.RoomID, cur.NextEventID)
	}
	if w.isLast(room) {
		succ, err := w.engine.successorOf(ctx, cur)
		if err != nil || succ != nil {
			return succ, err
		}
	}
	return nil, w.waitChange(ctx, cur)
}

// await returns the stored event, waiting for it to be written when it is
// not visible yet.
func (w *Walker) await(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*models.TimelineEvent, error) {
	for {
		ch, cancel := w.engine.store.Subscribe(roomID, eventID)
		ev, err := w.engine.store.Get(ctx, roomID, eventID)
		if err != nil || ev != nil {
			cancel()
			return ev, err
		}
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		}
	}
}

// waitChange blocks until ev or its room is written.
func (w *Walker) waitChange(ctx context.Context, ev *models.TimelineEvent) error {
	ch, cancel := w.engine.store.Subscribe(ev.RoomID, ev.EventID)
	defer cancel()
	roomCh, cancelRoom := w.engine.store.SubscribeRoom(ev.RoomID)
	defer cancelRoom()

	cur, err := w.engine.store.Get(ctx, ev.RoomID, ev.EventID)
	if err != nil {
		return err
	}
	if cur != nil && (cur.NextEventID != ev.NextEventID || cur.Gap.String() != ev.Gap.String()) {
		return nil
	}
	select {
	case <-ch:
	case <-roomCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
