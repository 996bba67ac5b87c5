package store

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
)

// Observed wraps a Store and publishes a notification after every successful
// write, per event key and per room. Notifications are coalesced: a
// subscriber that is slow to read sees one pending signal, not a backlog.
type Observed struct {
	Store

	mu   sync.Mutex
	next uint64
	subs map[string]map[uint64]chan struct{}
}

// Observe wraps s. An already observed store is returned as is.
func Observe(s Store) *Observed {
	if o, ok := s.(*Observed); ok {
		return o
	}
	return &Observed{Store: s, subs: make(map[string]map[uint64]chan struct{})}
}

func roomKey(roomID id.RoomID) string { return "room|" + string(roomID) }

// Subscribe returns a channel signalled whenever the event is written.
func (o *Observed) Subscribe(roomID id.RoomID, eventID id.EventID) (<-chan struct{}, func()) {
	return o.subscribe(models.EventKey(roomID, eventID))
}

// SubscribeRoom returns a channel signalled whenever anything in the room
// (events, relations or the cursor) is written.
func (o *Observed) SubscribeRoom(roomID id.RoomID) (<-chan struct{}, func()) {
	return o.subscribe(roomKey(roomID))
}

func (o *Observed) subscribe(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	o.mu.Lock()
	o.next++
	n := o.next
	if o.subs[key] == nil {
		o.subs[key] = make(map[uint64]chan struct{})
	}
	o.subs[key][n] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subs[key], n)
			if len(o.subs[key]) == 0 {
				delete(o.subs, key)
			}
		})
	}
}

func (o *Observed) notify(keys ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, key := range keys {
		for _, ch := range o.subs[key] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func (o *Observed) Update(ctx context.Context, roomID id.RoomID, eventID id.EventID, fn UpdateFunc) error {
	if err := o.Store.Update(ctx, roomID, eventID, fn); err != nil {
		return err
	}
	o.notify(models.EventKey(roomID, eventID), roomKey(roomID))
	return nil
}

func (o *Observed) AddAll(ctx context.Context, events []*models.TimelineEvent) error {
	if err := o.Store.AddAll(ctx, events); err != nil {
		return err
	}
	keys := make([]string, 0, len(events)+1)
	rooms := make(map[id.RoomID]struct{})
	for _, ev := range events {
		keys = append(keys, ev.Key())
		rooms[ev.RoomID] = struct{}{}
	}
	for roomID := range rooms {
		keys = append(keys, roomKey(roomID))
	}
	o.notify(keys...)
	return nil
}

func (o *Observed) AddRelation(ctx context.Context, rel models.Relation) error {
	if err := o.Store.AddRelation(ctx, rel); err != nil {
		return err
	}
	o.notify(roomKey(rel.RoomID))
	return nil
}

func (o *Observed) DeleteRelation(ctx context.Context, rel models.Relation) error {
	if err := o.Store.DeleteRelation(ctx, rel); err != nil {
		return err
	}
	o.notify(roomKey(rel.RoomID))
	return nil
}

func (o *Observed) UpdateRoom(ctx context.Context, roomID id.RoomID, fn RoomUpdateFunc) error {
	if err := o.Store.UpdateRoom(ctx, roomID, fn); err != nil {
		return err
	}
	o.notify(roomKey(roomID))
	return nil
}

// Unwrap returns the backend.
func (o *Observed) Unwrap() Store { return o.Store }
