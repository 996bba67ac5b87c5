// Package pebblestore is the pebble-backed chain store.
package pebblestore

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/locks"
	"roomline/pkg/logger"
	"roomline/pkg/models"
	"roomline/pkg/store"
	"roomline/pkg/store/keys"
)

// Options tunes the backend.
type Options struct {
	// Sync fsyncs every write batch.
	Sync bool
	// InMemory keeps all data in a memory filesystem. Path is ignored.
	InMemory bool
	Logger   *zap.Logger
}

// Store implements store.Store on a pebble database.
type Store struct {
	db       *pebble.DB
	writeOpt *pebble.WriteOptions
	eventMu  *locks.KeyedMutex
	roomMu   *locks.KeyedMutex
	log      *zap.Logger
}

var _ store.Store = (*Store)(nil)

// opens/creates the pebble database at path
func Open(path string, opts Options) (*Store, error) {
	log := logger.OrNop(opts.Logger)
	popts := &pebble.Options{}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		path = ""
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, errors.Wrapf(err, "open pebble at %q", path)
	}
	wo := pebble.NoSync
	if opts.Sync {
		wo = pebble.Sync
	}
	return &Store{db: db, writeOpt: wo, eventMu: locks.New(), roomMu: locks.New(), log: log}, nil
}

// OpenInMemory is Open with a memory filesystem.
func OpenInMemory(log *zap.Logger) (*Store, error) {
	return Open("", Options{InMemory: true, Logger: log})
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// returns true if error is pebble.ErrNotFound
func isNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

func (s *Store) getRaw(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *Store) Get(_ context.Context, roomID id.RoomID, eventID id.EventID) (*models.TimelineEvent, error) {
	b, err := s.getRaw(keys.Event(roomID, eventID))
	if err != nil {
		return nil, errors.Wrapf(err, "get event %s", eventID)
	}
	if b == nil {
		return nil, nil
	}
	return decodeEvent(b)
}

func (s *Store) Update(ctx context.Context, roomID id.RoomID, eventID id.EventID, fn store.UpdateFunc) error {
	unlock := s.eventMu.Lock(models.EventKey(roomID, eventID))
	defer unlock()

	current, err := s.Get(ctx, roomID, eventID)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	key := keys.Event(roomID, eventID)
	switch {
	case next == current:
		return nil
	case next == nil:
		return errors.Wrapf(s.db.Delete(key, s.writeOpt), "delete event %s", eventID)
	}
	b, err := json.Marshal(next)
	if err != nil {
		return errors.Wrapf(err, "encode event %s", eventID)
	}
	return errors.Wrapf(s.db.Set(key, b, s.writeOpt), "write event %s", eventID)
}

func (s *Store) AddAll(_ context.Context, events []*models.TimelineEvent) error {
	if len(events) == 0 {
		return nil
	}
	lockKeys := make([]string, 0, len(events))
	for _, ev := range events {
		lockKeys = append(lockKeys, ev.Key())
	}
	unlock := s.eventMu.LockAll(lockKeys)
	defer unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	written := make(map[string]struct{}, len(events))
	for _, ev := range events {
		key := keys.Event(ev.RoomID, ev.EventID)
		if _, dup := written[string(key)]; dup {
			continue
		}
		existing, err := s.getRaw(key)
		if err != nil {
			return errors.Wrapf(err, "check event %s", ev.EventID)
		}
		if existing != nil {
			continue
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrapf(err, "encode event %s", ev.EventID)
		}
		if err := batch.Set(key, b, nil); err != nil {
			return err
		}
		written[string(key)] = struct{}{}
	}
	if len(written) == 0 {
		return nil
	}
	return errors.Wrap(batch.Commit(s.writeOpt), "commit events")
}

func (s *Store) GetPrevious(ctx context.Context, ev *models.TimelineEvent) (*models.TimelineEvent, error) {
	return store.Previous(ctx, s.Get, ev)
}

func (s *Store) GetNext(ctx context.Context, ev *models.TimelineEvent) (*models.TimelineEvent, error) {
	return store.Next(ctx, s.Get, ev)
}

func (s *Store) FilterDuplicates(_ context.Context, roomID id.RoomID, events []*event.Event) ([]*event.Event, error) {
	candidates := store.Dedupe(events)
	out := candidates[:0]
	for _, evt := range candidates {
		b, err := s.getRaw(keys.Event(roomID, evt.ID))
		if err != nil {
			return nil, errors.Wrapf(err, "check event %s", evt.ID)
		}
		if b == nil {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *Store) AddRelation(_ context.Context, rel models.Relation) error {
	b, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	key := keys.Relation(rel.RoomID, rel.RelatedEventID, rel.RelationType, rel.EventID)
	return errors.Wrapf(s.db.Set(key, b, s.writeOpt), "write relation %s", rel.EventID)
}

func (s *Store) DeleteRelation(_ context.Context, rel models.Relation) error {
	key := keys.Relation(rel.RoomID, rel.RelatedEventID, rel.RelationType, rel.EventID)
	return errors.Wrapf(s.db.Delete(key, s.writeOpt), "delete relation %s", rel.EventID)
}

func (s *Store) GetRelations(_ context.Context, roomID id.RoomID, relatedEventID id.EventID, relType event.RelationType) (map[id.EventID]models.Relation, error) {
	out := make(map[id.EventID]models.Relation)
	err := s.scanPrefix(keys.Relations(roomID, relatedEventID, relType), func(v []byte) error {
		var rel models.Relation
		if err := json.Unmarshal(v, &rel); err != nil {
			return errors.Wrap(err, "decode relation")
		}
		out[rel.EventID] = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetRoom(_ context.Context, roomID id.RoomID) (*models.Room, error) {
	b, err := s.getRaw(keys.Room(roomID))
	if err != nil {
		return nil, errors.Wrapf(err, "get room %s", roomID)
	}
	if b == nil {
		return nil, nil
	}
	var room models.Room
	if err := json.Unmarshal(b, &room); err != nil {
		return nil, errors.Wrapf(err, "decode room %s", roomID)
	}
	return &room, nil
}

func (s *Store) UpdateRoom(ctx context.Context, roomID id.RoomID, fn store.RoomUpdateFunc) error {
	unlock := s.roomMu.Lock(string(roomID))
	defer unlock()

	current, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	key := keys.Room(roomID)
	switch {
	case next == current:
		return nil
	case next == nil:
		return s.db.Delete(key, s.writeOpt)
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return errors.Wrapf(s.db.Set(key, b, s.writeOpt), "write room %s", roomID)
}

func (s *Store) ListRooms(_ context.Context) ([]id.RoomID, error) {
	var rooms []id.RoomID
	err := s.scanPrefix(keys.Rooms(), func(v []byte) error {
		var room models.Room
		if err := json.Unmarshal(v, &room); err != nil {
			return errors.Wrap(err, "decode room")
		}
		rooms = append(rooms, room.RoomID)
		return nil
	})
	return rooms, err
}

func (s *Store) ScanRoom(ctx context.Context, roomID id.RoomID, fn func(*models.TimelineEvent) error) error {
	return s.scanPrefix(keys.RoomEvents(roomID), func(v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := decodeEvent(v)
		if err != nil {
			return err
		}
		return fn(ev)
	})
}

func (s *Store) scanPrefix(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keys.UpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := fn(append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func decodeEvent(b []byte) (*models.TimelineEvent, error) {
	var ev models.TimelineEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	return &ev, nil
}
