// Package sqlitestore is the sqlite-backed chain store.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"

	"roomline/pkg/locks"
	"roomline/pkg/logger"
	"roomline/pkg/models"
	"roomline/pkg/store"
)

// Store implements store.Store on a single sqlite database file.
type Store struct {
	db      *sql.DB
	eventMu *locks.KeyedMutex
	roomMu  *locks.KeyedMutex
	log     *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	log = logger.OrNop(log)
	// modernc.org/sqlite uses _pragma=name(value) syntax
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // single writer to avoid SQLITE_BUSY
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect sqlite")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		log.Error("sqlite_schema_failed", zap.String("path", path), zap.Error(err))
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db, eventMu: locks.New(), roomMu: locks.New(), log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEvent(ctx context.Context, q querier, roomID id.RoomID, eventID id.EventID) (*models.TimelineEvent, error) {
	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT data FROM timeline_events WHERE room_id = ? AND event_id = ?`, roomID, eventID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get event %s", eventID)
	}
	var ev models.TimelineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Wrapf(err, "decode event %s", eventID)
	}
	return &ev, nil
}

func (s *Store) Get(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*models.TimelineEvent, error) {
	return getEvent(ctx, s.db, roomID, eventID)
}

func (s *Store) Update(ctx context.Context, roomID id.RoomID, eventID id.EventID, fn store.UpdateFunc) error {
	unlock := s.eventMu.Lock(models.EventKey(roomID, eventID))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin update")
	}
	defer tx.Rollback()

	current, err := getEvent(ctx, tx, roomID, eventID)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	switch {
	case next == current:
		return nil
	case next == nil:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM timeline_events WHERE room_id = ? AND event_id = ?`, roomID, eventID); err != nil {
			return errors.Wrapf(err, "delete event %s", eventID)
		}
	default:
		data, err := json.Marshal(next)
		if err != nil {
			return errors.Wrapf(err, "encode event %s", eventID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO timeline_events (room_id, event_id, data) VALUES (?, ?, ?)
			 ON CONFLICT (room_id, event_id) DO UPDATE SET data = excluded.data`,
			roomID, eventID, data); err != nil {
			return errors.Wrapf(err, "write event %s", eventID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit update")
}

func (s *Store) AddAll(ctx context.Context, events []*models.TimelineEvent) error {
	if len(events) == 0 {
		return nil
	}
	lockKeys := make([]string, 0, len(events))
	for _, ev := range events {
		lockKeys = append(lockKeys, ev.Key())
	}
	unlock := s.eventMu.LockAll(lockKeys)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin add")
	}
	defer tx.Rollback()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrapf(err, "encode event %s", ev.EventID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO timeline_events (room_id, event_id, data) VALUES (?, ?, ?)`,
			ev.RoomID, ev.EventID, data); err != nil {
			return errors.Wrapf(err, "insert event %s", ev.EventID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit add")
}

func (s *Store) GetPrevious(ctx context.Context, ev *models.TimelineEvent) (*models.TimelineEvent, error) {
	return store.Previous(ctx, s.Get, ev)
}

func (s *Store) GetNext(ctx context.Context, ev *models.TimelineEvent) (*models.TimelineEvent, error) {
	return store.Next(ctx, s.Get, ev)
}

func (s *Store) FilterDuplicates(ctx context.Context, roomID id.RoomID, events []*event.Event) ([]*event.Event, error) {
	candidates := store.Dedupe(events)
	out := candidates[:0]
	for _, evt := range candidates {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM timeline_events WHERE room_id = ? AND event_id = ?`, roomID, evt.ID).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out = append(out, evt)
		case err != nil:
			return nil, errors.Wrapf(err, "check event %s", evt.ID)
		}
	}
	return out, nil
}

func (s *Store) AddRelation(ctx context.Context, rel models.Relation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO timeline_relations (room_id, related_event_id, rel_type, event_id) VALUES (?, ?, ?, ?)`,
		rel.RoomID, rel.RelatedEventID, rel.RelationType, rel.EventID)
	return errors.Wrapf(err, "write relation %s", rel.EventID)
}

func (s *Store) DeleteRelation(ctx context.Context, rel models.Relation) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM timeline_relations WHERE room_id = ? AND related_event_id = ? AND rel_type = ? AND event_id = ?`,
		rel.RoomID, rel.RelatedEventID, rel.RelationType, rel.EventID)
	return errors.Wrapf(err, "delete relation %s", rel.EventID)
}

func (s *Store) GetRelations(ctx context.Context, roomID id.RoomID, relatedEventID id.EventID, relType event.RelationType) (map[id.EventID]models.Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id FROM timeline_relations WHERE room_id = ? AND related_event_id = ? AND rel_type = ?`,
		roomID, relatedEventID, relType)
	if err != nil {
		return nil, errors.Wrap(err, "query relations")
	}
	defer rows.Close()
	out := make(map[id.EventID]models.Relation)
	for rows.Next() {
		var eventID id.EventID
		if err := rows.Scan(&eventID); err != nil {
			return nil, err
		}
		out[eventID] = models.Relation{RoomID: roomID, EventID: eventID, RelationType: relType, RelatedEventID: relatedEventID}
	}
	return out, rows.Err()
}

func (s *Store) GetRoom(ctx context.Context, roomID id.RoomID) (*models.Room, error) {
	return getRoom(ctx, s.db, roomID)
}

func getRoom(ctx context.Context, q querier, roomID id.RoomID) (*models.Room, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT data FROM rooms WHERE room_id = ?`, roomID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get room %s", roomID)
	}
	var room models.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, errors.Wrapf(err, "decode room %s", roomID)
	}
	return &room, nil
}

func (s *Store) UpdateRoom(ctx context.Context, roomID id.RoomID, fn store.RoomUpdateFunc) error {
	unlock := s.roomMu.Lock(string(roomID))
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin room update")
	}
	defer tx.Rollback()

	current, err := getRoom(ctx, tx, roomID)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	switch {
	case next == current:
		return nil
	case next == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, roomID); err != nil {
			return err
		}
	default:
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (room_id, data) VALUES (?, ?)
			 ON CONFLICT (room_id) DO UPDATE SET data = excluded.data`, roomID, data); err != nil {
			return errors.Wrapf(err, "write room %s", roomID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit room update")
}

func (s *Store) ListRooms(ctx context.Context) ([]id.RoomID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room_id FROM rooms ORDER BY room_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	defer rows.Close()
	var rooms []id.RoomID
	for rows.Next() {
		var roomID id.RoomID
		if err := rows.Scan(&roomID); err != nil {
			return nil, err
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

func (s *Store) ScanRoom(ctx context.Context, roomID id.RoomID, fn func(*models.TimelineEvent) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM timeline_events WHERE room_id = ? ORDER BY event_id`, roomID)
	if err != nil {
		return errors.Wrap(err, "scan room")
	}
	// drain before calling fn: the single connection is busy while rows are open
	var batch [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, data)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, data := range batch {
		var ev models.TimelineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return errors.Wrap(err, "decode event")
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
	return nil
}
