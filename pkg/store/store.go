// Package store defines the chain store contract shared by every backend and
// the observed wrapper that turns writes into change notifications.
package store

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
)

// UpdateFunc receives the stored event (nil when absent) and returns its
// replacement. Returning nil deletes the entry and returning the input
// pointer leaves it untouched. It must not call back into the store.
type UpdateFunc func(current *models.TimelineEvent) (*models.TimelineEvent, error)

// RoomUpdateFunc is UpdateFunc for room cursors.
type RoomUpdateFunc func(current *models.Room) (*models.Room, error)

// ChainStore persists timeline events and their relations.
type ChainStore interface {
	// Get returns (nil, nil) when the event is not stored.
	Get(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*models.TimelineEvent, error)
	// Update is an atomic read-modify-write serialised per (room, event).
	Update(ctx context.Context, roomID id.RoomID, eventID id.EventID, fn UpdateFunc) error
	// AddAll inserts events in one write. Entries that already exist are kept.
	AddAll(ctx context.Context, events []*models.TimelineEvent) error
	GetPrevious(ctx context.Context, ev *models.TimelineEvent) (*models.TimelineEvent, error)
	GetNext(ctx context.Context, ev *models.TimelineEvent) (*models.TimelineEvent, error)
	// FilterDuplicates drops events that are already stored or repeated in
	// the input, preserving order.
	FilterDuplicates(ctx context.Context, roomID id.RoomID, events []*event.Event) ([]*event.Event, error)

	AddRelation(ctx context.Context, rel models.Relation) error
	DeleteRelation(ctx context.Context, rel models.Relation) error
	// GetRelations returns the edges pointing at relatedEventID keyed by the
	// relating event id.
	GetRelations(ctx context.Context, roomID id.RoomID, relatedEventID id.EventID, relType event.RelationType) (map[id.EventID]models.Relation, error)
}

// RoomStore persists room cursors.
type RoomStore interface {
	// GetRoom returns (nil, nil) for an unknown room.
	GetRoom(ctx context.Context, roomID id.RoomID) (*models.Room, error)
	UpdateRoom(ctx context.Context, roomID id.RoomID, fn RoomUpdateFunc) error
	ListRooms(ctx context.Context) ([]id.RoomID, error)
}

// Scanner iterates every stored event of a room in key order.
type Scanner interface {
	ScanRoom(ctx context.Context, roomID id.RoomID, fn func(*models.TimelineEvent) error) error
}

// Store is what a backend provides.
type Store interface {
	ChainStore
	RoomStore
	Scanner
	Close() error
}
