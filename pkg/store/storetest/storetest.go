// Package storetest holds the chain store contract tests every backend runs.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
	"roomline/pkg/store"
)

const Room id.RoomID = "!chain:example.org"

// Event builds a plain text message event.
func Event(eventID id.EventID, ts int64) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    Room,
		Sender:    "@alice:example.org",
		Type:      event.EventMessage,
		Timestamp: ts,
		Content:   event.Content{VeryRaw: json.RawMessage(`{"msgtype":"m.text","body":"` + string(eventID) + `"}`)},
	}
}

// Run executes the contract suite against stores built by open.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("GetAbsent", func(t *testing.T) { testGetAbsent(t, open(t)) })
	t.Run("AddAllKeepsExisting", func(t *testing.T) { testAddAllKeepsExisting(t, open(t)) })
	t.Run("UpdateNoopAndEvict", func(t *testing.T) { testUpdateNoopAndEvict(t, open(t)) })
	t.Run("UpdateSerialisesPerKey", func(t *testing.T) { testUpdateSerialised(t, open(t)) })
	t.Run("Neighbours", func(t *testing.T) { testNeighbours(t, open(t)) })
	t.Run("FilterDuplicates", func(t *testing.T) { testFilterDuplicates(t, open(t)) })
	t.Run("Relations", func(t *testing.T) { testRelations(t, open(t)) })
	t.Run("Rooms", func(t *testing.T) { testRooms(t, open(t)) })
	t.Run("ScanRoom", func(t *testing.T) { testScanRoom(t, open(t)) })
	t.Run("ObservedNotifies", func(t *testing.T) { testObserved(t, open(t)) })
}

func testGetAbsent(t *testing.T, s store.Store) {
	ev, err := s.Get(context.Background(), Room, "$missing")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func testAddAllKeepsExisting(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := models.NewTimelineEvent(Event("$a", 1))
	first.Gap = models.GapBefore("tok")
	require.NoError(t, s.AddAll(ctx, []*models.TimelineEvent{first}))

	replacement := models.NewTimelineEvent(Event("$a", 1))
	replacement.NextEventID = "$b"
	second := models.NewTimelineEvent(Event("$b", 2))
	require.NoError(t, s.AddAll(ctx, []*models.TimelineEvent{replacement, second}))

	got, err := s.Get(ctx, Room, "$a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok", got.Gap.Before)
	assert.Empty(t, got.NextEventID)

	got, err = s.Get(ctx, Room, "$b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.OriginTS())
	assert.JSONEq(t, `{"msgtype":"m.text","body":"$b"}`, string(models.RawContent(got.Event)))
}

func testUpdateNoopAndEvict(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AddAll(ctx, []*models.TimelineEvent{models.NewTimelineEvent(Event("$a", 1))}))

	calls := 0
	require.NoError(t, s.Update(ctx, Room, "$a", func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		calls++
		return cur, nil
	}))
	assert.Equal(t, 1, calls)

	require.NoError(t, s.Update(ctx, Room, "$a", func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		next := cur.Clone()
		next.Gap = models.GapAfter("after")
		return next, nil
	}))
	got, err := s.Get(ctx, Room, "$a")
	require.NoError(t, err)
	assert.Equal(t, "after", got.Gap.After)

	require.NoError(t, s.Update(ctx, Room, "$a", func(*models.TimelineEvent) (*models.TimelineEvent, error) {
		return nil, nil
	}))
	got, err = s.Get(ctx, Room, "$a")
	require.NoError(t, err)
	assert.Nil(t, got)

	// updating an absent key sees nil and may create it
	require.NoError(t, s.Update(ctx, Room, "$new", func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		assert.Nil(t, cur)
		return models.NewTimelineEvent(Event("$new", 9)), nil
	}))
	got, err = s.Get(ctx, Room, "$new")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func testUpdateSerialised(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AddAll(ctx, []*models.TimelineEvent{models.NewTimelineEvent(Event("$counter", 0))}))

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Update(ctx, Room, "$counter", func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
				next := cur.Clone()
				next.Event.Timestamp++
				return next, nil
			}))
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, Room, "$counter")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), got.OriginTS())
}

func testNeighbours(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := models.NewTimelineEvent(Event("$a", 1))
	b := models.NewTimelineEvent(Event("$b", 2))
	a.NextEventID, b.PreviousEventID = b.EventID, a.EventID
	require.NoError(t, s.AddAll(ctx, []*models.TimelineEvent{a, b}))

	next, err := s.GetNext(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, id.EventID("$b"), next.EventID)

	prev, err := s.GetPrevious(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, id.EventID("$a"), prev.EventID)

	none, err := s.GetPrevious(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testFilterDuplicates(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AddAll(ctx, []*models.TimelineEvent{models.NewTimelineEvent(Event("$known", 1))}))

	out, err := s.FilterDuplicates(ctx, Room, []*event.Event{
		Event("$x", 2), Event("$known", 1), Event("$y", 3), Event("$x", 2),
	})
	require.NoError(t, err)
	ids := make([]id.EventID, 0, len(out))
	for _, evt := range out {
		ids = append(ids, evt.ID)
	}
	assert.Equal(t, []id.EventID{"$x", "$y"}, ids)
}

func testRelations(t *testing.T, s store.Store) {
	ctx := context.Background()
	edit1 := models.Relation{RoomID: Room, EventID: "$e1", RelationType: event.RelReplace, RelatedEventID: "$t"}
	edit2 := models.Relation{RoomID: Room, EventID: "$e2", RelationType: event.RelReplace, RelatedEventID: "$t"}
	thread := models.Relation{RoomID: Room, EventID: "$r1", RelationType: event.RelThread, RelatedEventID: "$t"}
	for _, rel := range []models.Relation{edit1, edit2, thread, edit1} {
		require.NoError(t, s.AddRelation(ctx, rel))
	}

	got, err := s.GetRelations(ctx, Room, "$t", event.RelReplace)
	require.NoError(t, err)
	assert.Equal(t, map[id.EventID]models.Relation{"$e1": edit1, "$e2": edit2}, got)

	require.NoError(t, s.DeleteRelation(ctx, edit1))
	got, err = s.GetRelations(ctx, Room, "$t", event.RelReplace)
	require.NoError(t, err)
	assert.Equal(t, map[id.EventID]models.Relation{"$e2": edit2}, got)

	got, err = s.GetRelations(ctx, Room, "$t", event.RelThread)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.GetRelations(ctx, Room, "$other", event.RelReplace)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testRooms(t *testing.T, s store.Store) {
	ctx := context.Background()
	room, err := s.GetRoom(ctx, Room)
	require.NoError(t, err)
	assert.Nil(t, room)

	require.NoError(t, s.UpdateRoom(ctx, Room, func(cur *models.Room) (*models.Room, error) {
		assert.Nil(t, cur)
		return &models.Room{RoomID: Room, LastEventID: "$a"}, nil
	}))
	require.NoError(t, s.UpdateRoom(ctx, "!other:example.org", func(*models.Room) (*models.Room, error) {
		return &models.Room{RoomID: "!other:example.org"}, nil
	}))
	require.NoError(t, s.UpdateRoom(ctx, Room, func(cur *models.Room) (*models.Room, error) {
		next := *cur
		next.LastEventID = "$b"
		return &next, nil
	}))

	room, err = s.GetRoom(ctx, Room)
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$b"), room.LastEventID)

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []id.RoomID{Room, "!other:example.org"}, rooms)
}

func testScanRoom(t *testing.T, s store.Store) {
	ctx := context.Background()
	other := models.NewTimelineEvent(Event("$o", 1))
	other.RoomID = "!other:example.org"
	require.NoError(t, s.AddAll(ctx, []*models.TimelineEvent{
		models.NewTimelineEvent(Event("$a", 1)), models.NewTimelineEvent(Event("$b", 2)), other,
	}))
	var seen []id.EventID
	require.NoError(t, s.ScanRoom(ctx, Room, func(ev *models.TimelineEvent) error {
		seen = append(seen, ev.EventID)
		return nil
	}))
	assert.ElementsMatch(t, []id.EventID{"$a", "$b"}, seen)
}

func testObserved(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := store.Observe(s)
	assert.Same(t, o, store.Observe(o))

	evCh, cancelEv := o.Subscribe(Room, "$a")
	defer cancelEv()
	roomCh, cancelRoom := o.SubscribeRoom(Room)
	defer cancelRoom()

	require.NoError(t, o.AddAll(ctx, []*models.TimelineEvent{models.NewTimelineEvent(Event("$a", 1))}))
	require.NoError(t, o.Update(ctx, Room, "$a", func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		next := cur.Clone()
		next.Gap = models.GapAfter("t")
		return next, nil
	}))

	// two writes coalesce into one pending signal
	<-evCh
	select {
	case <-evCh:
		t.Fatal("expected coalesced notification")
	default:
	}
	<-roomCh
}

// SeedRoom writes a small fixed room used by persistence tests.
func SeedRoom(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	a := models.NewTimelineEvent(Event("$a", 1))
	b := models.NewTimelineEvent(Event("$b", 2))
	a.NextEventID, b.PreviousEventID = "$b", "$a"
	a.Gap = models.GapBefore("p1")
	b.Gap = models.GapAfter("n1")
	require.NoError(t, s.AddAll(ctx, []*models.TimelineEvent{a, b}))
	require.NoError(t, s.AddRelation(ctx, models.Relation{RoomID: Room, EventID: "$b", RelationType: event.RelReference, RelatedEventID: "$a"}))
	require.NoError(t, s.UpdateRoom(ctx, Room, func(*models.Room) (*models.Room, error) {
		return &models.Room{RoomID: Room, LastEventID: "$b"}, nil
	}))
}

// AssertSeeded checks what SeedRoom wrote.
func AssertSeeded(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	a, err := s.Get(ctx, Room, "$a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, id.EventID("$b"), a.NextEventID)
	assert.Equal(t, "p1", a.Gap.Before)

	room, err := s.GetRoom(ctx, Room)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, id.EventID("$b"), room.LastEventID)

	rels, err := s.GetRelations(ctx, Room, "$a", event.RelReference)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}
