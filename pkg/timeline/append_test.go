package timeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
)

func TestAppendLinksToTail(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.engine.Append(ctx, models.SyncBatch{
		RoomID:    room,
		Events:    []*event.Event{message("$T1", alice, 1, "t1")},
		NextBatch: "tok1",
	}))
	require.Equal(t, models.GapAfter("tok1"), f.get("$T1").Gap)

	require.NoError(t, f.engine.Append(ctx, models.SyncBatch{
		RoomID:        room,
		Events:        []*event.Event{message("$E2", alice, 2, "e2"), message("$E3", alice, 3, "e3")},
		PreviousBatch: "tok1",
		NextBatch:     "tok2",
	}))

	t1, e2, e3 := f.get("$T1"), f.get("$E2"), f.get("$E3")
	assert.Equal(t, id.EventID("$E2"), t1.NextEventID)
	assert.Nil(t, t1.Gap)
	assert.Equal(t, id.EventID("$T1"), e2.PreviousEventID)
	assert.Equal(t, id.EventID("$E3"), e2.NextEventID)
	assert.Nil(t, e2.Gap)
	assert.Equal(t, id.EventID("$E2"), e3.PreviousEventID)
	assert.Equal(t, models.GapAfter("tok2"), e3.Gap)
	assert.Equal(t, id.EventID("$E3"), f.cursor())
	f.assertValid()
}

func TestAppendIsIdempotent(t *testing.T) {
	f := newFixture(t, 6)
	f.sync(0, 3, false)
	f.sync(3, 6, false)
	before := f.snapshot()

	f.sync(3, 6, false)
	assert.Equal(t, before, f.snapshot())
	assert.Equal(t, id.EventID("$e5"), f.cursor())
}

func TestAppendSkipsKnownEventsInBatch(t *testing.T) {
	f := newFixture(t, 6)
	f.sync(0, 4, false)
	f.sync(2, 6, false)

	assert.Equal(t, ids(0, 5), f.chain("$e0"))
	assert.Equal(t, models.GapAfter(token(6)), f.get("$e5").Gap)
	f.assertValid()
}

func TestLimitedAppendLeavesGap(t *testing.T) {
	f := newFixture(t, 10)
	f.sync(0, 3, false)
	f.sync(7, 9, true)

	tail := f.get("$e2")
	assert.Empty(t, tail.NextEventID)
	assert.Equal(t, models.GapAfter(token(3)), tail.Gap)

	first := f.get("$e7")
	assert.Empty(t, first.PreviousEventID)
	assert.Equal(t, models.GapBefore(token(7)), first.Gap)
	assert.Equal(t, models.GapAfter(token(9)), f.get("$e8").Gap)
	assert.Equal(t, id.EventID("$e8"), f.cursor())
	f.assertValid()
}

func TestFirstAppendStartsWithGap(t *testing.T) {
	f := newFixture(t, 10)
	f.sync(5, 7, true)

	first := f.get("$e5")
	assert.False(t, first.IsFirst())
	assert.Equal(t, models.GapBefore(token(5)), first.Gap)
}

func TestAppendRejectsMissingTail(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateRoom(ctx, room, func(*models.Room) (*models.Room, error) {
		return &models.Room{RoomID: room, LastEventID: "$ghost"}, nil
	}))

	err := f.engine.Append(ctx, models.SyncBatch{RoomID: room, Events: f.server.history[:1], NextBatch: token(1)})
	require.Error(t, err)
	assert.True(t, IsInvariantViolation(err))
}

func TestAppendRejectsLinkedTail(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.sync(0, 2, false)
	require.NoError(t, f.store.Update(ctx, room, "$e1", func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		next := cur.Clone()
		next.NextEventID = "$elsewhere"
		return next, nil
	}))

	err := f.engine.Append(ctx, models.SyncBatch{RoomID: room, Events: f.server.history[2:3], PreviousBatch: token(2), NextBatch: token(3)})
	assert.True(t, IsInvariantViolation(err))
}

func TestAppendRecordsRoomState(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.engine.Append(ctx, models.SyncBatch{
		RoomID: room,
		Events: []*event.Event{
			stateEvent(room, "$create", event.StateCreate, `{"creator":"@alice:example.org"}`),
			stateEvent(room, "$enc", event.StateEncryption, `{"algorithm":"m.megolm.v1.aes-sha2"}`),
		},
		NextBatch: "tok",
	}))

	r, err := f.store.GetRoom(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$create"), r.CreateEventID)
	assert.True(t, r.Encrypted)
	assert.Equal(t, id.AlgorithmMegolmV1, r.EncryptionAlgorithm)
	assert.Equal(t, id.EventID("$enc"), r.LastEventID)
	assert.True(t, f.get("$create").IsFirst())
}

func TestAppendEmptyBatchIsNoop(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.engine.Append(context.Background(), models.SyncBatch{RoomID: room, NextBatch: "tok"}))
	r, err := f.store.GetRoom(context.Background(), room)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestAppendRejectsLimitedBatchWithoutPreviousToken(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	f.sync(0, 3, false)
	before := f.snapshot()

	err := f.engine.Append(ctx, models.SyncBatch{
		RoomID:    room,
		Events:    []*event.Event{clone(f.server.history[6])},
		NextBatch: token(7),
		Limited:   true,
	})
	require.ErrorIs(t, err, ErrInvalidBatch)
	assert.Equal(t, before, f.snapshot())
	assert.Equal(t, id.EventID("$e2"), f.cursor())

	f.sync(6, 7, true)
	entries, err := f.engine.Window(ctx, room, "$e6", WalkOptions{Direction: models.Backwards, MinSize: 10})
	require.NoError(t, err)
	assert.Equal(t, ids(6, 0), entryIDs(entries))
	f.assertValid()
}

func TestAppendRejectsBatchWithoutNextToken(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	err := f.engine.Append(ctx, models.SyncBatch{RoomID: room, Events: []*event.Event{clone(f.server.history[0])}})
	require.ErrorIs(t, err, ErrInvalidBatch)
	r, err := f.store.GetRoom(ctx, room)
	require.NoError(t, err)
	assert.Nil(t, r)

	f.sync(0, 2, false)
	before := f.snapshot()
	err = f.engine.Append(ctx, models.SyncBatch{RoomID: room, Events: []*event.Event{clone(f.server.history[2])}, PreviousBatch: token(2)})
	require.ErrorIs(t, err, ErrInvalidBatch)
	assert.Equal(t, before, f.snapshot())
}
