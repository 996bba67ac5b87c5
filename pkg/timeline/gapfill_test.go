package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
)

func TestFillGapNarrowsBackwards(t *testing.T) {
	f := newFixture(t, 10)
	f.sync(7, 10, true)

	require.NoError(t, f.engine.FillGap(context.Background(), room, "$e7", 3))

	assert.Equal(t, ids(4, 9), f.chain("$e4"))
	assert.Equal(t, models.GapBefore(token(4)), f.get("$e4").Gap)
	assert.Empty(t, f.get("$e4").PreviousEventID)
	assert.Nil(t, f.get("$e7").Gap)
	assert.Equal(t, id.EventID("$e6"), f.get("$e7").PreviousEventID)
	f.assertValid()
}

func TestFillGapReachesStartOfHistory(t *testing.T) {
	f := newFixture(t, 10)
	f.sync(7, 10, true)

	require.NoError(t, f.engine.FillGap(context.Background(), room, "$e7", 20))

	first := f.get("$e0")
	assert.True(t, first.IsFirst())
	assert.Equal(t, ids(0, 9), f.chain("$e0"))
	f.assertValid()
}

func TestFillGapJoinsOldTailBackwards(t *testing.T) {
	f := newFixture(t, 10)
	f.sync(0, 3, false)
	f.sync(7, 9, true)

	require.NoError(t, f.engine.FillGap(context.Background(), room, "$e7", 10))

	oldTail := f.get("$e2")
	assert.Nil(t, oldTail.Gap)
	assert.Equal(t, id.EventID("$e3"), oldTail.NextEventID)
	assert.Nil(t, f.get("$e7").Gap)
	assert.Equal(t, ids(0, 8), f.chain("$e0"))
	f.assertValid()
}

func TestFillGapJoinsNewSegmentForwards(t *testing.T) {
	f := newFixture(t, 10)
	f.sync(0, 3, false)
	f.sync(7, 9, true)

	require.NoError(t, f.engine.FillGap(context.Background(), room, "$e2", 10))

	assert.Nil(t, f.get("$e2").Gap)
	first := f.get("$e7")
	assert.Nil(t, first.Gap)
	assert.Equal(t, id.EventID("$e6"), first.PreviousEventID)
	assert.Equal(t, ids(0, 8), f.chain("$e0"))
	assert.Equal(t, models.GapAfter(token(9)), f.get("$e8").Gap)
	f.assertValid()
}

func TestFillGapNarrowsForwards(t *testing.T) {
	f := newFixture(t, 12)
	f.sync(0, 3, false)
	f.sync(9, 11, true)

	require.NoError(t, f.engine.FillGap(context.Background(), room, "$e2", 3))

	assert.Equal(t, ids(0, 5), f.chain("$e0"))
	assert.Equal(t, models.GapAfter(token(6)), f.get("$e5").Gap)
	assert.Equal(t, models.GapBefore(token(9)), f.get("$e9").Gap)
	f.assertValid()
}

func TestFillGapLeavesTailAlone(t *testing.T) {
	f := newFixture(t, 5)
	f.sync(0, 5, false)

	require.NoError(t, f.engine.FillGap(context.Background(), room, "$e4", 3))
	assert.Zero(t, f.server.callCount())
	assert.Equal(t, models.GapAfter(token(5)), f.get("$e4").Gap)
}

func TestFillGapWithoutGapIsNoop(t *testing.T) {
	f := newFixture(t, 5)
	f.sync(0, 5, false)
	before := f.snapshot()

	require.NoError(t, f.engine.FillGap(context.Background(), room, "$e2", 3))
	assert.Zero(t, f.server.callCount())
	assert.Equal(t, before, f.snapshot())
}

func TestFillGapTransportErrorChangesNothing(t *testing.T) {
	f := newFixture(t, 10)
	f.sync(0, 3, false)
	f.sync(7, 9, true)
	before := f.snapshot()
	f.server.setFail(errors.New("connection reset"))

	err := f.engine.FillGap(context.Background(), room, "$e7", 3)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.False(t, IsInvariantViolation(err))
	assert.Equal(t, before, f.snapshot())

	f.server.setFail(nil)
	require.NoError(t, f.engine.FillGap(context.Background(), room, "$e7", 10))
	assert.Equal(t, ids(0, 8), f.chain("$e0"))
}

func TestFillGapUnknownEvent(t *testing.T) {
	f := newFixture(t, 1)
	err := f.engine.FillGap(context.Background(), room, "$nope", 3)
	require.Error(t, err)
	assert.False(t, IsTransportError(err))
}

func TestFillGapAppliesFetchedRedactions(t *testing.T) {
	f := newFixture(t, 0)
	f.server.history = []*event.Event{
		message("$a", alice, 1, "secret"),
		message("$b", alice, 2, "b"),
		redaction("$r", "$a"),
		message("$c", alice, 4, "c"),
	}
	f.sync(3, 4, true)

	require.NoError(t, f.engine.FillGap(context.Background(), room, "$c", 10))

	a := f.get("$a")
	require.NotNil(t, a.Redacted)
	assert.Equal(t, event.EventMessage.Type, a.Redacted.EventType)
	c, err := f.engine.ResolveContent(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, c.Redacted)
	assert.JSONEq(t, `{}`, string(c.Content))
	f.assertValid()
}

func TestFillGapStalledServerIsAnError(t *testing.T) {
	f := newFixture(t, 10)
	f.sync(0, 5, false)
	f.sync(7, 10, true)
	before := f.snapshot()

	// answers with events stored elsewhere in the chain and the same token
	calls := 0
	fetcher := FetcherFunc(func(_ context.Context, req models.FetchRequest) (*models.FetchResponse, error) {
		calls++
		return &models.FetchResponse{
			Events: []*event.Event{clone(f.server.history[2]), clone(f.server.history[1])},
			Start:  "s" + req.From,
			End:    req.From,
		}, nil
	})
	e, err := New(f.store, fetcher, Options{FetchLimit: 3, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	err = e.FillGap(context.Background(), room, "$e7", 3)
	require.ErrorIs(t, err, ErrStalled)
	assert.False(t, IsInvariantViolation(err))
	assert.Equal(t, before, f.snapshot())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.Window(ctx, room, "$e7", WalkOptions{Direction: models.Backwards, MinSize: 5})
	require.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, 2, calls)
	assert.Equal(t, before, f.snapshot())
}
