package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/config"
	"roomline/pkg/models"
	"roomline/pkg/store/pebblestore"
	"roomline/pkg/telemetry"
	"roomline/pkg/timeline"
)

const room id.RoomID = "!sweep:example.org"

func message(i int) *event.Event {
	return &event.Event{
		ID: id.EventID(fmt.Sprintf("$e%d", i)), RoomID: room, Sender: "@alice:example.org",
		Type: event.EventMessage, Timestamp: int64(i),
		Content: event.Content{VeryRaw: json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":"m%d"}`, i))},
	}
}

// history serves backwards pages of n events ending at token "t<n>".
func history(n int) timeline.FetcherFunc {
	return func(_ context.Context, req models.FetchRequest) (*models.FetchResponse, error) {
		var pos int
		if _, err := fmt.Sscanf(req.From, "t%d", &pos); err != nil {
			return nil, err
		}
		resp := &models.FetchResponse{Start: req.From}
		lo := max(pos-req.Limit, 0)
		for i := pos - 1; i >= lo; i-- {
			resp.Events = append(resp.Events, message(i))
		}
		if lo > 0 {
			resp.End = fmt.Sprintf("t%d", lo)
		}
		return resp, nil
	}
}

func TestRunOnceBackfillsRecentHistory(t *testing.T) {
	ctx := context.Background()
	s, err := pebblestore.OpenInMemory(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	engine, err := timeline.New(s, history(40), timeline.Options{FetchLimit: 5, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	require.NoError(t, engine.Append(ctx, models.SyncBatch{
		RoomID:        room,
		Events:        []*event.Event{message(40), message(41)},
		PreviousBatch: "t40",
		NextBatch:     "t42",
		Limited:       true,
	}))

	m := telemetry.NewMetrics()
	sw := New(config.SweeperConfig{Cron: "* * * * *", Prefetch: 12}, engine, m, zaptest.NewLogger(t))
	report, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rooms)
	assert.Equal(t, 12, report.Events)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweeperRuns.WithLabelValues("ok")))

	ev, err := s.Get(ctx, room, "$e30")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, id.EventID("$e31"), ev.NextEventID)

	violations, err := timeline.Verify(ctx, s, room)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestRunOnceReportsFailingRooms(t *testing.T) {
	ctx := context.Background()
	s, err := pebblestore.OpenInMemory(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	engine, err := timeline.New(s, nil, timeline.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, engine.Append(ctx, models.SyncBatch{
		RoomID: room, Events: []*event.Event{message(5)}, PreviousBatch: "t5", NextBatch: "t6", Limited: true,
	}))

	m := telemetry.NewMetrics()
	report, err := New(config.SweeperConfig{Prefetch: 10}, engine, m, zaptest.NewLogger(t)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []id.RoomID{room}, report.Failed)
	assert.Equal(t, 1, report.Events)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweeperRuns.WithLabelValues("partial")))
}

func TestRunRejectsInvalidCron(t *testing.T) {
	sw := New(config.SweeperConfig{Cron: "every tuesday"}, nil, nil, nil)
	require.Error(t, sw.Run(context.Background()))
}
