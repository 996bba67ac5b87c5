package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
	"roomline/pkg/telemetry"
)

type recorder struct {
	mu    sync.Mutex
	order map[id.RoomID][]string
	fail  id.RoomID
}

func (r *recorder) Append(_ context.Context, batch models.SyncBatch) error {
	if batch.RoomID == r.fail {
		return errors.New("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.order == nil {
		r.order = make(map[id.RoomID][]string)
	}
	r.order[batch.RoomID] = append(r.order[batch.RoomID], batch.NextBatch)
	return nil
}

func TestIntakeKeepsPerRoomOrder(t *testing.T) {
	rec := &recorder{}
	in := New(rec, Options{Workers: 3, Capacity: 100, Logger: zaptest.NewLogger(t)})
	in.Start(context.Background())

	rooms := []id.RoomID{"!a:x", "!b:x", "!c:x", "!d:x"}
	for i := 0; i < 20; i++ {
		for _, r := range rooms {
			require.NoError(t, in.Enqueue(models.SyncBatch{RoomID: r, NextBatch: fmt.Sprintf("t%02d", i)}))
		}
	}
	in.Close()

	for _, r := range rooms {
		got := rec.order[r]
		require.Len(t, got, 20)
		for i, tok := range got {
			assert.Equal(t, fmt.Sprintf("t%02d", i), tok)
		}
	}
}

func TestIntakeRejectsWhenFull(t *testing.T) {
	m := telemetry.NewMetrics()
	in := New(&recorder{}, Options{Workers: 1, Capacity: 1, Metrics: m})

	require.NoError(t, in.Enqueue(models.SyncBatch{RoomID: "!a:x"}))
	assert.ErrorIs(t, in.Enqueue(models.SyncBatch{RoomID: "!a:x"}), ErrQueueFull)
	assert.Equal(t, uint64(1), in.Dropped())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntakeBatches.WithLabelValues("dropped")))
	in.Close()
}

func TestIntakeRejectsAfterClose(t *testing.T) {
	in := New(&recorder{}, Options{})
	in.Start(context.Background())
	in.Close()
	in.Close()
	assert.ErrorIs(t, in.Enqueue(models.SyncBatch{RoomID: "!a:x"}), ErrQueueClosed)
}

func TestIntakeReportsFailures(t *testing.T) {
	m := telemetry.NewMetrics()
	var failed []id.RoomID
	var mu sync.Mutex
	in := New(&recorder{fail: "!bad:x"}, Options{
		Workers: 2,
		Metrics: m,
		Logger:  zaptest.NewLogger(t),
		OnError: func(batch models.SyncBatch, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, batch.RoomID)
		},
	})
	in.Start(context.Background())
	require.NoError(t, in.Enqueue(models.SyncBatch{RoomID: "!bad:x"}))
	require.NoError(t, in.Enqueue(models.SyncBatch{RoomID: "!good:x"}))
	in.Close()

	assert.Equal(t, []id.RoomID{"!bad:x"}, failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntakeBatches.WithLabelValues(telemetry.ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IntakeBatches.WithLabelValues("applied")))
}
