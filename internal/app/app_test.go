package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/config"
	"roomline/pkg/crypto/sessions"
	"roomline/pkg/models"
)

const room id.RoomID = "!app:example.org"

func testConfig(t *testing.T, driver string) *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = driver
	cfg.Store.Path = filepath.Join(t.TempDir(), "data", "roomline.db")
	return cfg
}

func batch(eventIDs ...id.EventID) models.SyncBatch {
	evs := make([]*event.Event, 0, len(eventIDs))
	for i, eventID := range eventIDs {
		evs = append(evs, &event.Event{
			ID: eventID, RoomID: room, Sender: "@alice:example.org", Type: event.EventMessage,
			Timestamp: int64(1000 + i),
			Content:   event.Content{VeryRaw: json.RawMessage(`{"msgtype":"m.text","body":"hi"}`)},
		})
	}
	return models.SyncBatch{RoomID: room, Events: evs, NextBatch: "s1"}
}

func TestNewAppendsThroughEngine(t *testing.T) {
	for _, driver := range []string{"pebble", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			a, err := New(context.Background(), testConfig(t, driver), zaptest.NewLogger(t))
			require.NoError(t, err)
			defer a.Close()

			require.NoError(t, a.Engine.Append(context.Background(), batch("$a", "$b")))

			ev, err := a.Store.Get(context.Background(), room, "$a")
			require.NoError(t, err)
			require.NotNil(t, ev)
			assert.Equal(t, id.EventID("$b"), ev.NextEventID)

			r, err := a.Store.GetRoom(context.Background(), room)
			require.NoError(t, err)
			require.NotNil(t, r)
			assert.Equal(t, id.EventID("$b"), r.LastEventID)
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "pebble")
	cfg.Store.Driver = "bolt"
	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.StoreConfig{Driver: "bolt", Path: filepath.Join(t.TempDir(), "x")}, nil)
	require.Error(t, err)
}

func TestNewImportsKeysFile(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	exported := []sessions.ExportedSession{{
		RoomID: room, SessionID: "session1",
		SessionKey: base64.StdEncoding.EncodeToString(key), FirstKnownIndex: 0,
	}}
	b, err := json.Marshal(exported)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))

	cfg := testConfig(t, "pebble")
	cfg.Crypto.KeysFile = path
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	s, err := a.Sessions.InboundSession(context.Background(), room, "session1")
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestNewMissingKeysFile(t *testing.T) {
	cfg := testConfig(t, "pebble")
	cfg.Crypto.KeysFile = filepath.Join(t.TempDir(), "missing.json")
	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, "pebble"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()
	h := a.metricsHandler()

	serve := func(path string) *fasthttp.RequestCtx {
		var rc fasthttp.RequestCtx
		rc.Request.SetRequestURI(path)
		h(&rc)
		return &rc
	}

	rc := serve("/healthz")
	assert.Equal(t, fasthttp.StatusOK, rc.Response.StatusCode())
	assert.JSONEq(t, `{"status":"ok"}`, string(rc.Response.Body()))

	require.NoError(t, a.Engine.Append(context.Background(), batch("$a")))
	rc = serve("/metrics")
	assert.Equal(t, fasthttp.StatusOK, rc.Response.StatusCode())
	assert.Contains(t, string(rc.Response.Body()), "roomline_appended_events_total 1")

	rc = serve("/nope")
	assert.Equal(t, fasthttp.StatusNotFound, rc.Response.StatusCode())
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, "pebble"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.NoError(t, a.Intake.Enqueue(batch("$a", "$b")))
	require.Eventually(t, func() bool {
		ev, err := a.Store.Get(context.Background(), room, "$b")
		return err == nil && ev != nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
