package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
	"roomline/pkg/store"
	"roomline/pkg/store/pebblestore"
)

const room id.RoomID = "!timeline:example.org"

const (
	alice id.UserID = "@alice:example.org"
	bob   id.UserID = "@bob:example.org"
)

// server pages through a fixed history. Token tN names the position just
// before history[N].
type server struct {
	mu      sync.Mutex
	history []*event.Event
	calls   []models.FetchRequest
	fail    error
}

func token(i int) string { return "t" + strconv.Itoa(i) }

func position(tok string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(tok, "t"))
	if err != nil {
		panic(fmt.Sprintf("bad token %q", tok))
	}
	return n
}

func (s *server) Fetch(_ context.Context, req models.FetchRequest) (*models.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.fail != nil {
		return nil, s.fail
	}
	pos, to := position(req.From), -1
	if req.To != "" {
		to = position(req.To)
	}
	resp := &models.FetchResponse{Start: req.From}
	if req.Direction == models.Backwards {
		lo := max(pos-req.Limit, 0)
		if to >= 0 && lo < to {
			lo = to
		}
		for i := pos - 1; i >= lo; i-- {
			resp.Events = append(resp.Events, clone(s.history[i]))
		}
		if lo > 0 {
			resp.End = token(lo)
		}
		return resp, nil
	}
	hi := min(pos+req.Limit, len(s.history))
	if to >= 0 && hi > to {
		hi = to
	}
	for i := pos; i < hi; i++ {
		resp.Events = append(resp.Events, clone(s.history[i]))
	}
	if hi < len(s.history) {
		resp.End = token(hi)
	}
	return resp, nil
}

func (s *server) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *server) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func clone(evt *event.Event) *event.Event {
	c := *evt
	return &c
}

func message(eventID id.EventID, sender id.UserID, ts int64, body string) *event.Event {
	return &event.Event{
		ID: eventID, RoomID: room, Sender: sender, Type: event.EventMessage, Timestamp: ts,
		Content: event.Content{VeryRaw: json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body))},
	}
}

func edit(eventID, target id.EventID, sender id.UserID, ts int64, body string) *event.Event {
	raw := fmt.Sprintf(`{"msgtype":"m.text","body":"* %s","m.new_content":{"msgtype":"m.text","body":%q},"m.relates_to":{"rel_type":"m.replace","event_id":%q}}`, body, body, target)
	return &event.Event{
		ID: eventID, RoomID: room, Sender: sender, Type: event.EventMessage, Timestamp: ts,
		Content: event.Content{VeryRaw: json.RawMessage(raw)},
	}
}

func redaction(eventID, target id.EventID) *event.Event {
	return &event.Event{
		ID: eventID, RoomID: room, Sender: alice, Type: event.EventRedaction, Redacts: target,
		Content: event.Content{VeryRaw: json.RawMessage(`{}`)},
	}
}

func stateEvent(roomID id.RoomID, eventID id.EventID, evtType event.Type, content string) *event.Event {
	key := ""
	return &event.Event{
		ID: eventID, RoomID: roomID, Sender: alice, Type: evtType, StateKey: &key,
		Content: event.Content{VeryRaw: json.RawMessage(content)},
	}
}

// history builds $e0..$eN-1.
func history(n int) []*event.Event {
	out := make([]*event.Event, n)
	for i := range out {
		out[i] = message(id.EventID(fmt.Sprintf("$e%d", i)), alice, int64(1000+i), fmt.Sprintf("m%d", i))
	}
	return out
}

func ids(from, to int) []id.EventID {
	var out []id.EventID
	if from <= to {
		for i := from; i <= to; i++ {
			out = append(out, id.EventID(fmt.Sprintf("$e%d", i)))
		}
		return out
	}
	for i := from; i >= to; i-- {
		out = append(out, id.EventID(fmt.Sprintf("$e%d", i)))
	}
	return out
}

type fixture struct {
	t      *testing.T
	store  store.Store
	engine *Engine
	server *server
}

func newFixture(t *testing.T, n int) *fixture {
	s, err := pebblestore.OpenInMemory(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	srv := &server{history: history(n)}
	e, err := New(s, srv, Options{FetchLimit: 3, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return &fixture{t: t, store: s, engine: e, server: srv}
}

// sync appends history[from:to] as the server would deliver it.
func (f *fixture) sync(from, to int, limited bool) {
	f.t.Helper()
	prev := ""
	if from > 0 {
		prev = token(from)
	}
	evs := make([]*event.Event, 0, to-from)
	for _, evt := range f.server.history[from:to] {
		evs = append(evs, clone(evt))
	}
	require.NoError(f.t, f.engine.Append(context.Background(), models.SyncBatch{
		RoomID:        room,
		Events:        evs,
		PreviousBatch: prev,
		NextBatch:     token(to),
		Limited:       limited,
	}))
}

func (f *fixture) get(eventID id.EventID) *models.TimelineEvent {
	f.t.Helper()
	ev, err := f.store.Get(context.Background(), room, eventID)
	require.NoError(f.t, err)
	require.NotNil(f.t, ev, "event %s", eventID)
	return ev
}

func (f *fixture) cursor() id.EventID {
	f.t.Helper()
	r, err := f.store.GetRoom(context.Background(), room)
	require.NoError(f.t, err)
	require.NotNil(f.t, r)
	return r.LastEventID
}

// snapshot is every stored event of the room keyed by id.
func (f *fixture) snapshot() map[id.EventID]*models.TimelineEvent {
	f.t.Helper()
	out := make(map[id.EventID]*models.TimelineEvent)
	require.NoError(f.t, f.store.ScanRoom(context.Background(), room, func(ev *models.TimelineEvent) error {
		out[ev.EventID] = ev
		return nil
	}))
	return out
}

// chain follows next links from eventID.
func (f *fixture) chain(eventID id.EventID) []id.EventID {
	f.t.Helper()
	var out []id.EventID
	for ev := f.get(eventID); ; ev = f.get(ev.NextEventID) {
		out = append(out, ev.EventID)
		if ev.NextEventID == "" || len(out) > 1000 {
			return out
		}
	}
}

func (f *fixture) assertValid() {
	f.t.Helper()
	violations, err := Verify(context.Background(), f.store, room)
	require.NoError(f.t, err)
	require.Empty(f.t, violations)
}

func entryIDs(entries []*Entry) []id.EventID {
	out := make([]id.EventID, len(entries))
	for i, en := range entries {
		out[i] = en.EventID
	}
	return out
}

func body(t *testing.T, c *models.RoomContent) string {
	t.Helper()
	require.NotNil(t, c)
	var content struct {
		Body string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(c.Content, &content))
	return content.Body
}
