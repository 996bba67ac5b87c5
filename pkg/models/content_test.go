package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func rawEvent(t *testing.T, evtType event.Type, content string) *event.Event {
	t.Helper()
	return &event.Event{
		ID:      "$e",
		RoomID:  "!r:example.org",
		Sender:  "@alice:example.org",
		Type:    evtType,
		Content: event.Content{VeryRaw: json.RawMessage(content)},
	}
}

func TestRelatesTo(t *testing.T) {
	evt := rawEvent(t, event.EventMessage, `{"body":"* hi","m.new_content":{"body":"hi"},"m.relates_to":{"rel_type":"m.replace","event_id":"$target"}}`)
	rel := RelatesTo(evt)
	require.NotNil(t, rel)
	assert.Equal(t, event.RelReplace, rel.Type)
	assert.Equal(t, id.EventID("$target"), rel.EventID)

	assert.Nil(t, RelatesTo(rawEvent(t, event.EventMessage, `{"body":"plain"}`)))
	assert.Nil(t, RelatesTo(rawEvent(t, event.EventMessage, `not json`)))
}

func TestRedactedEventID(t *testing.T) {
	evt := rawEvent(t, event.EventRedaction, `{}`)
	evt.Redacts = "$old"
	assert.Equal(t, id.EventID("$old"), RedactedEventID(evt))

	assert.Equal(t, id.EventID("$new"), RedactedEventID(rawEvent(t, event.EventRedaction, `{"redacts":"$new"}`)))
	assert.Empty(t, RedactedEventID(rawEvent(t, event.EventMessage, `{"redacts":"$x"}`)))
}

func TestNewContent(t *testing.T) {
	assert.JSONEq(t, `{"body":"hi"}`, string(NewContent(json.RawMessage(`{"m.new_content":{"body":"hi"}}`))))
	assert.Nil(t, NewContent(json.RawMessage(`{"body":"hi"}`)))
}

func TestUpgradeContent(t *testing.T) {
	create := rawEvent(t, event.StateCreate, `{"predecessor":{"room_id":"!old:example.org","event_id":"$last"}}`)
	pred := Predecessor(create)
	require.NotNil(t, pred)
	assert.Equal(t, id.RoomID("!old:example.org"), pred.RoomID)
	assert.Equal(t, id.EventID("$last"), pred.EventID)

	assert.Nil(t, Predecessor(rawEvent(t, event.StateCreate, `{"creator":"@a:b"}`)))

	tomb := rawEvent(t, event.StateTombstone, `{"body":"moved","replacement_room":"!new:example.org"}`)
	assert.Equal(t, id.RoomID("!new:example.org"), ReplacementRoom(tomb))
}

func TestCloneIsIndependent(t *testing.T) {
	orig := NewTimelineEvent(rawEvent(t, event.EventMessage, `{"body":"a"}`))
	orig.Gap = GapBefore("t")
	c := orig.Clone()
	c.Gap.Before = "changed"
	c.Event.Content.VeryRaw[2] = 'X'
	c.NextEventID = "$n"
	assert.Equal(t, "t", orig.Gap.Before)
	assert.JSONEq(t, `{"body":"a"}`, string(orig.Event.Content.VeryRaw))
	assert.Empty(t, orig.NextEventID)
}
