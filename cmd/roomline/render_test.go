package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fatih/color"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
	"roomline/pkg/timeline"
)

const room id.RoomID = "!r:example.org"

func noColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func node(eventID id.EventID, sender id.UserID, typ event.Type, ts int64, content string) *models.TimelineEvent {
	return &models.TimelineEvent{
		RoomID: room, EventID: eventID,
		Event: &event.Event{
			ID: eventID, RoomID: room, Sender: sender, Type: typ, Timestamp: ts,
			Content: event.Content{VeryRaw: json.RawMessage(content)},
		},
	}
}

func link(prev, next *models.TimelineEvent) {
	prev.NextEventID = next.EventID
	next.PreviousEventID = prev.EventID
}

func TestRenderRoom(t *testing.T) {
	noColor(t)

	create := node("$create", "@alice:example.org", event.StateCreate, 1, `{"creator":"@alice:example.org"}`)
	e1 := node("$e1", "@alice:example.org", event.EventMessage, 2, `{"msgtype":"m.text","body":"hello"}`)
	e1.Replacement = &models.Replacement{EventID: "$e1b", Sender: "@alice:example.org", OriginTS: 3}
	e1.Gap = models.GapAfter("t5")
	link(create, e1)

	e3 := node("$e3", "@bob:example.org", event.EventEncrypted, 10, `{"algorithm":"m.megolm.v1.aes-sha2","session_id":"s","ciphertext":"x"}`)
	e3.Gap = models.GapBefore("t5")
	e4 := node("$e4", "@bob:example.org", event.EventMessage, 11, `{}`)
	e4.Redacted = &models.RedactedContent{EventType: "m.room.message"}
	link(e3, e4)

	x1 := node("$x1", "@alice:example.org", event.EventMessage, 20, `{"body":"a"}`)
	x2 := node("$x2", "@alice:example.org", event.EventMessage, 21, `{"body":"b"}`)
	link(x1, x2)
	link(x2, x1)

	r := &models.Room{
		RoomID: room, LastEventID: "$e4", CreateEventID: "$create",
		Encrypted: true, EncryptionAlgorithm: id.AlgorithmMegolmV1,
	}
	var buf bytes.Buffer
	renderRoom(&buf, r, []*models.TimelineEvent{x2, e4, e1, x1, e3, create})

	g := goldie.New(t)
	g.Assert(t, "inspect", buf.Bytes())
}

func TestSegmentsDanglingPrevious(t *testing.T) {
	a := node("$a", "@alice:example.org", event.EventMessage, 5, `{}`)
	a.PreviousEventID = "$missing"
	b := node("$b", "@alice:example.org", event.EventMessage, 6, `{}`)
	link(a, b)

	segs, orphans := segments([]*models.TimelineEvent{b, a})
	require.Len(t, segs, 1)
	assert.Empty(t, orphans)
	require.Len(t, segs[0], 2)
	assert.Equal(t, id.EventID("$a"), segs[0][0].EventID)
	assert.Equal(t, id.EventID("$b"), segs[0][1].EventID)
}

func TestSummary(t *testing.T) {
	long := node("$l", "@alice:example.org", event.EventMessage, 1,
		`{"body":"0123456789012345678901234567890123456789012345678901234567890"}`)
	assert.Equal(t, `"012345678901234567890123456789012345678901234567..."`, summary(long))

	decrypted := node("$d", "@alice:example.org", event.EventEncrypted, 1, `{}`)
	decrypted.Decrypted = &models.RoomContent{Type: "m.room.message", Content: json.RawMessage(`{"body":"secret"}`)}
	assert.Equal(t, `"secret"`, summary(decrypted))
}

func TestRenderViolations(t *testing.T) {
	noColor(t)

	var buf bytes.Buffer
	assert.True(t, renderViolations(&buf, room, nil))
	assert.Equal(t, "ok !r:example.org\n", buf.String())

	buf.Reset()
	clean := renderViolations(&buf, room, []timeline.Violation{
		{RoomID: room, EventID: "$a", Problem: "next $b is not stored"},
	})
	assert.False(t, clean)
	assert.Equal(t, "bad !r:example.org $a: next $b is not stored\n", buf.String())
}
