package keys

import (
	"bytes"
	"testing"

	"maunium.net/go/mautrix/event"
)

func TestEventKeysAreEscaped(t *testing.T) {
	got := string(Event("!room:example.org", "$ev:ent"))
	want := "te:%21room%3Aexample.org:%24ev%3Aent"
	if got != want {
		t.Fatalf("Event() = %q, want %q", got, want)
	}
	if !bytes.HasPrefix(Event("!room:example.org", "$x"), RoomEvents("!room:example.org")) {
		t.Fatalf("event key does not carry room prefix")
	}
	if bytes.HasPrefix(Event("!room:example.org2", "$x"), RoomEvents("!room:example.org")) {
		t.Fatalf("room prefix matched a different room")
	}
}

func TestRelationPrefix(t *testing.T) {
	k := Relation("!r", "$target", event.RelReplace, "$edit")
	if !bytes.HasPrefix(k, Relations("!r", "$target", event.RelReplace)) {
		t.Fatalf("relation key %q lacks prefix", k)
	}
	if bytes.HasPrefix(k, Relations("!r", "$target", event.RelThread)) {
		t.Fatalf("relation key %q matched other type", k)
	}
}

func TestParseRoom(t *testing.T) {
	roomID, err := ParseRoom(Room("!a:b.c"))
	if err != nil {
		t.Fatalf("ParseRoom: %v", err)
	}
	if roomID != "!a:b.c" {
		t.Fatalf("ParseRoom = %q", roomID)
	}
	if _, err := ParseRoom([]byte("te:x")); err == nil {
		t.Fatalf("expected error for non room key")
	}
}

func TestUpperBound(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte("te:"), []byte("te;")},
		{[]byte{'a', 0xff}, []byte{'b'}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tt := range tests {
		if got := UpperBound(tt.in); !bytes.Equal(got, tt.want) {
			t.Fatalf("UpperBound(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
