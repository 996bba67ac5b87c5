package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/models"
	"roomline/pkg/timeline"
)

const maxSummary = 48

var (
	headerStyle = color.New(color.Bold)
	idStyle     = color.New(color.FgCyan)
	gapStyle    = color.New(color.FgYellow)
	markStyle   = color.New(color.FgMagenta)
	okStyle     = color.New(color.FgGreen)
	errorStyle  = color.New(color.FgRed, color.Bold)
)

// segments splits a room's stored events into runs joined by next links.
// Runs start at events whose previous link is empty or dangling and are
// ordered by the origin time of their first event. Events no run reaches
// (link loops) are returned separately.
func segments(events []*models.TimelineEvent) ([][]*models.TimelineEvent, []*models.TimelineEvent) {
	byID := make(map[id.EventID]*models.TimelineEvent, len(events))
	for _, ev := range events {
		byID[ev.EventID] = ev
	}
	var starts []*models.TimelineEvent
	for _, ev := range events {
		if ev.PreviousEventID == "" || byID[ev.PreviousEventID] == nil {
			starts = append(starts, ev)
		}
	}
	sort.Slice(starts, func(i, j int) bool {
		if starts[i].OriginTS() != starts[j].OriginTS() {
			return starts[i].OriginTS() < starts[j].OriginTS()
		}
		return starts[i].EventID < starts[j].EventID
	})

	seen := make(map[id.EventID]bool, len(events))
	var segs [][]*models.TimelineEvent
	for _, start := range starts {
		var seg []*models.TimelineEvent
		for ev := start; ev != nil && !seen[ev.EventID]; ev = byID[ev.NextEventID] {
			seen[ev.EventID] = true
			seg = append(seg, ev)
		}
		segs = append(segs, seg)
	}

	var orphans []*models.TimelineEvent
	for _, ev := range events {
		if !seen[ev.EventID] {
			orphans = append(orphans, ev)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].EventID < orphans[j].EventID })
	return segs, orphans
}

func renderRoom(w io.Writer, room *models.Room, events []*models.TimelineEvent) {
	segs, orphans := segments(events)

	headerStyle.Fprintf(w, "room %s\n", room.RoomID)
	fmt.Fprintf(w, "  tail    %s\n", orNone(room.LastEventID))
	fmt.Fprintf(w, "  create  %s\n", orNone(room.CreateEventID))
	if room.Encrypted {
		fmt.Fprintf(w, "  encrypted with %s\n", room.EncryptionAlgorithm)
	}
	fmt.Fprintf(w, "  %d events in %d segments\n", len(events), len(segs))

	for i, seg := range segs {
		fmt.Fprintln(w)
		headerStyle.Fprintf(w, "segment %d\n", i+1)
		if first := seg[0]; first.Gap.HasBefore() {
			gapStyle.Fprintf(w, "  ~ gap before %s\n", first.Gap.Before)
		} else if first.PreviousEventID != "" {
			gapStyle.Fprintf(w, "  ~ previous %s not stored\n", first.PreviousEventID)
		}
		for _, ev := range seg {
			renderEvent(w, room, ev)
		}
		if last := seg[len(seg)-1]; last.Gap.HasAfter() {
			gapStyle.Fprintf(w, "  ~ gap after %s\n", last.Gap.After)
		} else if last.NextEventID != "" {
			gapStyle.Fprintf(w, "  ~ next %s not stored\n", last.NextEventID)
		}
	}

	if len(orphans) > 0 {
		fmt.Fprintln(w)
		errorStyle.Fprintf(w, "unreachable %d\n", len(orphans))
		for _, ev := range orphans {
			renderEvent(w, room, ev)
		}
	}
}

func renderEvent(w io.Writer, room *models.Room, ev *models.TimelineEvent) {
	fmt.Fprintf(w, "  %s  %s  %s  %s", idStyle.Sprint(ev.EventID), ev.Sender(), eventType(ev), summary(ev))
	if ev.Replacement != nil {
		markStyle.Fprintf(w, " [edited by %s]", ev.Replacement.EventID)
	}
	if ev.EventID == room.LastEventID {
		markStyle.Fprint(w, " [tail]")
	}
	fmt.Fprintln(w)
}

func eventType(ev *models.TimelineEvent) string {
	switch {
	case ev.Redacted != nil:
		return ev.Redacted.EventType
	case ev.Event == nil:
		return "?"
	}
	return ev.Event.Type.Type
}

func summary(ev *models.TimelineEvent) string {
	switch {
	case ev.Redacted != nil:
		return "<redacted>"
	case ev.Decrypted != nil:
		return body(ev.Decrypted.Content)
	case ev.IsEncrypted():
		return "<encrypted>"
	}
	return body(models.RawContent(ev.Event))
}

func body(content json.RawMessage) string {
	var partial struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(content, &partial); err != nil || partial.Body == "" {
		return "-"
	}
	text := []rune(partial.Body)
	if len(text) > maxSummary {
		return strconv.Quote(string(text[:maxSummary]) + "...")
	}
	return strconv.Quote(partial.Body)
}

func orNone(eventID id.EventID) string {
	if eventID == "" {
		return "-"
	}
	return string(eventID)
}

// renderViolations prints one line per problem, or ok, and reports whether
// the room was clean.
func renderViolations(w io.Writer, roomID id.RoomID, violations []timeline.Violation) bool {
	if len(violations) == 0 {
		fmt.Fprintf(w, "%s %s\n", okStyle.Sprint("ok"), roomID)
		return true
	}
	for _, v := range violations {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Sprint("bad"), v)
	}
	return false
}
