package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGapSides(t *testing.T) {
	tests := []struct {
		name       string
		gap        *Gap
		wantBefore bool
		wantAfter  bool
		str        string
	}{
		{"nil", nil, false, false, "none"},
		{"before", GapBefore("t1"), true, false, "before(t1)"},
		{"after", GapAfter("t2"), false, true, "after(t2)"},
		{"both", GapBoth("t1", "t2"), true, true, "both(t1,t2)"},
		{"empty tokens", GapBoth("", ""), false, false, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantBefore, tt.gap.HasBefore())
			assert.Equal(t, tt.wantAfter, tt.gap.HasAfter())
			assert.Equal(t, tt.str, tt.gap.String())
		})
	}
}

func TestGapNarrowingCollapsesToNil(t *testing.T) {
	assert.Nil(t, GapBefore("a").WithoutBefore())
	assert.Nil(t, GapAfter("a").WithoutAfter())
	assert.Equal(t, GapAfter("b"), GapBoth("a", "b").WithoutBefore())
	assert.Equal(t, GapBefore("a"), GapBoth("a", "b").WithoutAfter())
	var g *Gap
	assert.Nil(t, g.WithoutBefore())
	assert.Equal(t, GapBoth("x", "y"), g.WithBefore("x").WithAfter("y"))
	assert.Equal(t, GapBoth("z", "y"), GapBoth("x", "y").WithBefore("z"))
}

func TestTimelineEventEnds(t *testing.T) {
	ev := &TimelineEvent{EventID: "$a"}
	assert.True(t, ev.IsFirst())
	assert.True(t, ev.IsLast())

	ev.Gap = GapBefore("t")
	assert.False(t, ev.IsFirst())
	ev.Gap = nil
	ev.NextEventID = "$b"
	assert.False(t, ev.IsLast())
}
