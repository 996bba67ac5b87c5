package models

import "fmt"

// Gap marks one or both sides of a timeline event as not locally materialised.
// Each side carries the server pagination token that continues history in that
// direction. An empty token means the side has no gap.
type Gap struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

func GapBefore(token string) *Gap { return normalize(&Gap{Before: token}) }

func GapAfter(token string) *Gap { return normalize(&Gap{After: token}) }

func GapBoth(before, after string) *Gap { return normalize(&Gap{Before: before, After: after}) }

func (g *Gap) HasBefore() bool { return g != nil && g.Before != "" }

func (g *Gap) HasAfter() bool { return g != nil && g.After != "" }

// WithoutBefore drops the before side. The result is nil when no side remains.
func (g *Gap) WithoutBefore() *Gap {
	if g == nil {
		return nil
	}
	return normalize(&Gap{After: g.After})
}

// WithoutAfter drops the after side. The result is nil when no side remains.
func (g *Gap) WithoutAfter() *Gap {
	if g == nil {
		return nil
	}
	return normalize(&Gap{Before: g.Before})
}

func (g *Gap) WithBefore(token string) *Gap {
	if g == nil {
		return GapBefore(token)
	}
	return normalize(&Gap{Before: token, After: g.After})
}

func (g *Gap) WithAfter(token string) *Gap {
	if g == nil {
		return GapAfter(token)
	}
	return normalize(&Gap{Before: g.Before, After: token})
}

func (g *Gap) String() string {
	switch {
	case g.HasBefore() && g.HasAfter():
		return fmt.Sprintf("both(%s,%s)", g.Before, g.After)
	case g.HasBefore():
		return fmt.Sprintf("before(%s)", g.Before)
	case g.HasAfter():
		return fmt.Sprintf("after(%s)", g.After)
	default:
		return "none"
	}
}

func normalize(g *Gap) *Gap {
	if g.Before == "" && g.After == "" {
		return nil
	}
	return g
}
