package timeline

import (
	"context"
	"time"

	"roomline/pkg/models"
)

// ResolveContent returns what a reader should see for ev: the content of its
// latest edit when one is set and resolvable, otherwise its own content.
func (e *Engine) ResolveContent(ctx context.Context, ev *models.TimelineEvent) (*models.RoomContent, error) {
	return e.resolveContent(ctx, ev, e.decryptTimeout)
}

func (e *Engine) resolveContent(ctx context.Context, ev *models.TimelineEvent, timeout time.Duration) (*models.RoomContent, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if ev.Redacted == nil && ev.Replacement != nil {
		if c := e.editContent(ctx, ev); c != nil {
			return c, nil
		}
	}
	return e.content.Content(ctx, ev)
}

// editContent is nil whenever the edit cannot stand in for the original.
func (e *Engine) editContent(ctx context.Context, ev *models.TimelineEvent) *models.RoomContent {
	edit, err := e.store.Get(ctx, ev.RoomID, ev.Replacement.EventID)
	if err != nil || edit == nil || edit.Redacted != nil {
		return nil
	}
	c, err := e.content.Content(ctx, edit)
	if err != nil || c == nil {
		return nil
	}
	body := models.NewContent(c.Content)
	if body == nil {
		return nil
	}
	return &models.RoomContent{Type: c.Type, Content: body, EditEventID: edit.EventID}
}
