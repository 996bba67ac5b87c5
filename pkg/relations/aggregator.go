// Package relations maintains relation edges between timeline events and
// applies their effects: edits move a target's replacement pointer and
// redactions strip an event down to its type tag.
package relations

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/logger"
	"roomline/pkg/models"
	"roomline/pkg/store"
	"roomline/pkg/telemetry"
)

// Aggregator applies relation side effects to the chain store.
type Aggregator struct {
	store    store.ChainStore
	registry *Registry
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

func New(st store.ChainStore, registry *Registry, metrics *telemetry.Metrics, log *zap.Logger) *Aggregator {
	if registry == nil {
		registry = NewRegistry()
	}
	if metrics == nil {
		metrics = telemetry.Discard()
	}
	return &Aggregator{store: st, registry: registry, metrics: metrics, log: logger.OrNop(log)}
}

func (a *Aggregator) Registry() *Registry { return a.registry }

// Process runs over newly inserted events in chain order. Events must
// already be stored.
func (a *Aggregator) Process(ctx context.Context, events []*models.TimelineEvent) error {
	for _, ev := range events {
		if err := a.processOne(ctx, ev); err != nil {
			return errors.Wrapf(err, "aggregate %s", ev.EventID)
		}
	}
	return nil
}

func (a *Aggregator) processOne(ctx context.Context, ev *models.TimelineEvent) error {
	if ev.Redacted == nil {
		if rel := models.RelatesTo(ev.Event); rel != nil {
			edge := models.Relation{
				RoomID:         ev.RoomID,
				EventID:        ev.EventID,
				RelationType:   rel.Type,
				RelatedEventID: rel.EventID,
			}
			if err := a.store.AddRelation(ctx, edge); err != nil {
				return err
			}
			if rel.Type == event.RelReplace {
				if err := a.applyEdit(ctx, ev, rel.EventID); err != nil {
					return err
				}
			}
		}
	}

	if target := models.RedactedEventID(ev.Event); target != "" {
		if err := a.Redact(ctx, ev.RoomID, target); err != nil {
			return err
		}
	}

	// the event may be the target of edits that arrived before it
	return a.Recompute(ctx, ev.RoomID, ev.EventID)
}

// applyEdit moves the target's pointer to edit when edit is from the target's
// sender and not older than the current replacement.
func (a *Aggregator) applyEdit(ctx context.Context, edit *models.TimelineEvent, targetID id.EventID) error {
	applied := false
	err := a.store.Update(ctx, edit.RoomID, targetID, func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		if cur == nil || cur.Redacted != nil || cur.Sender() != edit.Sender() {
			return cur, nil
		}
		if cur.Replacement != nil && edit.OriginTS() < cur.Replacement.OriginTS {
			return cur, nil
		}
		if cur.Replacement != nil && cur.Replacement.EventID == edit.EventID {
			return cur, nil
		}
		next := cur.Clone()
		next.Replacement = &models.Replacement{EventID: edit.EventID, Sender: edit.Sender(), OriginTS: edit.OriginTS()}
		applied = true
		return next, nil
	})
	if err != nil {
		return err
	}
	if applied {
		a.metrics.Edits.Inc()
		a.log.Debug("edit_applied",
			zap.Stringer("room_id", edit.RoomID),
			zap.Stringer("event_id", targetID),
			zap.Stringer("edit_event_id", edit.EventID))
	}
	return nil
}

// Recompute derives targetID's replacement pointer from the stored
// replace edges. Only unredacted edits from the target's sender count;
// among equal timestamps the current pointer is kept.
func (a *Aggregator) Recompute(ctx context.Context, roomID id.RoomID, targetID id.EventID) error {
	edges, err := a.store.GetRelations(ctx, roomID, targetID, event.RelReplace)
	if err != nil {
		return err
	}
	candidates := make([]*models.TimelineEvent, 0, len(edges))
	for editID := range edges {
		edit, err := a.store.Get(ctx, roomID, editID)
		if err != nil {
			return err
		}
		if edit != nil && edit.Redacted == nil {
			candidates = append(candidates, edit)
		}
	}
	if len(edges) == 0 {
		// nothing ever pointed here; avoid touching the entry
		return nil
	}

	return a.store.Update(ctx, roomID, targetID, func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		if cur == nil || cur.Redacted != nil {
			return cur, nil
		}
		best := latestEdit(cur, candidates)
		switch {
		case best == nil && cur.Replacement == nil:
			return cur, nil
		case best != nil && cur.Replacement != nil && cur.Replacement.EventID == best.EventID:
			return cur, nil
		}
		next := cur.Clone()
		next.Replacement = nil
		if best != nil {
			next.Replacement = &models.Replacement{EventID: best.EventID, Sender: best.Sender(), OriginTS: best.OriginTS()}
		}
		return next, nil
	})
}

func latestEdit(target *models.TimelineEvent, candidates []*models.TimelineEvent) *models.TimelineEvent {
	var best *models.TimelineEvent
	for _, c := range candidates {
		if c.Sender() != target.Sender() {
			continue
		}
		if best == nil || preferEdit(target, c, best) {
			best = c
		}
	}
	return best
}

// preferEdit reports whether c supersedes best as target's replacement.
func preferEdit(target, c, best *models.TimelineEvent) bool {
	if c.OriginTS() != best.OriginTS() {
		return c.OriginTS() > best.OriginTS()
	}
	if current := target.Replacement; current != nil {
		if current.EventID == best.EventID {
			return false
		}
		if current.EventID == c.EventID {
			return true
		}
	}
	return c.EventID > best.EventID
}

// Redact rewrites targetID to its redacted form, drops the relation edge it
// was the source of and recomputes whatever that edge used to affect.
// Unknown targets are ignored.
func (a *Aggregator) Redact(ctx context.Context, roomID id.RoomID, targetID id.EventID) error {
	var rel *event.RelatesTo
	redacted := false
	err := a.store.Update(ctx, roomID, targetID, func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		if cur == nil || cur.Redacted != nil {
			return cur, nil
		}
		rel = models.RelatesTo(cur.Event)
		next := cur.Clone()
		next.Redacted = &models.RedactedContent{EventType: a.registry.RedactedType(cur)}
		if next.Event != nil {
			next.Event.Content = event.Content{VeryRaw: models.EmptyContent()}
		}
		next.Decrypted = nil
		next.Replacement = nil
		redacted = true
		return next, nil
	})
	if err != nil {
		return err
	}
	if !redacted {
		a.log.Debug("redaction_target_unknown",
			zap.Stringer("room_id", roomID), zap.Stringer("event_id", targetID))
		return nil
	}
	a.metrics.Redactions.Inc()
	a.log.Debug("event_redacted", zap.Stringer("room_id", roomID), zap.Stringer("event_id", targetID))

	if rel == nil {
		return nil
	}
	edge := models.Relation{RoomID: roomID, EventID: targetID, RelationType: rel.Type, RelatedEventID: rel.EventID}
	if err := a.store.DeleteRelation(ctx, edge); err != nil {
		return err
	}
	if rel.Type != event.RelReplace {
		return nil
	}
	return a.recomputeAfterRemoval(ctx, roomID, rel.EventID, targetID)
}

// recomputeAfterRemoval is Recompute for a target whose edge set just lost
// removed: an empty edge set must still clear a pointer at removed.
func (a *Aggregator) recomputeAfterRemoval(ctx context.Context, roomID id.RoomID, targetID, removed id.EventID) error {
	edges, err := a.store.GetRelations(ctx, roomID, targetID, event.RelReplace)
	if err != nil {
		return err
	}
	if len(edges) > 0 {
		return a.Recompute(ctx, roomID, targetID)
	}
	return a.store.Update(ctx, roomID, targetID, func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		if cur == nil || cur.Replacement == nil || cur.Replacement.EventID != removed {
			return cur, nil
		}
		next := cur.Clone()
		next.Replacement = nil
		return next, nil
	})
}
