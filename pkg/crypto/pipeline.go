package crypto

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"roomline/pkg/locks"
	"roomline/pkg/logger"
	"roomline/pkg/models"
	"roomline/pkg/store"
	"roomline/pkg/telemetry"
)

const defaultCacheSize = 4096

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Services are tried in order; Passthrough is always appended.
	Services []Service
	// Persist writes successful plaintext into the chain store.
	Persist   bool
	CacheSize int
	Timeout   time.Duration
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
}

type result struct {
	content *models.RoomContent
	err     error
}

// Pipeline resolves the content of timeline events. Encrypted events are
// decrypted at most once at a time per (room, event); concurrent callers
// observe the first caller's result.
type Pipeline struct {
	services []Service
	store    store.ChainStore
	persist  bool
	timeout  time.Duration
	locks    *locks.KeyedMutex
	cache    *lru.Cache[string, result]
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

func NewPipeline(st store.ChainStore, opts PipelineOptions) (*Pipeline, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, result](size)
	if err != nil {
		return nil, errors.Wrap(err, "create plaintext cache")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Discard()
	}
	services := append(append([]Service(nil), opts.Services...), Passthrough{})
	return &Pipeline{
		services: services,
		store:    st,
		persist:  opts.Persist,
		timeout:  opts.Timeout,
		locks:    locks.New(),
		cache:    cache,
		metrics:  metrics,
		log:      logger.OrNop(opts.Logger),
	}, nil
}

// Content returns the plaintext content of ev. Failures are returned as
// *DecryptionError and never abort the caller's traversal.
func (p *Pipeline) Content(ctx context.Context, ev *models.TimelineEvent) (*models.RoomContent, error) {
	switch {
	case ev.Redacted != nil:
		return &models.RoomContent{Type: ev.Redacted.EventType, Content: models.EmptyContent(), Redacted: true}, nil
	case ev.Decrypted != nil:
		return ev.Decrypted, nil
	case !ev.IsEncrypted():
		return p.decrypt(ctx, ev)
	}

	key := ev.Key()
	if r, ok := p.cache.Get(key); ok {
		return r.content, r.err
	}

	unlock, err := p.locks.LockContext(ctx, key)
	if err != nil {
		return nil, &DecryptionError{Kind: Timeout, Err: err}
	}
	defer unlock()

	// someone else may have finished while we waited
	if r, ok := p.cache.Get(key); ok {
		return r.content, r.err
	}
	if p.persist {
		stored, err := p.store.Get(ctx, ev.RoomID, ev.EventID)
		if err == nil && stored != nil && stored.Decrypted != nil {
			return stored.Decrypted, nil
		}
	}

	content, err := p.decrypt(ctx, ev)
	p.record(err)
	if err != nil {
		if !transient(err) {
			p.cache.Add(key, result{err: err})
		}
		p.log.Debug("decrypt_failed",
			zap.Stringer("room_id", ev.RoomID),
			zap.Stringer("event_id", ev.EventID),
			zap.Error(err))
		return nil, err
	}
	p.cache.Add(key, result{content: content})
	if p.persist {
		p.save(ctx, ev, content)
	}
	return content, nil
}

func (p *Pipeline) decrypt(ctx context.Context, ev *models.TimelineEvent) (*models.RoomContent, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	for _, svc := range p.services {
		content, err := svc.Decrypt(ctx, ev.Event)
		if errors.Is(err, ErrNotApplicable) {
			continue
		}
		if err != nil {
			if _, ok := KindOf(err); ok {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, &DecryptionError{Kind: Timeout, Err: err}
			}
			return nil, &DecryptionError{Kind: SessionError, Err: err}
		}
		return content, nil
	}
	return nil, &DecryptionError{Kind: AlgorithmNotSupported, Err: errors.Newf("no service for %s", ev.Event.Type.Type)}
}

func (p *Pipeline) save(ctx context.Context, ev *models.TimelineEvent, content *models.RoomContent) {
	err := p.store.Update(context.WithoutCancel(ctx), ev.RoomID, ev.EventID, func(cur *models.TimelineEvent) (*models.TimelineEvent, error) {
		if cur == nil || cur.Redacted != nil || cur.Decrypted != nil {
			return cur, nil
		}
		next := cur.Clone()
		next.Decrypted = content
		return next, nil
	})
	if err != nil {
		p.log.Warn("persist_plaintext_failed", zap.Stringer("event_id", ev.EventID), zap.Error(err))
	}
}

func (p *Pipeline) record(err error) {
	outcome := "success"
	if err != nil {
		kind, _ := KindOf(err)
		outcome = kind.String()
	}
	p.metrics.Decryptions.WithLabelValues(outcome).Inc()
}

// Forget drops a cached result, e.g. after a redaction.
func (p *Pipeline) Forget(ev *models.TimelineEvent) {
	p.cache.Remove(ev.Key())
}
