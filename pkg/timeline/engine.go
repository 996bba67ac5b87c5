// Package timeline maintains per-room event chains: it appends live events,
// fills gaps from server history and walks chains lazily in either direction.
package timeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/crypto"
	"roomline/pkg/locks"
	"roomline/pkg/logger"
	"roomline/pkg/models"
	"roomline/pkg/relations"
	"roomline/pkg/store"
	"roomline/pkg/telemetry"
)

const (
	defaultFetchLimit   = 20
	defaultFetchTimeout = 30 * time.Second
)

// Fetcher pages through server history.
type Fetcher interface {
	Fetch(ctx context.Context, req models.FetchRequest) (*models.FetchResponse, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req models.FetchRequest) (*models.FetchResponse, error)

func (f FetcherFunc) Fetch(ctx context.Context, req models.FetchRequest) (*models.FetchResponse, error) {
	return f(ctx, req)
}

// ContentResolver yields the plaintext content of an event.
type ContentResolver interface {
	Content(ctx context.Context, ev *models.TimelineEvent) (*models.RoomContent, error)
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	FetchLimit     int
	FetchTimeout   time.Duration
	DecryptTimeout time.Duration
	Registry       *relations.Registry
	Content        ContentResolver
	Metrics        *telemetry.Metrics
	Logger         *zap.Logger
}

// Engine owns chain topology. Appends and gap fills for one room are
// serialised by a per-room lock; walkers share per-event fetch locks.
type Engine struct {
	store      *store.Observed
	fetcher    Fetcher
	aggregator *relations.Aggregator
	content    ContentResolver

	roomLocks  *locks.KeyedMutex
	fetchLocks *locks.KeyedMutex

	fetchLimit     int
	fetchTimeout   time.Duration
	decryptTimeout time.Duration

	metrics *telemetry.Metrics
	log     *zap.Logger
}

// New builds an engine on st. fetcher may be nil for an offline engine whose
// gap fills always fail with a TransportError.
func New(st store.Store, fetcher Fetcher, opts Options) (*Engine, error) {
	observed := store.Observe(st)
	log := logger.OrNop(opts.Logger)
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Discard()
	}
	content := opts.Content
	if content == nil {
		p, err := crypto.NewPipeline(observed, crypto.PipelineOptions{Metrics: metrics, Logger: log})
		if err != nil {
			return nil, err
		}
		content = p
	}
	e := &Engine{
		store:          observed,
		fetcher:        fetcher,
		aggregator:     relations.New(observed, opts.Registry, metrics, log),
		content:        content,
		roomLocks:      locks.New(),
		fetchLocks:     locks.New(),
		fetchLimit:     opts.FetchLimit,
		fetchTimeout:   opts.FetchTimeout,
		decryptTimeout: opts.DecryptTimeout,
		metrics:        metrics,
		log:            log,
	}
	if e.fetchLimit <= 0 {
		e.fetchLimit = defaultFetchLimit
	}
	if e.fetchTimeout <= 0 {
		e.fetchTimeout = defaultFetchTimeout
	}
	return e, nil
}

// Store is the observed chain store every component of the engine writes through.
func (e *Engine) Store() *store.Observed { return e.store }

func (e *Engine) Aggregator() *relations.Aggregator { return e.aggregator }

func (e *Engine) fetch(ctx context.Context, req models.FetchRequest) (*models.FetchResponse, error) {
	if e.fetcher == nil {
		return nil, &TransportError{RoomID: req.RoomID, Token: req.From, Err: errors.New("no fetcher configured")}
	}
	ctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, &TransportError{RoomID: req.RoomID, Token: req.From, Err: err}
	}
	if resp == nil {
		return nil, &TransportError{RoomID: req.RoomID, Token: req.From, Err: errors.New("empty response")}
	}
	return resp, nil
}

// noteRoomState records what upgrades and decryption need to know about a
// room from newly inserted state events.
func (e *Engine) noteRoomState(ctx context.Context, roomID id.RoomID, nodes []*models.TimelineEvent) error {
	var (
		createID  id.EventID
		algorithm id.Algorithm
		encrypted bool
	)
	for _, n := range nodes {
		if n.Event == nil {
			continue
		}
		switch n.Event.Type.Type {
		case event.StateCreate.Type:
			createID = n.EventID
		case event.StateEncryption.Type:
			algorithm, encrypted = models.EncryptionAlgorithm(n.Event)
		}
	}
	if createID == "" && !encrypted {
		return nil
	}
	return e.store.UpdateRoom(ctx, roomID, func(cur *models.Room) (*models.Room, error) {
		next := &models.Room{RoomID: roomID}
		if cur != nil {
			c := *cur
			next = &c
		}
		if createID != "" {
			next.CreateEventID = createID
		}
		if encrypted {
			next.Encrypted = true
			next.EncryptionAlgorithm = algorithm
		}
		return next, nil
	})
}
