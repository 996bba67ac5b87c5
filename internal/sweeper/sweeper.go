// Package sweeper backfills the recent history of every known room on a cron
// schedule so readers find gaps near the live edge already filled.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"

	"roomline/pkg/config"
	"roomline/pkg/logger"
	"roomline/pkg/models"
	"roomline/pkg/store"
	"roomline/pkg/telemetry"
	"roomline/pkg/timeline"
)

const defaultPrefetch = 50

// Engine is the part of *timeline.Engine the sweeper drives.
type Engine interface {
	Store() *store.Observed
	Window(ctx context.Context, roomID id.RoomID, eventID id.EventID, opts timeline.WalkOptions) ([]*timeline.Entry, error)
}

// Report summarises one sweep.
type Report struct {
	Rooms  int
	Events int
	Failed []id.RoomID
}

type Sweeper struct {
	cfg     config.SweeperConfig
	engine  Engine
	metrics *telemetry.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	ticks   sync.WaitGroup
}

func New(cfg config.SweeperConfig, engine Engine, metrics *telemetry.Metrics, log *zap.Logger) *Sweeper {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if metrics == nil {
		metrics = telemetry.Discard()
	}
	return &Sweeper{cfg: cfg, engine: engine, metrics: metrics, log: logger.OrNop(log), now: time.Now}
}

// Run sweeps on every cron tick until ctx is cancelled. Ticks that arrive
// while a sweep is still running are skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	if !gronx.New().IsValid(s.cfg.Cron) {
		return errors.Newf("invalid sweeper cron %q", s.cfg.Cron)
	}
	s.log.Info("sweeper_started", zap.String("cron", s.cfg.Cron), zap.Int("prefetch", s.cfg.Prefetch))
	defer s.ticks.Wait()
	for {
		next, err := gronx.NextTickAfter(s.cfg.Cron, s.now(), false)
		if err != nil {
			return errors.Wrapf(err, "next tick of %q", s.cfg.Cron)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
		s.ticks.Add(1)
		go func() {
			defer s.ticks.Done()
			s.tick(ctx)
		}()
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if errors.Is(err, errBusy) {
		s.log.Debug("sweeper_tick_skipped")
		return
	}
	if err != nil {
		s.log.Error("sweeper_run_failed", zap.Error(err))
		return
	}
	s.log.Info("sweeper_run_done",
		zap.Int("rooms", report.Rooms),
		zap.Int("events", report.Events),
		zap.Int("failed", len(report.Failed)))
}

var errBusy = errors.New("sweep already running")

// RunOnce walks every room backwards from its tail until Prefetch events are
// materialised. A room that fails is reported and the sweep moves on.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.metrics.SweeperRuns.WithLabelValues("skipped").Inc()
		return nil, errBusy
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	st := s.engine.Store()
	rooms, err := st.ListRooms(ctx)
	if err != nil {
		s.metrics.SweeperRuns.WithLabelValues(telemetry.ResultError).Inc()
		return nil, errors.Wrap(err, "list rooms")
	}
	report := &Report{}
	for _, roomID := range rooms {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		room, err := st.GetRoom(ctx, roomID)
		if err != nil || room == nil || room.LastEventID == "" {
			continue
		}
		report.Rooms++
		entries, err := s.engine.Window(ctx, roomID, room.LastEventID, timeline.WalkOptions{
			Direction: models.Backwards,
			MinSize:   s.cfg.Prefetch,
			MaxSize:   s.cfg.Prefetch,
		})
		report.Events += len(entries)
		if err != nil {
			report.Failed = append(report.Failed, roomID)
			s.log.Warn("sweeper_room_failed", zap.Stringer("room_id", roomID), zap.Error(err))
		}
	}
	result := "ok"
	if len(report.Failed) > 0 {
		result = "partial"
	}
	s.metrics.SweeperRuns.WithLabelValues(result).Inc()
	return report, nil
}
