package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/lib/logger/sl"
)

// Purger deletes chat records written before cutoff.
type Purger interface {
	PurgeChatsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner drops conversation buffers that went idle.
type Pruner interface {
	Prune() int
}

// Sweeper expires chat records older than the retention TTL on a cron schedule.
type Sweeper struct {
	log      *slog.Logger
	purger   Purger
	pruner   Pruner
	ttl      time.Duration
	schedule string

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

type Option func(*Sweeper)

// WithBufferPruner also prunes idle in-memory sessions on every tick.
func WithBufferPruner(p Pruner) Option {
	return func(s *Sweeper) {
		s.pruner = p
	}
}

func New(log *slog.Logger, purger Purger, ttl time.Duration, schedule string, opts ...Option) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sweeper{
		log:      log.With(slog.String("component", "retention")),
		purger:   purger,
		ttl:      ttl,
		schedule: schedule,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sweeps once and then on every schedule tick until Stop.
func (s *Sweeper) Start() error {
	const op = "retention.Start"

	if s.ttl <= 0 && s.pruner == nil {
		s.log.Info("retention disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("%s: bad schedule %q: %w", op, s.schedule, err)
	}

	s.run()
	s.cron.Start()

	s.log.Info("retention sweeper started",
		slog.String("schedule", s.schedule),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}

func (s *Sweeper) run() {
	if s.pruner != nil {
		if n := s.pruner.Prune(); n > 0 {
			s.log.Info("idle sessions pruned", slog.Int("removed", n))
		}
	}
	if s.ttl <= 0 {
		return
	}
	if _, err := s.RunOnce(s.ctx); err != nil {
		s.log.Error("retention sweep failed", sl.Err(err))
	}
}

// RunOnce deletes every chat record older than now minus the TTL.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	const op = "retention.RunOnce"

	cutoff := s.now().UTC().Add(-s.ttl)
	removed, err := s.purger.PurgeChatsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if removed > 0 {
		s.log.Info("expired chat records removed",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("retention sweeper stopped")
}
