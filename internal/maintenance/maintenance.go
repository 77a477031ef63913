// Package maintenance runs cron-scheduled housekeeping over the state
// store: pruning idle conversations and expiring unanswered HITL
// questions.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Store is the subset of a conversation store the jobs need.
type Store interface {
	PruneIdle(ctx context.Context, before time.Time) (int, error)
	ExpirePending(ctx context.Context, before time.Time) (int, error)
}

type Config struct {
	PruneSchedule  string
	ExpireSchedule string
	MaxIdle        time.Duration
	PendingTTL     time.Duration
}

type Scheduler struct {
	store  Store
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

func New(store Store, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "maintenance"),
		now:    time.Now,
	}
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})))
	if cfg.PruneSchedule != "" && cfg.MaxIdle > 0 {
		if _, err := s.cron.AddFunc(cfg.PruneSchedule, func() { s.Prune(context.Background()) }); err != nil {
			return nil, fmt.Errorf("maintenance: prune schedule %q: %w", cfg.PruneSchedule, err)
		}
	}
	if cfg.ExpireSchedule != "" && cfg.PendingTTL > 0 {
		if _, err := s.cron.AddFunc(cfg.ExpireSchedule, func() { s.Expire(context.Background()) }); err != nil {
			return nil, fmt.Errorf("maintenance: expire schedule %q: %w", cfg.ExpireSchedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Jobs reports how many jobs are scheduled.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) Prune(ctx context.Context) int {
	n, err := s.store.PruneIdle(ctx, s.now().Add(-s.cfg.MaxIdle))
	if err != nil {
		s.logger.Error("prune idle conversations failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("pruned idle conversations", "count", n)
	}
	return n
}

func (s *Scheduler) Expire(ctx context.Context) int {
	n, err := s.store.ExpirePending(ctx, s.now().Add(-s.cfg.PendingTTL))
	if err != nil {
		s.logger.Error("expire pending input failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("expired pending input requests", "count", n)
	}
	return n
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
