package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSweepSchedule  = "@every 1h"
	DefaultStoreRetention = 7 * 24 * time.Hour
)

// Pruner removes persisted records stamped before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type SweepConfig struct {
	Schedule       string
	StoreRetention time.Duration
	Timeout        time.Duration
}

// Sweeper runs retention on a cron schedule: it trims the engine's in-memory
// state and prunes the store.
type Sweeper struct {
	engine *Engine
	store  Pruner
	cfg    SweepConfig
	cron   *cron.Cron
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSweeper(e *Engine, store Pruner, cfg SweepConfig, logger *logrus.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.StoreRetention <= 0 {
		cfg.StoreRetention = DefaultStoreRetention
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		engine: e,
		store:  store,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cron.PrintfLogger(logger)),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
		),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.logger.WithField("schedule", s.cfg.Schedule).Info("Starting retention sweeper")
	s.cron.Start()
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.WithError(err).Error("Retention sweep failed")
	}
}

// RunOnce performs one sweep immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	res, err := s.engine.Sweep(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to sweep engine state: %w", err)
	}

	if s.store != nil {
		cutoff := s.engine.now().Add(-s.cfg.StoreRetention)
		n, err := s.store.Prune(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("failed to prune store: %w", err)
		}
		res.Pruned = n
	}

	s.logger.WithFields(logrus.Fields{
		"buckets":      res.Buckets,
		"observations": res.Observations,
		"pruned":       res.Pruned,
	}).Info("Retention sweep completed")
	return res, nil
}
