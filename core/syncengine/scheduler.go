package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

// Scheduler runs sync passes every interval and on demand.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   core.Logger
	trigger  chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	// OnPass is called after every scheduled pass.
	OnPass func(Result, error)
}

// NewScheduler returns a scheduler of the engine. A zero interval only runs triggered passes.
func NewScheduler(engine *Engine, interval time.Duration, logger core.Logger) *Scheduler {
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)
	if s.logger != nil {
		s.logger.Info("sync scheduler started", map[string]interface{}{"interval": s.interval.String()})
	}
}

// Stop stops the loop and waits for the running pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	if s.logger != nil {
		s.logger.Info("sync scheduler stopped")
	}
}

// Trigger requests a pass. Triggers received while a pass runs are coalesced into one.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tick:
		case <-s.trigger:
		}
		s.runPass(ctx)
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	res, err := s.engine.SyncAllTables(ctx)
	if s.logger != nil {
		switch {
		case errors.Cause(err) == ErrSyncInProgress:
			s.logger.Debug("sync pass skipped: " + err.Error())
		case err != nil && ctx.Err() == nil:
			s.logger.Error("sync pass failed", err)
		}
	}
	if s.OnPass != nil {
		s.OnPass(res, err)
	}
}
