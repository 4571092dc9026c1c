package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"dari_scrooper/config"
	"dari_scrooper/models"
)

// ErrBusy is returned when a cycle is requested while another one runs.
var ErrBusy = errors.New("cycle already running")

// Cycler runs one controller cycle and persists metric snapshots.
type Cycler interface {
	RunCycle(ctx context.Context, m models.RunMetrics) (models.RunMetrics, *models.RunStats, error)
	SaveSnapshot(ctx context.Context, m models.RunMetrics) error
}

// Scheduler drives controller cycles on a cron expression or a fixed interval
// and owns the rolling metrics between them.
type Scheduler struct {
	cfg    config.SchedulerConfig
	agent  Cycler
	log    *logrus.Entry
	cron   *cron.Cron
	ticker *time.Ticker
	stopCh chan struct{}

	running atomic.Bool
	mu      sync.Mutex
	metrics models.RunMetrics
}

func New(cfg config.SchedulerConfig, agent Cycler, initial models.RunMetrics, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		agent:   agent,
		log:     log.WithField("component", "scheduler"),
		cron:    cron.New(),
		stopCh:  make(chan struct{}),
		metrics: initial,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Cron != "" {
		s.log.Infof("Starting scheduler with cron: %s", s.cfg.Cron)
		_, err := s.cron.AddFunc(s.cfg.Cron, func() {
			s.tick(ctx)
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Interval > 0 {
		s.log.Infof("Starting scheduler with interval: %s", s.cfg.Interval)
		s.ticker = time.NewTicker(s.cfg.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.tick(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		s.log.Warn("No schedule configured, daemon will idle")
	}

	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.TriggerNow(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			s.log.Info("Previous cycle still running, skipping tick")
			return
		}
		s.log.Errorf("Scheduled cycle error: %v", err)
	}
}

// TriggerNow runs one cycle synchronously, or returns ErrBusy.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.running.Store(false)

	m := s.Metrics()
	next, _, err := s.agent.RunCycle(ctx, m)

	s.mu.Lock()
	s.metrics = next
	s.mu.Unlock()
	return err
}

// Metrics returns a copy of the current rolling metrics.
func (s *Scheduler) Metrics() models.RunMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.Clone()
}

// Stop halts the triggers and saves the rolling metrics. A cycle in flight is
// not cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)

	if err := s.agent.SaveSnapshot(ctx, s.Metrics()); err != nil {
		return fmt.Errorf("save metrics snapshot: %w", err)
	}
	return nil
}
