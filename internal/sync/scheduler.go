package sync

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"device-sync-service/internal/logger"
)

type syncTrigger interface {
	Trigger(reason string)
}

// Scheduler owns the recurring sync timer and the one-shot timer used for
// priority triggers. Both only request a pass; the manager drops requests
// that arrive while a pass is running.
type Scheduler struct {
	interval time.Duration
	target   syncTrigger
	cron     *cron.Cron
	entryID  cron.EntryID

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	stopped  bool
}

func NewScheduler(interval time.Duration, target syncTrigger) *Scheduler {
	return &Scheduler{
		interval: interval,
		target:   target,
		cron:     cron.New(),
	}
}

func (s *Scheduler) Start() error {
	logger.Log.Info("Starting scheduler", zap.Duration("interval", s.interval))

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.triggerSync(TriggerTimer)
	})
	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.Error(err))
		return fmt.Errorf("failed to schedule periodic sync: %w", err)
	}

	s.entryID = id
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	logger.Log.Info("Stopped scheduler")
}

// ScheduleWithin makes sure a sync is requested no later than d from now.
// An already scheduled earlier request is kept.
func (s *Scheduler) ScheduleWithin(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	deadline := time.Now().Add(d)
	if s.timer != nil && !s.deadline.After(deadline) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}

	s.deadline = deadline
	s.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.triggerSync(TriggerPriority)
	})
}

// Pending reports whether a priority trigger is waiting to fire.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) triggerSync(reason string) {
	logger.Log.Debug("Triggering scheduled sync", zap.String("trigger", reason))
	s.target.Trigger(reason)
}
