package service

import (
	"context"
	"time"

	"anoa.com/residencenotify/internal/entity"
	notifRepo "anoa.com/residencenotify/internal/modules/notification/repository"
	"anoa.com/residencenotify/pkg/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSchedulerSpec = "@every 30s"
	scheduledBatchSize   = 100
	scheduledRunTimeout  = 25 * time.Second
)

// deliverer is the delivery half of the Dispatcher.
type deliverer interface {
	Deliver(ctx context.Context, notification *entity.Notification) Outcome
}

// Scheduler periodically delivers persisted notifications whose scheduled_for has passed.
type Scheduler struct {
	cron       *cron.Cron
	repo       notifRepo.NotificationRepository
	dispatcher deliverer
	spec       string
	now        func() time.Time
}

func NewScheduler(repo notifRepo.NotificationRepository, dispatcher deliverer, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedulerSpec
	}
	s := &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		repo:       repo,
		dispatcher: dispatcher,
		spec:       spec,
		now:        func() time.Time { return time.Now().UTC() },
	}

	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledRunTimeout)
	defer cancel()

	delivered, err := s.RunDue(ctx)
	if err != nil {
		logger.Error("scheduled delivery failed", zap.Error(err))
		return
	}
	if delivered > 0 {
		logger.Info("scheduled notifications delivered", zap.Int("count", delivered))
	}
}

// RunDue delivers every due, unsent notification and returns how many were pushed.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	delivered := 0
	for {
		due, err := s.repo.FindDueScheduled(ctx, s.now(), scheduledBatchSize)
		if err != nil {
			return delivered, storeError("find_due", err)
		}
		if len(due) == 0 {
			return delivered, nil
		}

		marked := 0
		for _, notification := range due {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			outcome := s.dispatcher.Deliver(ctx, notification)
			delivered++
			if outcome.MarkedSent {
				marked++
			}
		}
		// Unmarked rows would be picked up again immediately; leave them for the next tick.
		if marked < len(due) || len(due) < scheduledBatchSize {
			return delivered, nil
		}
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("notification scheduler started", zap.String("spec", s.spec))
}

// Stop halts the schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("notification scheduler stopped")
}
