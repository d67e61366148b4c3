package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/spiral/internal/clock"
	obsmetrics "github.com/smallbiznis/spiral/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/spiral/internal/order/domain"
	"github.com/smallbiznis/spiral/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// SubscriptionLocker keeps two workers off the same subscription. An empty
// token with acquired=true means locking is disabled.
type SubscriptionLocker interface {
	TryLockSubscription(ctx context.Context, subscriptionID string) (token string, acquired bool, err error)
	ReleaseSubscription(ctx context.Context, subscriptionID, token string) error
}

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	OrderSvc         orderdomain.Service
	SubscriptionRepo subscriptiondomain.Repository
	Limiter          *ratelimit.Limiter `optional:"true"`
	Config           Config             `optional:"true"`
}

type Scheduler struct {
	db               *gorm.DB
	log              *zap.Logger
	cfg              Config
	genID            *snowflake.Node
	clock            clock.Clock
	orderSvc         orderdomain.Service
	subscriptionRepo subscriptiondomain.Repository
	locker           SubscriptionLocker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.OrderSvc == nil || p.SubscriptionRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:               p.DB,
		log:              p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:              p.Config.withDefaults(),
		genID:            p.GenID,
		clock:            p.Clock,
		orderSvc:         p.OrderSvc,
		subscriptionRepo: p.SubscriptionRepo,
		locker:           p.Limiter,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline only means the batch did not drain; the next tick resumes.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job a single time.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobMaterializeDue, func(ctx context.Context) error {
			return s.runJob(ctx, JobMaterializeDue, s.cfg.BatchSize, s.cfg.JobTimeout, s.MaterializeDueJob)
		}},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	s.log.Info("scheduler started",
		zap.Duration("run_interval", s.cfg.RunInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)
	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}

		if lag := time.Since(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		nextRun = time.Now().Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// MaterializeDueJob sweeps active subscriptions whose next delivery has
// passed and materializes each one. Every subscription is attempted at most
// once per run; failures are joined and the rest of the batch continues.
func (s *Scheduler) MaterializeDueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobMaterializeDue, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	var errs error
	attempted := make(map[snowflake.ID]struct{})
	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(errs, err)
		}

		asOf := s.clock.Now()
		listStart := time.Now()
		ids, err := s.subscriptionRepo.ListDueIDs(ctx, s.db, asOf, s.cfg.BatchSize)
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceDueSubscriptions, time.Since(listStart))
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.due.list_failed", JobMaterializeDue, 0, err)
			return errors.Join(errs, err)
		}
		if len(ids) == 0 {
			if batch == 0 {
				schedMetrics.IncBatchDeferred(JobMaterializeDue, obsmetrics.SchedulerBatchDeferredReasonEmpty)
			}
			return errs
		}

		fresh := 0
		for _, id := range ids {
			if _, seen := attempted[id]; seen {
				continue
			}
			attempted[id] = struct{}{}
			fresh++

			if err := s.materializeOne(ctx, run, id, asOf); err != nil {
				errs = errors.Join(errs, err)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return errors.Join(errs, ctxErr)
				}
			}
		}

		if fresh == 0 || len(ids) < s.cfg.BatchSize {
			return errs
		}
	}
	return errs
}

func (s *Scheduler) materializeOne(ctx context.Context, run *jobRun, id snowflake.ID, asOf time.Time) error {
	schedMetrics := obsmetrics.Scheduler()
	subscriptionID := id.String()

	if s.locker != nil {
		token, acquired, err := s.locker.TryLockSubscription(ctx, subscriptionID)
		switch {
		case err != nil:
			// The row lock still serializes the write; carry on without redis.
			s.logger(ctx).Warn("scheduler.lock.unavailable",
				zap.String("subscription_id", subscriptionID),
				zap.Error(err),
			)
		case !acquired:
			run.IncDeferred()
			schedMetrics.IncBatchDeferred(JobMaterializeDue, obsmetrics.SchedulerBatchDeferredReasonLockBusy)
			return nil
		case token != "":
			defer func() {
				if err := s.locker.ReleaseSubscription(context.WithoutCancel(ctx), subscriptionID, token); err != nil {
					s.logger(ctx).Warn("scheduler.lock.release_failed",
						zap.String("subscription_id", subscriptionID),
						zap.Error(err),
					)
				}
			}()
		}
	}

	start := time.Now()
	result, err := s.orderSvc.Materialize(ctx, orderdomain.MaterializeRequest{
		SubscriptionID: subscriptionID,
		AsOf:           asOf,
	})
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceSubscriptionByID, time.Since(start))

	switch {
	case err == nil && result.Duplicate:
		run.IncDeferred()
		schedMetrics.IncBatchDeferred(JobMaterializeDue, obsmetrics.SchedulerBatchDeferredReasonDuplicated)
		return nil
	case err == nil:
		run.AddProcessed(1)
		schedMetrics.AddBatchProcessed(JobMaterializeDue, "subscription", 1)
		s.logOrderMaterialized(ctx, id, result)
		return nil
	case errors.Is(err, orderdomain.ErrNotDue):
		run.IncDeferred()
		schedMetrics.IncBatchDeferred(JobMaterializeDue, obsmetrics.SchedulerBatchDeferredReasonNotDue)
		return nil
	case errors.Is(err, orderdomain.ErrSubscriptionNotActive), errors.Is(err, orderdomain.ErrSubscriptionNotFound):
		run.IncDeferred()
		schedMetrics.IncBatchDeferred(JobMaterializeDue, obsmetrics.SchedulerBatchDeferredReasonNotActive)
		return nil
	default:
		s.logSchedulerError(ctx, run, "scheduler.materialize.failed", JobMaterializeDue, id, err)
		return fmt.Errorf("subscription %s: %w", subscriptionID, err)
	}
}
