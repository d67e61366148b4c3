package pushmetrics

import (
	"context"
	"time"

	"github.com/smallbiznis/spiral/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPushInterval = 5 * time.Minute

var Module = fx.Module("kpi.push",
	fx.Provide(NewPusher),
	fx.Invoke(startWorker),
)

// Worker refreshes KPIs from the database and pushes them on a fixed interval.
type Worker struct {
	db       *gorm.DB
	kpis     *KPIs
	pusher   Pusher
	interval time.Duration
	log      *zap.Logger
}

func NewWorker(db *gorm.DB, kpis *KPIs, pusher Pusher, interval time.Duration, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultPushInterval
	}
	return &Worker{db: db, kpis: kpis, pusher: pusher, interval: interval, log: log.Named("kpi.push")}
}

// Tick performs one refresh and push.
func (w *Worker) Tick(ctx context.Context) error {
	if err := w.kpis.Refresh(ctx, w.db); err != nil {
		return err
	}
	return w.pusher.Push(ctx, w.kpis.Registry())
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if err := w.Tick(ctx); err != nil {
		w.log.Warn("initial kpi push failed", zap.Error(err))
	}
	for {
		select {
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.log.Warn("periodic kpi push failed", zap.Error(err))
			}
		case <-ctx.Done():
			w.log.Info("stopping kpi push worker")
			return
		}
	}
}

func startWorker(lc fx.Lifecycle, cfg config.Config, pusher Pusher, db *gorm.DB, log *zap.Logger) {
	if pusher == nil {
		return
	}
	kpis := NewKPIs(nil, cfg.AppName, cfg.Environment)
	worker := NewWorker(db, kpis, pusher, time.Duration(cfg.MetricsPush.Interval)*time.Second, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			worker.log.Info("starting kpi push worker", zap.Duration("interval", worker.interval))
			go func() {
				defer close(done)
				worker.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
