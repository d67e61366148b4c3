package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/spiral/internal/config"
	"github.com/smallbiznis/spiral/internal/loyalty"
	loyaltydomain "github.com/smallbiznis/spiral/internal/loyalty/domain"
	"github.com/smallbiznis/spiral/internal/observability"
	obsmiddleware "github.com/smallbiznis/spiral/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/spiral/internal/observability/metrics"
	obstracing "github.com/smallbiznis/spiral/internal/observability/tracing"
	"github.com/smallbiznis/spiral/internal/order"
	orderdomain "github.com/smallbiznis/spiral/internal/order/domain"
	"github.com/smallbiznis/spiral/internal/ratelimit"
	"github.com/smallbiznis/spiral/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/spiral/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	loyalty.Module,
	subscription.Module,
	order.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(obsmetrics.GinMiddleware(httpMetrics))
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// processLimiter is the slice of *ratelimit.Limiter the process route needs.
type processLimiter interface {
	AllowProcess(ctx context.Context, subscriptionID string) (ratelimit.Result, error)
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	catalog         *config.CatalogHolder
	subscriptionSvc subscriptiondomain.Service
	orderSvc        orderdomain.Service
	loyaltySvc      loyaltydomain.Service
	processLimiter  processLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Catalog         *config.CatalogHolder
	SubscriptionSvc subscriptiondomain.Service
	OrderSvc        orderdomain.Service
	LoyaltySvc      loyaltydomain.Service
	Limiter         *ratelimit.Limiter  `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		catalog:         p.Catalog,
		subscriptionSvc: p.SubscriptionSvc,
		orderSvc:        p.OrderSvc,
		loyaltySvc:      p.LoyaltySvc,
		obsMetrics:      p.ObsMetrics,
	}
	if p.Limiter.Enabled() {
		svc.processLimiter = p.Limiter
	}

	svc.registerRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	subs := s.engine.Group("/subscriptions")
	{
		// static segments are matched before the :id wildcard
		subs.GET("/popular", s.ListPopularTemplates)
		subs.GET("/user/:userId", s.ListUserSubscriptions)
		subs.POST("", s.CreateSubscription)
		subs.GET("/:id", s.GetSubscriptionByID)
		subs.PUT("/:id", s.UpdateSubscription)
		subs.DELETE("/:id", s.CancelSubscription)
		subs.POST("/:id/process", s.ProcessRateLimit(), s.ProcessSubscription)
	}

	spirals := s.engine.Group("/spirals/user/:userId")
	{
		spirals.GET("/balance", s.GetSpiralBalance)
		spirals.GET("/transactions", s.ListSpiralTransactions)
	}
}
