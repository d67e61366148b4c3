package server

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/spiral/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/spiral/internal/observability/metrics"
	"github.com/smallbiznis/spiral/internal/ratelimit"
	"go.uber.org/zap"
)

const rateLimitReasonSubscriptionRate = "subscription-rate"

// ProcessRateLimit throttles manual process calls per subscription. Redis
// failures let the request through; the materializer stays idempotent.
func (s *Server) ProcessRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.processLimiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		subscriptionID := strings.TrimSpace(c.Param("id"))

		result, err := s.processLimiter.AllowProcess(ctx, subscriptionID)
		if err != nil {
			logger.FromContext(ctx).Warn("process rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}
		if !result.Allowed {
			denyProcessRateLimit(c, endpoint, result, s.obsMetrics)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func denyProcessRateLimit(c *gin.Context, endpoint string, result ratelimit.Result, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("process rate limit exceeded",
		zap.String("reason", rateLimitReasonSubscriptionRate),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, rateLimitReasonSubscriptionRate, metrics)

	retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonSubscriptionRate)
	AbortWithError(c, ratelimit.ErrThrottled)
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
