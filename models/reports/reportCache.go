package reports

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/sirupsen/logrus"
)

// ReportCache stores rendered reports. A miss is (false, nil).
type ReportCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// RedisReportCache goes through the shared Redis client and is a no-op when Redis is not connected.
type RedisReportCache struct{}

func (RedisReportCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	return config.GetRedisObject(ctx, key, dest)
}

func (RedisReportCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return config.SetRedisObject(ctx, key, value, ttl)
}

// StatsCacheKey identifies one windowed report. Any ledger write bumps the version and so retires older keys.
// The window start is part of the key so a cached "today" does not outlive its day.
func StatsCacheKey(userId int, ledgerVersion int64, w Window) string {
	types := make([]string, 0, len(w.Types))
	for _, t := range w.Types {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return fmt.Sprintf("%sv%d:%s:%s:%s:%s",
		models.StatsCachePrefix(userId), ledgerVersion, w.Range,
		w.Start.Format("2006-01-02"), w.Location.String(), strings.Join(types, ","))
}

// CachedWindowedStats serves from cache when enabled, otherwise builds and stores the report.
// Cache failures are logged and never fail the request.
func CachedWindowedStats(ctx context.Context, cache ReportCache, key string, build func() (*WindowedStats, error)) (*WindowedStats, error) {
	if cache == nil || !config.StatsCacheEnabled() {
		return build()
	}
	var cached WindowedStats
	ok, err := cache.Get(ctx, key, &cached)
	if err != nil {
		config.LogError(config.GetLogger(), "reports", "CachedWindowedStats", "cache get", key, err)
	} else if ok {
		return &cached, nil
	}

	stats, err := build()
	if err != nil {
		return nil, err
	}
	if err := cache.Set(ctx, key, stats, config.StatsCacheTTL()); err != nil {
		config.LogError(config.GetLogger(), "reports", "CachedWindowedStats", "cache set", key, err)
	}
	return stats, nil
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra logrus.Fields) {
	d := time.Since(started)
	if d < config.ReportSlowThreshold() {
		return
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	fields := logrus.Fields{
		"report":         name,
		"ms":             d.Milliseconds(),
		"user_id":        userId,
		"correlation_id": cid,
	}
	for k, v := range extra {
		fields[k] = v
	}
	config.GetLogger().WithFields(fields).Warn("slow_report")
}

// TimedWindowedStats wraps BuildWindowedStats with slow-report logging.
func TimedWindowedStats(ctx context.Context, logs []*models.ImmersionLog, window Window, tuning config.StatsTuning) *WindowedStats {
	start := time.Now()
	defer logSlowReport(ctx, "windowed_stats", start, logrus.Fields{
		"range": window.Range,
		"logs":  len(logs),
	})
	return BuildWindowedStats(logs, window, tuning)
}
