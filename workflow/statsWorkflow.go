package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/models/reports"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/sirupsen/logrus"
)

// StatsService is the read path. It never writes and takes no user lock.
type StatsService struct {
	Store  models.Store
	Tuning config.StatsTuning
	Cache  reports.ReportCache
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewStatsService(store models.Store, tuning config.StatsTuning, cache reports.ReportCache, logger *logrus.Logger) *StatsService {
	return &StatsService{Store: store, Tuning: tuning, Cache: cache, Logger: logger, Now: time.Now}
}

func (s *StatsService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// userLocation falls back to UTC for users who have not logged anything yet.
func (s *StatsService) userLocation(ctx context.Context, owner int) (*time.Location, error) {
	user, err := s.Store.GetUser(ctx, owner)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return time.UTC, nil
		}
		return nil, err
	}
	return user.Location(), nil
}

// GetWindowedStats aggregates the owner's raw logs for the range and type filter.
func (s *StatsService) GetWindowedStats(ctx context.Context, owner int, rng models.StatsRange, filter []models.ActivityType) (stats *reports.WindowedStats, err error) {
	ctx, span := startSpan(ctx, "StatsService.GetWindowedStats", owner)
	defer func() { endSpan(span, err) }()
	ctx = utils.SetUserIdInContext(ctx, owner)

	now := s.now()
	loc, err := s.userLocation(ctx, owner)
	if err != nil {
		return nil, err
	}
	first, err := s.Store.FirstLogDate(ctx, owner)
	if err != nil {
		return nil, err
	}
	window, err := reports.ResolveWindow(rng, filter, first, now, loc)
	if err != nil {
		return nil, err
	}
	ledger, err := models.LoadLedger(ctx, s.Store, owner, s.Tuning.Curve)
	if err != nil {
		return nil, err
	}

	key := reports.StatsCacheKey(owner, ledger.Version, window)
	return reports.CachedWindowedStats(ctx, s.Cache, key, func() (*reports.WindowedStats, error) {
		logs, err := s.Store.ListLogs(ctx, owner, window.LogFilter())
		if err != nil {
			return nil, err
		}
		stats := reports.TimedWindowedStats(ctx, logs, window, s.Tuning)
		stats.LedgerVersion = ledger.Version
		stats.GeneratedAt = now.UTC()
		return stats, nil
	})
}

// LedgerSummary is the ledger plus the derived level progress per domain.
type LedgerSummary struct {
	Ledger    models.StatsLedger   `json:"ledger"`
	User      models.LevelProgress `json:"user"`
	Reading   models.LevelProgress `json:"reading"`
	Listening models.LevelProgress `json:"listening"`
}

// GetLedger returns the owner's cumulative stats. Users without logs get the empty ledger.
func (s *StatsService) GetLedger(ctx context.Context, owner int) (*LedgerSummary, error) {
	ctx = utils.SetUserIdInContext(ctx, owner)
	ledger, err := models.LoadLedger(ctx, s.Store, owner, s.Tuning.Curve)
	if err != nil {
		return nil, err
	}
	curve := s.Tuning.Curve
	return &LedgerSummary{
		Ledger:    ledger,
		User:      models.ProgressFor(curve, ledger.UserXp),
		Reading:   models.ProgressFor(curve, ledger.ReadingXp),
		Listening: models.ProgressFor(curve, ledger.ListeningXp),
	}, nil
}
