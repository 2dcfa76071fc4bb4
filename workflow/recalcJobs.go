package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	JobRecalcLedgers = "recalc-ledgers"
	JobRecalcStreaks = "recalc-streaks"
	JobVerifyLedgers = "verify-ledgers"
)

// RecalcService rebuilds derived state from the raw logs. Users are processed in parallel with bounded
// concurrency; one user's rebuild is sequential and runs under that user's lock.
type RecalcService struct {
	Store       models.Store
	Locker      UserLocker
	Tuning      config.StatsTuning
	Logger      *logrus.Logger
	Concurrency int
}

func NewRecalcService(store models.Store, locker UserLocker, tuning config.StatsTuning, logger *logrus.Logger) *RecalcService {
	return &RecalcService{
		Store:       store,
		Locker:      locker,
		Tuning:      tuning,
		Logger:      logger,
		Concurrency: config.RecalcConcurrency(),
	}
}

type RecalcError struct {
	UserId int    `json:"userId"`
	Error  string `json:"error"`
}

type RecalcLedgersResult struct {
	ProcessedUsers int           `json:"processedUsers"`
	UpdatedLogs    int           `json:"updatedLogs"`
	UpdatedUsers   int           `json:"updatedUsers"`
	Errors         []RecalcError `json:"errors"`
}

type RecalcStreaksResult struct {
	ProcessedUsers int           `json:"processedUsers"`
	UpdatedUsers   int           `json:"updatedUsers"`
	Errors         []RecalcError `json:"errors"`
}

type LedgerDrift struct {
	UserId         int                 `json:"userId"`
	Fields         []models.FieldDrift `json:"fields,omitempty"`
	StoredStreak   *models.StreakState `json:"storedStreak,omitempty"`
	ExpectedStreak *models.StreakState `json:"expectedStreak,omitempty"`
	StaleXpLogs    int                 `json:"staleXpLogs,omitempty"`
}

type VerifyLedgersResult struct {
	ProcessedUsers int           `json:"processedUsers"`
	DriftedUsers   int           `json:"driftedUsers"`
	Drifts         []LedgerDrift `json:"drifts"`
	Errors         []RecalcError `json:"errors"`
}

func (s *RecalcService) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}

func (s *RecalcService) locker() UserLocker {
	if s.Locker == nil {
		s.Locker = NewLocalUserLocker()
	}
	return s.Locker
}

// resolveUsers returns userIds deduplicated and sorted, or every known user when userIds is empty.
func (s *RecalcService) resolveUsers(ctx context.Context, userIds []int) ([]int, error) {
	if len(userIds) > 0 {
		ids := utils.UniqueSlice(userIds)
		sort.Ints(ids)
		return ids, nil
	}
	return s.Store.ListUserIds(utils.WithoutOwnerScope(ctx))
}

// forEachUser runs fn for every user with bounded concurrency. Per-user errors are collected, never returned.
func (s *RecalcService) forEachUser(ctx context.Context, job string, userIds []int, fn func(ctx context.Context, userId int) error) (int, []RecalcError, error) {
	ids, err := s.resolveUsers(ctx, userIds)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: list users: %w", job, err)
	}
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}

	var (
		mu       sync.Mutex
		failures []RecalcError
		g        errgroup.Group
	)
	g.SetLimit(limit)
	for _, id := range ids {
		userId := id
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				userCtx := utils.SetUserIdInContext(ctx, userId)
				err = s.locker().WithUserLock(userCtx, userId, func(ctx context.Context) error {
					return fn(ctx, userId)
				})
			}
			if err != nil {
				config.LogError(s.logger(), "workflow", job, "user", userId, err)
				mu.Lock()
				failures = append(failures, RecalcError{UserId: userId, Error: err.Error()})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(failures, func(i, j int) bool { return failures[i].UserId < failures[j].UserId })
	return len(ids), failures, nil
}

// RecalcLedgers recomputes every log's XP with the current tuning and rebuilds each ledger's totals and levels.
// Streak fields are kept.
func (s *RecalcService) RecalcLedgers(ctx context.Context, userIds []int) (result *RecalcLedgersResult, err error) {
	ctx, span := tracer.Start(ctx, "RecalcService.RecalcLedgers")
	defer func() { endSpan(span, err) }()
	started := time.Now()

	var mu sync.Mutex
	result = &RecalcLedgersResult{}
	processed, failures, err := s.forEachUser(ctx, JobRecalcLedgers, userIds, func(ctx context.Context, userId int) error {
		var updatedLogs int
		var changed bool
		err := s.Store.Transaction(ctx, func(tx models.Store) error {
			updatedLogs, changed = 0, false
			logs, err := tx.ListLogs(ctx, userId, models.LogFilter{})
			if err != nil {
				return err
			}
			for _, l := range logs {
				xp := models.ComputeXp(s.Tuning.Xp, l.Type, l.Amounts)
				if xp == l.Xp && l.EditSnapshot == nil {
					continue
				}
				l.Xp = xp
				l.EditSnapshot = nil
				if err := tx.UpdateLog(ctx, l); err != nil {
					return err
				}
				updatedLogs++
			}

			stored, err := models.LoadLedger(ctx, tx, userId, s.Tuning.Curve)
			if err != nil {
				return err
			}
			rebuilt, err := models.RebuildTotals(s.Tuning.Curve, models.Snapshots(logs))
			if err != nil {
				return err
			}
			rebuilt.UserId = userId
			rebuilt.Version = stored.Version
			rebuilt.SetStreak(stored.Streak())
			if stored.Version != 0 && len(stored.StatTotals.Drift(rebuilt.StatTotals)) == 0 && updatedLogs == 0 &&
				stored.UserLevel == rebuilt.UserLevel && stored.ReadingLevel == rebuilt.ReadingLevel &&
				stored.ListeningLevel == rebuilt.ListeningLevel {
				return nil
			}
			changed = true
			return tx.SaveLedger(ctx, &rebuilt)
		})
		if err != nil {
			return err
		}
		mu.Lock()
		result.UpdatedLogs += updatedLogs
		if changed {
			result.UpdatedUsers++
		}
		mu.Unlock()
		s.logger().WithFields(logrus.Fields{
			"event":        "recalc.ledgers.user",
			"user_id":      userId,
			"updated_logs": updatedLogs,
			"changed":      changed,
		}).Debug("ledger rebuilt")
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.ProcessedUsers = processed
	result.Errors = failures
	span.SetAttributes(attribute.Int("processed_users", processed))
	s.logSummary(JobRecalcLedgers, started, logrus.Fields{
		"processed_users": result.ProcessedUsers,
		"updated_users":   result.UpdatedUsers,
		"updated_logs":    result.UpdatedLogs,
		"errors":          len(result.Errors),
	})
	return result, nil
}

// RecalcStreaks replays every user's log dates and saves the streak where it differs from the stored one.
func (s *RecalcService) RecalcStreaks(ctx context.Context, userIds []int) (result *RecalcStreaksResult, err error) {
	ctx, span := tracer.Start(ctx, "RecalcService.RecalcStreaks")
	defer func() { endSpan(span, err) }()
	started := time.Now()

	var mu sync.Mutex
	result = &RecalcStreaksResult{}
	processed, failures, err := s.forEachUser(ctx, JobRecalcStreaks, userIds, func(ctx context.Context, userId int) error {
		var changed bool
		err := s.Store.Transaction(ctx, func(tx models.Store) error {
			changed = false
			logs, err := tx.ListLogs(ctx, userId, models.LogFilter{})
			if err != nil {
				return err
			}
			ledger, err := models.LoadLedger(ctx, tx, userId, s.Tuning.Curve)
			if err != nil {
				return err
			}
			expected := models.RebuildStreak(models.LogDates(logs))
			if ledger.Streak().Equal(expected) && ledger.Version != 0 {
				return nil
			}
			ledger.SetStreak(expected)
			changed = true
			return tx.SaveLedger(ctx, &ledger)
		})
		if err != nil {
			return err
		}
		if changed {
			mu.Lock()
			result.UpdatedUsers++
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.ProcessedUsers = processed
	result.Errors = failures
	s.logSummary(JobRecalcStreaks, started, logrus.Fields{
		"processed_users": result.ProcessedUsers,
		"updated_users":   result.UpdatedUsers,
		"errors":          len(result.Errors),
	})
	return result, nil
}

// VerifyLedgers rebuilds ledgers in memory and reports drift without writing anything.
func (s *RecalcService) VerifyLedgers(ctx context.Context, userIds []int) (result *VerifyLedgersResult, err error) {
	ctx, span := tracer.Start(ctx, "RecalcService.VerifyLedgers")
	defer func() { endSpan(span, err) }()
	started := time.Now()

	var mu sync.Mutex
	result = &VerifyLedgersResult{}
	processed, failures, err := s.forEachUser(ctx, JobVerifyLedgers, userIds, func(ctx context.Context, userId int) error {
		logs, err := s.Store.ListLogs(ctx, userId, models.LogFilter{})
		if err != nil {
			return err
		}
		stored, err := models.LoadLedger(ctx, s.Store, userId, s.Tuning.Curve)
		if err != nil {
			return err
		}
		rebuilt, err := models.RebuildTotals(s.Tuning.Curve, models.Snapshots(logs))
		if err != nil {
			return err
		}

		drift := LedgerDrift{UserId: userId, Fields: stored.StatTotals.Drift(rebuilt.StatTotals)}
		if expected := models.RebuildStreak(models.LogDates(logs)); !stored.Streak().Equal(expected) {
			storedStreak := stored.Streak()
			drift.StoredStreak, drift.ExpectedStreak = &storedStreak, &expected
		}
		for _, l := range logs {
			if models.ComputeXp(s.Tuning.Xp, l.Type, l.Amounts) != l.Xp {
				drift.StaleXpLogs++
			}
		}
		if len(drift.Fields) == 0 && drift.ExpectedStreak == nil && drift.StaleXpLogs == 0 {
			return nil
		}

		for _, f := range drift.Fields {
			ice := &utils.InternalConsistencyError{
				UserId:  userId,
				Field:   f.Field,
				Current: f.Stored,
				Delta:   f.Expected - f.Stored,
				Detail:  fmt.Sprintf("stored %d, rebuilt %d", f.Stored, f.Expected),
			}
			s.logger().WithFields(logrus.Fields{
				"event":    "ledger.verify.drift",
				"user_id":  userId,
				"field":    f.Field,
				"stored":   f.Stored,
				"expected": f.Expected,
			}).Error(ice.Error())
		}
		if drift.ExpectedStreak != nil {
			ice := &utils.InternalConsistencyError{
				UserId:  userId,
				Field:   "currentStreak",
				Current: int64(drift.StoredStreak.CurrentStreak),
				Delta:   int64(drift.ExpectedStreak.CurrentStreak - drift.StoredStreak.CurrentStreak),
				Detail: fmt.Sprintf("stored streak %d/%d, rebuilt %d/%d",
					drift.StoredStreak.CurrentStreak, drift.StoredStreak.LongestStreak,
					drift.ExpectedStreak.CurrentStreak, drift.ExpectedStreak.LongestStreak),
			}
			s.logger().WithFields(logrus.Fields{
				"event":            "ledger.verify.drift",
				"user_id":          userId,
				"field":            "streak",
				"stored_current":   drift.StoredStreak.CurrentStreak,
				"expected_current": drift.ExpectedStreak.CurrentStreak,
				"stored_longest":   drift.StoredStreak.LongestStreak,
				"expected_longest": drift.ExpectedStreak.LongestStreak,
			}).Error(ice.Error())
		}
		mu.Lock()
		result.Drifts = append(result.Drifts, drift)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result.Drifts, func(i, j int) bool { return result.Drifts[i].UserId < result.Drifts[j].UserId })
	result.ProcessedUsers = processed
	result.DriftedUsers = len(result.Drifts)
	result.Errors = failures
	s.logSummary(JobVerifyLedgers, started, logrus.Fields{
		"processed_users": result.ProcessedUsers,
		"drifted_users":   result.DriftedUsers,
		"errors":          len(result.Errors),
	})
	return result, nil
}

func (s *RecalcService) logSummary(job string, started time.Time, fields logrus.Fields) {
	fields["event"] = "recalc." + job
	fields["ms"] = time.Since(started).Milliseconds()
	s.logger().WithFields(fields).Info("job finished")
}

// RunJob dispatches a job by name. The result is one of the *Result types above.
func (s *RecalcService) RunJob(ctx context.Context, job string, userIds []int) (any, error) {
	switch job {
	case JobRecalcLedgers:
		return s.RecalcLedgers(ctx, userIds)
	case JobRecalcStreaks:
		return s.RecalcStreaks(ctx, userIds)
	case JobVerifyLedgers:
		return s.VerifyLedgers(ctx, userIds)
	}
	return nil, utils.NewValidationError("job", fmt.Sprintf("unknown job %q", job))
}

// HandleRecalcMessage runs a job requested over Pub/Sub and logs its result.
func (s *RecalcService) HandleRecalcMessage(ctx context.Context, msg config.RecalcMessage) error {
	ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	result, err := s.RunJob(ctx, msg.Job, msg.UserIds)
	if err != nil {
		return err
	}
	summary, _ := json.Marshal(result)
	s.logger().WithFields(logrus.Fields{
		"event":          "recalc.message",
		"request_id":     msg.RequestId,
		"job":            msg.Job,
		"requested_by":   msg.RequestedBy,
		"correlation_id": msg.CorrelationId,
		"result":         string(summary),
	}).Info("recalc request processed")
	return nil
}
