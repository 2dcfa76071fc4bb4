package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("immersion_backend/workflow")

func startSpan(ctx context.Context, name string, userId int) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.Int("user_id", userId)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// LogService is the only writer of ledgers. Every mutation runs under the user's lock inside one store
// transaction, and the ledger save is version-checked.
type LogService struct {
	Store   models.Store
	Locker  UserLocker
	Tuning  config.StatsTuning
	Logger  *logrus.Logger
	Catalog models.CatalogLookup

	// Now is replaceable in tests.
	Now        func() time.Time
	MaxRetries int
}

func NewLogService(store models.Store, locker UserLocker, tuning config.StatsTuning, logger *logrus.Logger) *LogService {
	return &LogService{
		Store:      store,
		Locker:     locker,
		Tuning:     tuning,
		Logger:     logger,
		Now:        time.Now,
		MaxRetries: config.LedgerSaveMaxRetries(),
	}
}

type ImportResult struct {
	InsertedCount     int                     `json:"insertedCount"`
	FailedCount       int                     `json:"failedCount"`
	CreatedMediaCount int                     `json:"createdMediaCount"`
	LogIds            []string                `json:"logIds"`
	Errors            []models.ImportRowError `json:"errors"`
}

type PurgeResult struct {
	DeletedLogs  int64 `json:"deletedLogs"`
	DeletedMedia int64 `json:"deletedMedia"`
}

func (s *LogService) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}

func (s *LogService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *LogService) locker() UserLocker {
	if s.Locker == nil {
		s.Locker = NewLocalUserLocker()
	}
	return s.Locker
}

// withLedger runs fn with the user's current ledger inside a transaction and saves the result.
// A version conflict retries the whole attempt, so fn must not keep side effects outside tx.
func (s *LogService) withLedger(ctx context.Context, userId int, op string, fn func(ctx context.Context, tx models.Store, ledger *models.StatsLedger) error) error {
	ctx = utils.SetUserIdInContext(ctx, userId)
	err := s.locker().WithUserLock(ctx, userId, func(ctx context.Context) error {
		attempts := s.MaxRetries
		if attempts < 1 {
			attempts = 1
		}
		var err error
		for attempt := 1; attempt <= attempts; attempt++ {
			err = s.Store.Transaction(ctx, func(tx models.Store) error {
				ledger, err := models.LoadLedger(ctx, tx, userId, s.Tuning.Curve)
				if err != nil {
					return err
				}
				if err := fn(ctx, tx, &ledger); err != nil {
					return err
				}
				return tx.SaveLedger(ctx, &ledger)
			})
			if !errors.Is(err, utils.ErrConflict) {
				break
			}
			s.logger().WithFields(logrus.Fields{
				"event":   "ledger.save.conflict",
				"op":      op,
				"user_id": userId,
				"attempt": attempt,
			}).Warn("ledger version changed during mutation")
		}
		return err
	})
	if errors.Is(err, utils.ErrInternalConsistency) {
		s.logDrift(ctx, userId, op, err)
	}
	return err
}

func (s *LogService) logDrift(ctx context.Context, userId int, op string, err error) {
	fields := logrus.Fields{
		"event":   "ledger.reconcile.drift",
		"op":      op,
		"user_id": userId,
	}
	var ice *utils.InternalConsistencyError
	if errors.As(err, &ice) {
		fields["field"] = ice.Field
		fields["current"] = ice.Current
		fields["delta"] = ice.Delta
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	s.logger().WithFields(fields).Error(err.Error())
}

func (s *LogService) attachMedia(ctx context.Context, tx models.Store, log *models.ImmersionLog, title, externalId string) (bool, error) {
	key := models.NewMediaKey(log.Type, title)
	if key.Title == "" {
		return false, nil
	}
	media, created, err := tx.FindOrCreateMedia(ctx, log.UserId, key, externalId)
	if err != nil {
		return false, err
	}
	log.MediaId = &media.ID
	return created, nil
}

// CreateLog stores a new log, adds its contribution to the ledger and advances the streak with its date.
func (s *LogService) CreateLog(ctx context.Context, owner int, input models.NewImmersionLog) (log *models.ImmersionLog, err error) {
	ctx, span := startSpan(ctx, "LogService.CreateLog", owner)
	defer func() { endSpan(span, err) }()

	now := s.now()
	if err := input.Validate(now); err != nil {
		return nil, err
	}
	externalId := s.lookupExternalId(ctx, input)
	username, _ := utils.GetUsernameFromContext(ctx)

	err = s.withLedger(ctx, owner, "create", func(ctx context.Context, tx models.Store, ledger *models.StatsLedger) error {
		if _, err := tx.EnsureUser(ctx, owner, username); err != nil {
			return err
		}
		log = input.BuildLog(owner, s.Tuning.Xp, now)
		if _, err := s.attachMedia(ctx, tx, log, input.MediaTitle, externalId); err != nil {
			return err
		}
		if err := tx.CreateLog(ctx, log); err != nil {
			return err
		}
		next, err := models.Reconcile(*ledger, s.Tuning.Curve, nil, log.Snapshot())
		if err != nil {
			return err
		}
		next.SetStreak(models.ApplyStreak(next.Streak(), log.Date))
		*ledger = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return log, nil
}

// EditLog applies patch to an owned log. The pre-edit values are parked in the log's edit snapshot, used for
// the ledger delta and cleared before commit. A date change rebuilds the streak from the full history.
func (s *LogService) EditLog(ctx context.Context, owner int, id string, patch models.ImmersionLogPatch) (log *models.ImmersionLog, err error) {
	ctx, span := startSpan(ctx, "LogService.EditLog", owner)
	defer func() { endSpan(span, err) }()

	if patch.IsEmpty() {
		return nil, utils.NewValidationError("patch", "no fields to update")
	}
	now := s.now()

	err = s.withLedger(ctx, owner, "edit", func(ctx context.Context, tx models.Store, ledger *models.StatsLedger) error {
		current, err := tx.GetLog(ctx, owner, id)
		if err != nil {
			return err
		}
		next, err := current.ApplyPatch(patch, s.Tuning.Xp, now)
		if err != nil {
			return err
		}

		next.EditSnapshot = current.Snapshot()
		if err := tx.UpdateLog(ctx, next); err != nil {
			return err
		}
		reconciled, err := models.Reconcile(*ledger, s.Tuning.Curve, next.EditSnapshot, next.Snapshot())
		if err != nil {
			return err
		}
		next.EditSnapshot = nil
		if err := tx.UpdateLog(ctx, next); err != nil {
			return err
		}

		if !current.Date.Equal(next.Date) {
			logs, err := tx.ListLogs(ctx, owner, models.LogFilter{})
			if err != nil {
				return err
			}
			reconciled.SetStreak(models.RebuildStreak(models.LogDates(logs)))
		}
		*ledger = reconciled
		log = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return log, nil
}

// DeleteLog removes an owned log and its contribution. The streak is left as is; only a rebuild corrects it.
func (s *LogService) DeleteLog(ctx context.Context, owner int, id string) (err error) {
	ctx, span := startSpan(ctx, "LogService.DeleteLog", owner)
	defer func() { endSpan(span, err) }()

	return s.withLedger(ctx, owner, "delete", func(ctx context.Context, tx models.Store, ledger *models.StatsLedger) error {
		current, err := tx.GetLog(ctx, owner, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteLog(ctx, owner, id); err != nil {
			return err
		}
		next, err := models.Reconcile(*ledger, s.Tuning.Curve, current.Snapshot(), nil)
		if err != nil {
			return err
		}
		*ledger = next
		return nil
	})
}

type importCandidate struct {
	row        int
	input      models.NewImmersionLog
	externalId string
}

// ImportLogs inserts a batch of logs. Invalid rows and rows the store rejects are reported in the result and
// skipped; the contributions of the stored rows are summed and applied to the ledger once, in the same
// transaction as the inserts. The streak is rebuilt from the full history afterwards since imports are
// usually backdated.
func (s *LogService) ImportLogs(ctx context.Context, owner int, rows []models.ImportRow) (result *ImportResult, err error) {
	ctx, span := startSpan(ctx, "LogService.ImportLogs", owner)
	span.SetAttributes(attribute.Int("rows", len(rows)))
	defer func() { endSpan(span, err) }()

	now := s.now()
	invalid := make([]models.ImportRowError, 0)
	candidates := make([]importCandidate, 0, len(rows))
	for _, r := range rows {
		input := r.Input
		if err := input.Validate(now); err != nil {
			invalid = append(invalid, models.ImportRowError{Row: r.Row, Reason: err.Error()})
			continue
		}
		candidates = append(candidates, importCandidate{row: r.Row, input: input, externalId: s.lookupExternalId(ctx, input)})
	}
	username, _ := utils.GetUsernameFromContext(ctx)

	err = s.withLedger(ctx, owner, "import", func(ctx context.Context, tx models.Store, ledger *models.StatsLedger) error {
		attempt := &ImportResult{Errors: append([]models.ImportRowError(nil), invalid...)}
		if _, err := tx.EnsureUser(ctx, owner, username); err != nil {
			return err
		}

		var delta models.StatTotals
		for _, c := range candidates {
			log := c.input.BuildLog(owner, s.Tuning.Xp, now)
			created, err := s.attachMedia(ctx, tx, log, c.input.MediaTitle, c.externalId)
			if err == nil {
				err = tx.CreateLog(ctx, log)
			}
			if err != nil {
				attempt.Errors = append(attempt.Errors, models.ImportRowError{Row: c.row, Reason: err.Error()})
				continue
			}
			if created {
				attempt.CreatedMediaCount++
			}
			attempt.InsertedCount++
			attempt.LogIds = append(attempt.LogIds, log.ID)
			delta = delta.Add(models.Contribution(log.Snapshot()))
		}

		if attempt.InsertedCount > 0 {
			next, err := models.ApplyTotals(*ledger, s.Tuning.Curve, delta)
			if err != nil {
				return err
			}
			logs, err := tx.ListLogs(ctx, owner, models.LogFilter{})
			if err != nil {
				return err
			}
			next.SetStreak(models.RebuildStreak(models.LogDates(logs)))
			*ledger = next
		}
		attempt.FailedCount = len(attempt.Errors)
		result = attempt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger().WithFields(logrus.Fields{
		"event":         "logs.import",
		"user_id":       owner,
		"inserted":      result.InsertedCount,
		"failed":        result.FailedCount,
		"created_media": result.CreatedMediaCount,
	}).Info("import finished")
	return result, nil
}

// ImportSheet imports parsed sheet rows; rows that failed to parse count as failed.
func (s *LogService) ImportSheet(ctx context.Context, owner int, sheet *models.ImportSheet) (*ImportResult, error) {
	result, err := s.ImportLogs(ctx, owner, sheet.Rows)
	if err != nil {
		return nil, err
	}
	if len(sheet.Errors) > 0 {
		result.Errors = append(append([]models.ImportRowError(nil), sheet.Errors...), result.Errors...)
		result.FailedCount = len(result.Errors)
	}
	return result, nil
}

// lookupExternalId asks the catalog for an id when the input names media without one. Lookup failures only
// cost the attachment.
func (s *LogService) lookupExternalId(ctx context.Context, input models.NewImmersionLog) string {
	if input.ExternalId != "" || input.MediaTitle == "" || s.Catalog == nil {
		return input.ExternalId
	}
	id, err := s.Catalog.LookupExternalId(ctx, input.Type, input.MediaTitle)
	if err != nil {
		config.LogError(s.logger(), "workflow", "lookupExternalId", "catalog lookup", input.MediaTitle, err)
		return ""
	}
	return id
}

// PurgeUser deletes the user's logs, media, ledger and user row in one transaction.
func (s *LogService) PurgeUser(ctx context.Context, owner int) (result *PurgeResult, err error) {
	ctx, span := startSpan(ctx, "LogService.PurgeUser", owner)
	defer func() { endSpan(span, err) }()

	ctx = utils.SetUserIdInContext(ctx, owner)
	err = s.locker().WithUserLock(ctx, owner, func(ctx context.Context) error {
		return s.Store.Transaction(ctx, func(tx models.Store) error {
			logs, err := tx.DeleteUserLogs(ctx, owner)
			if err != nil {
				return err
			}
			media, err := tx.DeleteUserMedia(ctx, owner)
			if err != nil {
				return err
			}
			if err := tx.DeleteLedger(ctx, owner); err != nil {
				return err
			}
			if err := tx.DeleteUser(ctx, owner); err != nil && !errors.Is(err, utils.ErrNotFound) {
				return err
			}
			result = &PurgeResult{DeletedLogs: logs, DeletedMedia: media}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// A recreated ledger restarts at version 1, so reports cached for the old ledger must go.
	if err := config.RemoveRedisKeysByPrefix(ctx, models.StatsCachePrefix(owner)); err != nil {
		config.LogError(s.logger(), "workflow", "PurgeUser", "remove cached stats", owner, err)
	}
	return result, nil
}

// SetTimezone changes the zone windowed reports are computed in.
func (s *LogService) SetTimezone(ctx context.Context, owner int, timezone string) (*models.User, error) {
	if _, err := utils.LoadLocation(timezone); err != nil {
		return nil, utils.NewValidationError("timezone", fmt.Sprintf("unknown time zone %q", timezone))
	}
	ctx = utils.SetUserIdInContext(ctx, owner)
	username, _ := utils.GetUsernameFromContext(ctx)
	if _, err := s.Store.EnsureUser(ctx, owner, username); err != nil {
		return nil, err
	}
	return s.Store.UpdateUserTimezone(ctx, owner, timezone)
}
