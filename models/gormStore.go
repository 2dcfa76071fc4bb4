package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore persists through gorm. The same code runs on MySQL in production and SQLite in tests.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite without error translation
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *GormStore) CreateLog(ctx context.Context, log *ImmersionLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return utils.NewConflictError("log", log.ID)
		}
		return fmt.Errorf("create log: %w", err)
	}
	return nil
}

func (s *GormStore) GetLog(ctx context.Context, userId int, id string) (*ImmersionLog, error) {
	var log ImmersionLog
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userId).Take(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("log", id)
		}
		return nil, err
	}
	return &log, nil
}

func (s *GormStore) UpdateLog(ctx context.Context, log *ImmersionLog) error {
	res := s.db.WithContext(ctx).Model(log).
		Where("user_id = ?", log.UserId).
		Select("*").Omit("id", "user_id", "created_at").
		Updates(log)
	if res.Error != nil {
		return fmt.Errorf("update log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.NewNotFoundError("log", log.ID)
	}
	return nil
}

func (s *GormStore) DeleteLog(ctx context.Context, userId int, id string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userId).Delete(&ImmersionLog{})
	if res.Error != nil {
		return fmt.Errorf("delete log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.NewNotFoundError("log", id)
	}
	return nil
}

func (s *GormStore) ListLogs(ctx context.Context, userId int, filter LogFilter) ([]*ImmersionLog, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userId)
	if filter.From != nil {
		q = q.Where("date >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("date < ?", filter.To.UTC())
	}
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}
	var logs []*ImmersionLog
	if err := q.Order("date ASC").Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return logs, nil
}

func (s *GormStore) FirstLogDate(ctx context.Context, userId int) (*time.Time, error) {
	var log ImmersionLog
	err := s.db.WithContext(ctx).Select("id", "date").Where("user_id = ?", userId).
		Order("date ASC").Limit(1).Take(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	d := log.Date.UTC()
	return &d, nil
}

func (s *GormStore) DeleteUserLogs(ctx context.Context, userId int) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userId).Delete(&ImmersionLog{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) GetLedger(ctx context.Context, userId int) (*StatsLedger, error) {
	var ledger StatsLedger
	err := s.db.WithContext(ctx).Where("user_id = ?", userId).Take(&ledger).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("ledger", userId)
		}
		return nil, err
	}
	return &ledger, nil
}

func (s *GormStore) SaveLedger(ctx context.Context, ledger *StatsLedger) error {
	db := s.db.WithContext(ctx)
	current := ledger.Version
	next := *ledger
	next.Version = current + 1

	if current == 0 {
		if err := db.Create(&next).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.NewConflictError("ledger", ledger.UserId)
			}
			return fmt.Errorf("insert ledger: %w", err)
		}
		*ledger = next
		return nil
	}

	res := db.Model(&StatsLedger{}).
		Where("user_id = ? AND version = ?", ledger.UserId, current).
		Select("*").Omit("user_id").
		Updates(&next)
	if res.Error != nil {
		return fmt.Errorf("update ledger: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.NewConflictError("ledger", ledger.UserId)
	}
	*ledger = next
	return nil
}

func (s *GormStore) DeleteLedger(ctx context.Context, userId int) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userId).Delete(&StatsLedger{}).Error
}

func (s *GormStore) FindOrCreateMedia(ctx context.Context, userId int, key MediaKey, externalId string) (*Media, bool, error) {
	db := s.db.WithContext(ctx)
	find := func() (*Media, error) {
		var m Media
		err := db.Where("user_id = ? AND type = ? AND title = ?", userId, key.Type, key.Title).Take(&m).Error
		if err != nil {
			return nil, err
		}
		return &m, nil
	}

	m, err := find()
	if err == nil {
		if m.ExternalId == nil && externalId != "" {
			m.ExternalId = &externalId
			if err := db.Model(m).Update("external_id", externalId).Error; err != nil {
				return nil, false, err
			}
		}
		return m, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	m = &Media{ID: uuid.NewString(), UserId: userId, Type: key.Type, Title: key.Title}
	if externalId != "" {
		m.ExternalId = &externalId
	}
	if err := db.Create(m).Error; err != nil {
		if isDuplicateKeyErr(err) {
			existing, ferr := find()
			return existing, false, ferr
		}
		return nil, false, err
	}
	return m, true, nil
}

func (s *GormStore) DeleteUserMedia(ctx context.Context, userId int) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userId).Delete(&Media{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) GetUser(ctx context.Context, id int) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.NewNotFoundError("user", id)
		}
		return nil, err
	}
	return &user, nil
}

func (s *GormStore) EnsureUser(ctx context.Context, id int, username string) (*User, error) {
	user, err := s.GetUser(ctx, id)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, utils.ErrNotFound) {
		return nil, err
	}
	user = &User{ID: id, Username: defaultUsername(id, username), Timezone: "UTC"}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return s.GetUser(ctx, id)
		}
		return nil, err
	}
	return user, nil
}

func (s *GormStore) UpdateUserTimezone(ctx context.Context, id int, timezone string) (*User, error) {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("timezone", timezone)
	if res.Error != nil {
		return nil, res.Error
	}
	return s.GetUser(ctx, id)
}

func (s *GormStore) ListUserIds(ctx context.Context) ([]int, error) {
	var ids []int
	if err := s.db.WithContext(ctx).Model(&User{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) DeleteUser(ctx context.Context, id int) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.NewNotFoundError("user", id)
	}
	return nil
}

func defaultUsername(id int, username string) string {
	if username = strings.TrimSpace(username); username != "" {
		return username
	}
	return "user-" + itoa(id)
}
