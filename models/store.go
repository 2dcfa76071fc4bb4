package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/config"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
)

// LogFilter narrows a log scan. Zero values mean unbounded; From is inclusive and To is exclusive.
type LogFilter struct {
	From  *time.Time
	To    *time.Time
	Types []ActivityType
}

type LogStore interface {
	CreateLog(ctx context.Context, log *ImmersionLog) error
	GetLog(ctx context.Context, userId int, id string) (*ImmersionLog, error)
	UpdateLog(ctx context.Context, log *ImmersionLog) error
	DeleteLog(ctx context.Context, userId int, id string) error
	// ListLogs returns the user's logs sorted by date ascending, then id.
	ListLogs(ctx context.Context, userId int, filter LogFilter) ([]*ImmersionLog, error)
	FirstLogDate(ctx context.Context, userId int) (*time.Time, error)
	DeleteUserLogs(ctx context.Context, userId int) (int64, error)
}

type LedgerStore interface {
	GetLedger(ctx context.Context, userId int) (*StatsLedger, error)
	// SaveLedger inserts when Version is 0 and otherwise updates only if the stored version still matches.
	// On success ledger.Version holds the new version; a mismatch is a ConflictError.
	SaveLedger(ctx context.Context, ledger *StatsLedger) error
	DeleteLedger(ctx context.Context, userId int) error
}

type MediaStore interface {
	// FindOrCreateMedia reports whether the row was created by this call.
	FindOrCreateMedia(ctx context.Context, userId int, key MediaKey, externalId string) (*Media, bool, error)
	DeleteUserMedia(ctx context.Context, userId int) (int64, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id int) (*User, error)
	// EnsureUser creates the local user row on first contact and returns the stored row.
	EnsureUser(ctx context.Context, id int, username string) (*User, error)
	UpdateUserTimezone(ctx context.Context, id int, timezone string) (*User, error)
	ListUserIds(ctx context.Context) ([]int, error)
	DeleteUser(ctx context.Context, id int) error
}

// Store is everything the workflows persist through. Transaction runs fn against a store bound to one transaction.
type Store interface {
	LogStore
	LedgerStore
	MediaStore
	UserStore
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

// LoadLedger returns the user's ledger, or a fresh one when none has been saved yet.
func LoadLedger(ctx context.Context, store LedgerStore, userId int, curve config.LevelCurve) (StatsLedger, error) {
	ledger, err := store.GetLedger(ctx, userId)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return NewStatsLedger(userId, curve), nil
		}
		return StatsLedger{}, err
	}
	return *ledger, nil
}

// Snapshots converts logs into reconciliation snapshots.
func Snapshots(logs []*ImmersionLog) []*LogSnapshot {
	out := make([]*LogSnapshot, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Snapshot())
	}
	return out
}

// LogDates returns the dates of logs in their current order.
func LogDates(logs []*ImmersionLog) []time.Time {
	out := make([]time.Time, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Date)
	}
	return out
}

func matchesFilter(l *ImmersionLog, f LogFilter) bool {
	if f.From != nil && l.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && !l.Date.Before(*f.To) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if l.Type == t {
			return true
		}
	}
	return false
}
