package models

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/google/uuid"
)

type memoryData struct {
	logs    map[string]*ImmersionLog
	ledgers map[int]StatsLedger
	media   map[string]*Media
	users   map[int]*User
}

func (d *memoryData) clone() *memoryData {
	out := &memoryData{
		logs:    make(map[string]*ImmersionLog, len(d.logs)),
		ledgers: make(map[int]StatsLedger, len(d.ledgers)),
		media:   make(map[string]*Media, len(d.media)),
		users:   make(map[int]*User, len(d.users)),
	}
	for k, v := range d.logs {
		out.logs[k] = copyLog(v)
	}
	for k, v := range d.ledgers {
		out.ledgers[k] = v
	}
	for k, v := range d.media {
		m := *v
		out.media[k] = &m
	}
	for k, v := range d.users {
		u := *v
		out.users[k] = &u
	}
	return out
}

// MemoryStore keeps everything in process. Used with STORE_DRIVER=memory and by DB-free tests.
// A transaction holds the write lock for its whole duration and restores the previous state on error,
// so writes of different users are serialized. Not meant for multi-user production traffic.
type MemoryStore struct {
	mu   *sync.RWMutex
	data **memoryData
	inTx bool
}

func NewMemoryStore() *MemoryStore {
	data := &memoryData{
		logs:    map[string]*ImmersionLog{},
		ledgers: map[int]StatsLedger{},
		media:   map[string]*Media{},
		users:   map[int]*User{},
	}
	return &MemoryStore{mu: &sync.RWMutex{}, data: &data}
}

func (s *MemoryStore) rlock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *MemoryStore) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock()
	defer unlock()

	saved := (*s.data).clone()
	err := fn(&MemoryStore{mu: s.mu, data: s.data, inTx: true})
	if err != nil {
		*s.data = saved
	}
	return err
}

func copyLog(l *ImmersionLog) *ImmersionLog {
	cp := *l
	cp.Amounts = l.Amounts.clone()
	if l.MediaId != nil {
		cp.MediaId = utils.Ptr(*l.MediaId)
	}
	if l.EditSnapshot != nil {
		snap := *l.EditSnapshot
		snap.Amounts = l.EditSnapshot.Amounts.clone()
		cp.EditSnapshot = &snap
	}
	return &cp
}

func (s *MemoryStore) CreateLog(_ context.Context, log *ImmersionLog) error {
	defer s.lock()()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	data := *s.data
	if _, ok := data.logs[log.ID]; ok {
		return utils.NewConflictError("log", log.ID)
	}
	now := time.Now().UTC()
	log.CreatedAt, log.UpdatedAt = now, now
	data.logs[log.ID] = copyLog(log)
	return nil
}

func (s *MemoryStore) GetLog(_ context.Context, userId int, id string) (*ImmersionLog, error) {
	defer s.rlock()()
	l, ok := (*s.data).logs[id]
	if !ok || l.UserId != userId {
		return nil, utils.NewNotFoundError("log", id)
	}
	return copyLog(l), nil
}

func (s *MemoryStore) UpdateLog(_ context.Context, log *ImmersionLog) error {
	defer s.lock()()
	data := *s.data
	existing, ok := data.logs[log.ID]
	if !ok || existing.UserId != log.UserId {
		return utils.NewNotFoundError("log", log.ID)
	}
	log.CreatedAt = existing.CreatedAt
	log.UpdatedAt = time.Now().UTC()
	data.logs[log.ID] = copyLog(log)
	return nil
}

func (s *MemoryStore) DeleteLog(_ context.Context, userId int, id string) error {
	defer s.lock()()
	data := *s.data
	l, ok := data.logs[id]
	if !ok || l.UserId != userId {
		return utils.NewNotFoundError("log", id)
	}
	delete(data.logs, id)
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, userId int, filter LogFilter) ([]*ImmersionLog, error) {
	defer s.rlock()()
	var out []*ImmersionLog
	for _, l := range (*s.data).logs {
		if l.UserId == userId && matchesFilter(l, filter) {
			out = append(out, copyLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) FirstLogDate(_ context.Context, userId int) (*time.Time, error) {
	defer s.rlock()()
	var first *time.Time
	for _, l := range (*s.data).logs {
		if l.UserId != userId {
			continue
		}
		if first == nil || l.Date.Before(*first) {
			d := l.Date.UTC()
			first = &d
		}
	}
	return first, nil
}

func (s *MemoryStore) DeleteUserLogs(_ context.Context, userId int) (int64, error) {
	defer s.lock()()
	data := *s.data
	var n int64
	for id, l := range data.logs {
		if l.UserId == userId {
			delete(data.logs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetLedger(_ context.Context, userId int) (*StatsLedger, error) {
	defer s.rlock()()
	l, ok := (*s.data).ledgers[userId]
	if !ok {
		return nil, utils.NewNotFoundError("ledger", userId)
	}
	return &l, nil
}

func (s *MemoryStore) SaveLedger(_ context.Context, ledger *StatsLedger) error {
	defer s.lock()()
	data := *s.data
	stored, exists := data.ledgers[ledger.UserId]
	switch {
	case ledger.Version == 0 && exists:
		return utils.NewConflictError("ledger", ledger.UserId)
	case ledger.Version != 0 && (!exists || stored.Version != ledger.Version):
		return utils.NewConflictError("ledger", ledger.UserId)
	}
	next := *ledger
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	data.ledgers[ledger.UserId] = next
	*ledger = next
	return nil
}

func (s *MemoryStore) DeleteLedger(_ context.Context, userId int) error {
	defer s.lock()()
	delete((*s.data).ledgers, userId)
	return nil
}

func (s *MemoryStore) FindOrCreateMedia(_ context.Context, userId int, key MediaKey, externalId string) (*Media, bool, error) {
	defer s.lock()()
	data := *s.data
	for _, m := range data.media {
		if m.UserId == userId && m.Type == key.Type && m.Title == key.Title {
			if m.ExternalId == nil && externalId != "" {
				m.ExternalId = utils.Ptr(externalId)
			}
			cp := *m
			return &cp, false, nil
		}
	}
	m := &Media{ID: uuid.NewString(), UserId: userId, Type: key.Type, Title: key.Title, CreatedAt: time.Now().UTC()}
	if externalId != "" {
		m.ExternalId = utils.Ptr(externalId)
	}
	data.media[m.ID] = m
	cp := *m
	return &cp, true, nil
}

func (s *MemoryStore) DeleteUserMedia(_ context.Context, userId int) (int64, error) {
	defer s.lock()()
	data := *s.data
	var n int64
	for id, m := range data.media {
		if m.UserId == userId {
			delete(data.media, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int) (*User, error) {
	defer s.rlock()()
	u, ok := (*s.data).users[id]
	if !ok {
		return nil, utils.NewNotFoundError("user", id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) EnsureUser(_ context.Context, id int, username string) (*User, error) {
	defer s.lock()()
	data := *s.data
	if u, ok := data.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	now := time.Now().UTC()
	u := &User{ID: id, Username: defaultUsername(id, username), Timezone: "UTC", CreatedAt: now, UpdatedAt: now}
	data.users[id] = u
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UpdateUserTimezone(_ context.Context, id int, timezone string) (*User, error) {
	defer s.lock()()
	u, ok := (*s.data).users[id]
	if !ok {
		return nil, utils.NewNotFoundError("user", id)
	}
	u.Timezone = strings.TrimSpace(timezone)
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUserIds(_ context.Context) ([]int, error) {
	defer s.rlock()()
	ids := make([]int, 0, len((*s.data).users))
	for id := range (*s.data).users {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, id int) error {
	defer s.lock()()
	data := *s.data
	if _, ok := data.users[id]; !ok {
		return utils.NewNotFoundError("user", id)
	}
	delete(data.users, id)
	return nil
}
