package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"anoa.com/residencenotify/internal/entity"
	notifRepo "anoa.com/residencenotify/internal/modules/notification/repository"
	"anoa.com/residencenotify/internal/realtime"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type rowKey struct {
	user         uuid.UUID
	notification uuid.UUID
}

// memoryRepository mirrors the gorm repository's semantics in memory.
type memoryRepository struct {
	mu            sync.Mutex
	clock         func() time.Time
	notifications map[uuid.UUID]*entity.Notification
	rows          map[rowKey]*entity.UserNotification
	seq           time.Duration

	createErr   error
	markSentErr error
}

var _ notifRepo.NotificationRepository = (*memoryRepository)(nil)

func newMemoryRepository(clock func() time.Time) *memoryRepository {
	return &memoryRepository{
		clock:         clock,
		notifications: make(map[uuid.UUID]*entity.Notification),
		rows:          make(map[rowKey]*entity.UserNotification),
	}
}

// createdAt keeps creation order strict even when the clock does not move.
func (m *memoryRepository) createdAt() time.Time {
	m.seq += time.Microsecond
	return m.clock().Add(m.seq)
}

func (m *memoryRepository) Create(_ context.Context, n *entity.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = m.createdAt()
	n.UpdatedAt = n.CreatedAt
	stored := *n
	m.notifications[n.ID] = &stored

	if !n.IsBroadcast {
		for _, userID := range n.TargetUserIDs {
			m.insertRow(userID, n.ID)
		}
	}
	return nil
}

func (m *memoryRepository) insertRow(userID, notificationID uuid.UUID) bool {
	key := rowKey{userID, notificationID}
	if _, ok := m.rows[key]; ok {
		return false
	}
	m.rows[key] = &entity.UserNotification{
		ID:             uuid.New(),
		UserID:         userID,
		NotificationID: notificationID,
		CreatedAt:      m.createdAt(),
	}
	return true
}

func (m *memoryRepository) FindByID(_ context.Context, id uuid.UUID) (*entity.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memoryRepository) MarkSent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markSentErr != nil {
		return m.markSentErr
	}
	if n, ok := m.notifications[id]; ok {
		n.IsSent = true
		n.SentAt = &at
	}
	return nil
}

func (m *memoryRepository) FindDueScheduled(_ context.Context, now time.Time, limit int) ([]*entity.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.Notification
	for _, n := range m.notifications {
		if !n.IsSent && n.ScheduledFor != nil && !n.ScheduledFor.After(now) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(*out[j].ScheduledFor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) MaterializeBroadcasts(_ context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var created int64
	for _, n := range m.notifications {
		if n.IsBroadcast && n.Visible(now) && m.insertRow(userID, n.ID) {
			created++
		}
	}
	return created, nil
}

func (m *memoryRepository) FindUserNotification(_ context.Context, userID, notificationID uuid.UUID) (*entity.UserNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rowKey{userID, notificationID}]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return m.withNotification(row), nil
}

func (m *memoryRepository) withNotification(row *entity.UserNotification) *entity.UserNotification {
	cp := *row
	if n, ok := m.notifications[row.NotificationID]; ok {
		nc := *n
		cp.Notification = &nc
	}
	return &cp
}

func (m *memoryRepository) CreateUserNotification(_ context.Context, row *entity.UserNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertRow(row.UserID, row.NotificationID)
	return nil
}

func (m *memoryRepository) MarkRead(_ context.Context, userID, notificationID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rowKey{userID, notificationID}]
	if !ok || row.IsRead {
		return 0, nil
	}
	row.IsRead = true
	row.ReadAt = &at
	return 1, nil
}

func (m *memoryRepository) MarkAllRead(_ context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated int64
	for _, row := range m.visible(userID, now) {
		if !row.IsRead {
			row.IsRead = true
			at := now
			row.ReadAt = &at
			updated++
		}
	}
	return updated, nil
}

func (m *memoryRepository) SoftDelete(_ context.Context, userID, notificationID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rowKey{userID, notificationID}]
	if !ok || row.IsDeleted {
		return 0, nil
	}
	row.IsDeleted = true
	row.DeletedAt = &at
	return 1, nil
}

// visible returns the live rows of userID, newest notification first.
func (m *memoryRepository) visible(userID uuid.UUID, now time.Time) []*entity.UserNotification {
	var out []*entity.UserNotification
	for key, row := range m.rows {
		if key.user != userID || row.IsDeleted {
			continue
		}
		n, ok := m.notifications[key.notification]
		if !ok || !n.Visible(now) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.notifications[out[i].NotificationID].CreatedAt.After(m.notifications[out[j].NotificationID].CreatedAt)
	})
	return out
}

func (m *memoryRepository) ListForUser(_ context.Context, f notifRepo.ListFilter) ([]*entity.UserNotification, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*entity.UserNotification
	for _, row := range m.visible(f.UserID, f.Now) {
		if f.IsRead != nil && row.IsRead != *f.IsRead {
			continue
		}
		if f.Type != "" && string(m.notifications[row.NotificationID].Type) != f.Type {
			continue
		}
		matched = append(matched, m.withNotification(row))
	}
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []*entity.UserNotification{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], total, nil
}

func (m *memoryRepository) CountUnread(_ context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, row := range m.visible(userID, now) {
		if !row.IsRead {
			count++
		}
	}
	return count, nil
}

func (m *memoryRepository) notificationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notifications)
}

func (m *memoryRepository) stored(id uuid.UUID) entity.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.notifications[id]
}

// pushState is the stored record as a connection saw it when the push arrived.
type pushState struct {
	persisted bool
	sent      bool
}

// state reports whether id exists and whether it is already marked sent.
func (m *memoryRepository) state(id uuid.UUID) pushState {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return pushState{}
	}
	return pushState{persisted: true, sent: n.IsSent}
}

// recordingConn is a realtime.Conn that keeps every payload it was sent, and
// snapshots the stored record of each pushed notification at push time.
type recordingConn struct {
	id     string
	userID uuid.UUID
	repo   *memoryRepository

	mu       sync.Mutex
	payloads [][]byte
	states   []pushState
}

var _ realtime.Conn = (*recordingConn)(nil)

func newRecordingConn(userID uuid.UUID, repo *memoryRepository) *recordingConn {
	return &recordingConn{id: uuid.NewString(), userID: userID, repo: repo}
}

func (c *recordingConn) ID() string        { return c.id }
func (c *recordingConn) UserID() uuid.UUID { return c.userID }
func (c *recordingConn) Close()            {}

func (c *recordingConn) Send(payload []byte) error {
	var state pushState
	var env struct {
		Data struct {
			ID uuid.UUID `json:"id"`
		} `json:"data"`
	}
	if c.repo != nil && json.Unmarshal(payload, &env) == nil {
		state = c.repo.state(env.Data.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	c.states = append(c.states, state)
	return nil
}

func (c *recordingConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.payloads...)
}

// pushedStates returns the record state observed by each push, in order.
func (c *recordingConn) pushedStates() []pushState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pushState(nil), c.states...)
}
