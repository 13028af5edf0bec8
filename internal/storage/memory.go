package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Repository used when no database is configured
// and in tests. State is lost on restart.
type Memory struct {
	mu           sync.Mutex
	destinations map[int64]*Destination
	schedules    map[int64]*Schedule
	settings     map[int64]SourceSettings
	now          func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		destinations: make(map[int64]*Destination),
		schedules:    make(map[int64]*Schedule),
		settings:     make(map[int64]SourceSettings),
		now:          time.Now,
	}
}

func (m *Memory) Close() {}

func (m *Memory) target(chatID int64) Target {
	t := Target{Destination: *m.destinations[chatID], Schedule: *m.schedules[chatID]}
	t.Destination.LastErrorAt = copyTime(t.Destination.LastErrorAt)
	t.Destination.NotifyCooldownUntil = copyTime(t.Destination.NotifyCooldownUntil)
	t.Schedule.LastSentAt = copyTime(t.Schedule.LastSentAt)
	t.Schedule.NextRetryAt = copyTime(t.Schedule.NextRetryAt)
	t.Schedule.LockUntil = copyTime(t.Schedule.LockUntil)
	return t
}

func (m *Memory) ListTargets(_ context.Context, now time.Time) ([]Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Target, 0, len(m.destinations))
	for id, d := range m.destinations {
		if !d.Enabled || m.schedules[id].Locked(now) {
			continue
		}
		out = append(out, m.target(id))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Schedule, out[j].Schedule
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ChatID < b.ChatID
	})
	return out, nil
}

func (m *Memory) ClaimLock(_ context.Context, chatID int64, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[chatID]
	if !ok {
		return false, ErrNotFound
	}
	if s.Locked(now) {
		return false, nil
	}
	s.LockUntil = &until
	return true, nil
}

func (m *Memory) RecordSuccess(_ context.Context, chatID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[chatID]
	if !ok {
		return ErrNotFound
	}
	s.LastSentAt = &at
	s.NextRetryAt = nil
	s.FailCount = 0
	s.LockUntil = nil
	s.UpdatedAt = at
	return nil
}

func (m *Memory) RecordFailure(_ context.Context, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[f.ChatID]
	if !ok {
		return ErrNotFound
	}
	retry := f.NextRetryAt
	s.FailCount = f.FailCount
	s.NextRetryAt = &retry
	s.LockUntil = nil
	s.UpdatedAt = f.At

	d := m.destinations[f.ChatID]
	at := f.At
	d.LastErrorAt = &at
	d.LastError = f.Error
	d.FailCount++
	if f.NotifyCooldownUntil != nil {
		d.NotifyCooldownUntil = copyTime(f.NotifyCooldownUntil)
	}
	return nil
}

func (m *Memory) AddDestination(_ context.Context, d Destination, intervalMinutes int) error {
	if !ValidInterval(intervalMinutes) {
		return ErrInvalidInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if existing, ok := m.destinations[d.ChatID]; ok {
		existing.Title = d.Title
		existing.OwnerID = d.OwnerID
		existing.Enabled = true
		return nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.Enabled = true
	m.destinations[d.ChatID] = &d
	m.schedules[d.ChatID] = &Schedule{ChatID: d.ChatID, IntervalMinutes: intervalMinutes, UpdatedAt: d.CreatedAt}
	return nil
}

func (m *Memory) GetDestination(_ context.Context, chatID int64) (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.destinations[chatID]; !ok {
		return Target{}, ErrNotFound
	}
	return m.target(chatID), nil
}

func (m *Memory) ListDestinations(_ context.Context, ownerID int64) ([]Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Target, 0)
	for id, d := range m.destinations {
		if ownerID != 0 && d.OwnerID != ownerID {
			continue
		}
		out = append(out, m.target(id))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Destination, out[j].Destination
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ChatID < b.ChatID
	})
	return out, nil
}

func (m *Memory) SetEnabled(_ context.Context, chatID int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.destinations[chatID]
	if !ok {
		return ErrNotFound
	}
	d.Enabled = enabled
	return nil
}

func (m *Memory) SetInterval(_ context.Context, chatID int64, minutes int) error {
	if !ValidInterval(minutes) {
		return ErrInvalidInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[chatID]
	if !ok {
		return ErrNotFound
	}
	s.IntervalMinutes = minutes
	return nil
}

func (m *Memory) GetSettings(_ context.Context, userID int64) (*SourceSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settings[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) SaveSettings(_ context.Context, s SourceSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.UpdatedAt = m.now().UTC()
	m.settings[s.UserID] = s
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Repository = (*Memory)(nil)
