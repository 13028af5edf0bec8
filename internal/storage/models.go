package storage

import (
	"time"
)

const (
	MinIntervalMinutes = 3
	MaxIntervalMinutes = 1440
	DefaultInterval    = 60
)

// Destination is a chat the bot posts charts into.
type Destination struct {
	ChatID              int64
	Title               string
	OwnerID             int64
	Enabled             bool
	CreatedAt           time.Time
	LastErrorAt         *time.Time
	LastError           string
	FailCount           int
	NotifyCooldownUntil *time.Time
}

// Schedule is the timing and retry state of one Destination.
type Schedule struct {
	ChatID          int64
	IntervalMinutes int
	LastSentAt      *time.Time
	NextRetryAt     *time.Time
	FailCount       int
	LockUntil       *time.Time
	UpdatedAt       time.Time
}

// Interval returns the configured interval as a duration.
func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Locked reports whether an in-flight tick still holds the schedule.
func (s Schedule) Locked(now time.Time) bool {
	return s.LockUntil != nil && s.LockUntil.After(now)
}

// Due reports whether a delivery should be attempted at now.
func (s Schedule) Due(now time.Time) bool {
	if s.Locked(now) {
		return false
	}
	if s.NextRetryAt != nil && s.NextRetryAt.After(now) {
		return false
	}
	if s.LastSentAt == nil {
		return true
	}
	return now.Sub(*s.LastSentAt) >= s.Interval()
}

// Target pairs a destination with its schedule for the scheduler loop.
type Target struct {
	Destination Destination
	Schedule    Schedule
}

// Failure is the state written after a failed delivery or shared fetch.
type Failure struct {
	ChatID              int64
	At                  time.Time
	Error               string
	FailCount           int
	NextRetryAt         time.Time
	NotifyCooldownUntil *time.Time
}

// SourceSettings is one stored settings scope. Empty strings are unset.
// UserID is zero for the global scope.
type SourceSettings struct {
	UserID    int64
	Mode      string
	Token     string
	Preset    string
	UpdatedAt time.Time
}

// ValidInterval reports whether minutes is inside the allowed bounds.
func ValidInterval(minutes int) bool {
	return minutes >= MinIntervalMinutes && minutes <= MaxIntervalMinutes
}
