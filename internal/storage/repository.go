package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	targetColumns = `
        d.chat_id,
        d.title,
        d.owner_id,
        d.enabled,
        d.created_at,
        d.last_error_at,
        d.last_error,
        d.fail_count,
        d.notify_cooldown_until,
        s.interval_minutes,
        s.last_sent_at,
        s.next_retry_at,
        s.fail_count,
        s.lock_until,
        s.updated_at`

	listTargetsSQL = `SELECT` + targetColumns + `
    FROM destinations d
    JOIN schedules s ON s.chat_id = d.chat_id
    WHERE d.enabled
      AND (s.lock_until IS NULL OR s.lock_until <= $1)
    ORDER BY s.updated_at, d.chat_id;`

	getTargetSQL = `SELECT` + targetColumns + `
    FROM destinations d
    JOIN schedules s ON s.chat_id = d.chat_id
    WHERE d.chat_id = $1;`

	listByOwnerSQL = `SELECT` + targetColumns + `
    FROM destinations d
    JOIN schedules s ON s.chat_id = d.chat_id
    WHERE $1::BIGINT = 0 OR d.owner_id = $1
    ORDER BY d.created_at, d.chat_id;`

	claimLockSQL = `UPDATE schedules
    SET lock_until = $3
    WHERE chat_id = $1
      AND (lock_until IS NULL OR lock_until <= $2);`

	scheduleSuccessSQL = `UPDATE schedules
    SET last_sent_at  = $2,
        next_retry_at = NULL,
        fail_count    = 0,
        lock_until    = NULL,
        updated_at    = $2
    WHERE chat_id = $1;`

	scheduleFailureSQL = `UPDATE schedules
    SET fail_count    = $2,
        next_retry_at = $3,
        lock_until    = NULL,
        updated_at    = $4
    WHERE chat_id = $1;`

	destinationFailureSQL = `UPDATE destinations
    SET last_error_at         = $2,
        last_error            = $3,
        fail_count            = fail_count + 1,
        notify_cooldown_until = COALESCE($4, notify_cooldown_until)
    WHERE chat_id = $1;`

	upsertDestinationSQL = `INSERT INTO destinations (chat_id, title, owner_id, enabled, created_at)
    VALUES ($1, $2, $3, TRUE, $4)
    ON CONFLICT (chat_id) DO UPDATE
    SET title    = EXCLUDED.title,
        owner_id = EXCLUDED.owner_id,
        enabled  = TRUE;`

	insertScheduleSQL = `INSERT INTO schedules (chat_id, interval_minutes, updated_at)
    VALUES ($1, $2, $3)
    ON CONFLICT (chat_id) DO NOTHING;`

	setEnabledSQL  = `UPDATE destinations SET enabled = $2 WHERE chat_id = $1;`
	setIntervalSQL = `UPDATE schedules SET interval_minutes = $2 WHERE chat_id = $1;`

	getSettingsSQL = `SELECT user_id, mode, token, preset, updated_at
    FROM source_settings
    WHERE user_id = $1;`

	upsertSettingsSQL = `INSERT INTO source_settings (user_id, mode, token, preset, updated_at)
    VALUES ($1, $2, $3, $4, NOW())
    ON CONFLICT (user_id) DO UPDATE
    SET mode       = EXCLUDED.mode,
        token      = EXCLUDED.token,
        preset     = EXCLUDED.preset,
        updated_at = NOW();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL-backed Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock takes a session-level advisory lock on a dedicated
// connection. The returned func unlocks and releases the connection.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, advisoryUnlockSQL, key); err != nil {
			// a session lock dies with its connection
			conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListTargets lists enabled, unlocked destinations, oldest-updated first.
func (s *Store) ListTargets(ctx context.Context, now time.Time) ([]Target, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listTargetsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return collectTargets(rows)
}

// ClaimLock takes the in-progress lock when it is free.
func (s *Store) ClaimLock(ctx context.Context, chatID int64, now, until time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, claimLockSQL, chatID, now, until)
	if err != nil {
		return false, fmt.Errorf("claim lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordSuccess resets retry state and releases the lock.
func (s *Store) RecordSuccess(ctx context.Context, chatID int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, scheduleSuccessSQL, chatID, at); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// RecordFailure stores backoff state and destination error metadata atomically.
func (s *Store) RecordFailure(ctx context.Context, f Failure) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var cooldown any
	if f.NotifyCooldownUntil != nil {
		cooldown = *f.NotifyCooldownUntil
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, scheduleFailureSQL, f.ChatID, f.FailCount, f.NextRetryAt, f.At); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, destinationFailureSQL, f.ChatID, f.At, f.Error, cooldown)
		return err
	})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// AddDestination registers (or re-enables) a destination and its schedule.
func (s *Store) AddDestination(ctx context.Context, d Destination, intervalMinutes int) error {
	if !ValidInterval(intervalMinutes) {
		return ErrInvalidInterval
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertDestinationSQL, d.ChatID, d.Title, d.OwnerID, createdAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertScheduleSQL, d.ChatID, intervalMinutes, createdAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("add destination: %w", err)
	}
	return nil
}

// GetDestination loads one destination with its schedule.
func (s *Store) GetDestination(ctx context.Context, chatID int64) (Target, error) {
	pool, err := s.getPool()
	if err != nil {
		return Target{}, err
	}
	rows, err := pool.Query(ctx, getTargetSQL, chatID)
	if err != nil {
		return Target{}, fmt.Errorf("get destination: %w", err)
	}
	targets, err := collectTargets(rows)
	if err != nil {
		return Target{}, err
	}
	if len(targets) == 0 {
		return Target{}, ErrNotFound
	}
	return targets[0], nil
}

// ListDestinations lists destinations of ownerID, or all when ownerID is 0.
func (s *Store) ListDestinations(ctx context.Context, ownerID int64) ([]Target, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listByOwnerSQL, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	return collectTargets(rows)
}

// SetEnabled toggles a destination. Disabled destinations are kept.
func (s *Store) SetEnabled(ctx context.Context, chatID int64, enabled bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setEnabledSQL, chatID, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInterval changes a schedule interval.
func (s *Store) SetInterval(ctx context.Context, chatID int64, minutes int) error {
	if !ValidInterval(minutes) {
		return ErrInvalidInterval
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setIntervalSQL, chatID, minutes)
	if err != nil {
		return fmt.Errorf("set interval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSettings returns the stored scope, or nil when none exists.
func (s *Store) GetSettings(ctx context.Context, userID int64) (*SourceSettings, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var out SourceSettings
	err = pool.QueryRow(ctx, getSettingsSQL, userID).Scan(&out.UserID, &out.Mode, &out.Token, &out.Preset, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return &out, nil
}

// SaveSettings replaces a settings scope.
func (s *Store) SaveSettings(ctx context.Context, in SourceSettings) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertSettingsSQL, in.UserID, in.Mode, in.Token, in.Preset); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func collectTargets(rows pgx.Rows) ([]Target, error) {
	defer rows.Close()

	targets := make([]Target, 0)
	for rows.Next() {
		var t Target
		d, sc := &t.Destination, &t.Schedule
		if err := rows.Scan(
			&d.ChatID,
			&d.Title,
			&d.OwnerID,
			&d.Enabled,
			&d.CreatedAt,
			&d.LastErrorAt,
			&d.LastError,
			&d.FailCount,
			&d.NotifyCooldownUntil,
			&sc.IntervalMinutes,
			&sc.LastSentAt,
			&sc.NextRetryAt,
			&sc.FailCount,
			&sc.LockUntil,
			&sc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		sc.ChatID = d.ChatID
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}

var _ Repository = (*Store)(nil)
