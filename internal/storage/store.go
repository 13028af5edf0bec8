package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"radar-chart-bot/internal/config"
)

var (
	// ErrNotFound is returned when a destination or settings row is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidInterval rejects schedule intervals outside the allowed bounds.
	ErrInvalidInterval = fmt.Errorf("storage: interval must be within [%d, %d] minutes", MinIntervalMinutes, MaxIntervalMinutes)
)

// ScheduleStore is what the scheduler loop needs.
type ScheduleStore interface {
	// ListTargets returns enabled destinations whose schedule is not locked at
	// now, least recently updated first.
	ListTargets(ctx context.Context, now time.Time) ([]Target, error)
	// ClaimLock sets the in-progress lock if it is free at now.
	ClaimLock(ctx context.Context, chatID int64, now, until time.Time) (bool, error)
	RecordSuccess(ctx context.Context, chatID int64, at time.Time) error
	RecordFailure(ctx context.Context, f Failure) error
}

// DestinationStore manages destination records.
type DestinationStore interface {
	AddDestination(ctx context.Context, d Destination, intervalMinutes int) error
	GetDestination(ctx context.Context, chatID int64) (Target, error)
	ListDestinations(ctx context.Context, ownerID int64) ([]Target, error)
	SetEnabled(ctx context.Context, chatID int64, enabled bool) error
	SetInterval(ctx context.Context, chatID int64, minutes int) error
}

// SettingsStore reads and writes source settings. userID 0 is the global scope.
type SettingsStore interface {
	GetSettings(ctx context.Context, userID int64) (*SourceSettings, error)
	SaveSettings(ctx context.Context, s SourceSettings) error
}

// AdvisoryLocker serialises scheduler ticks across processes sharing a database.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is the full persistence surface.
type Repository interface {
	ScheduleStore
	DestinationStore
	SettingsStore
	Close()
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
