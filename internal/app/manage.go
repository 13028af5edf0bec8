package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"radar-chart-bot/internal/fetcher"
	"radar-chart-bot/internal/storage"
)

// DestinationOptions describe a destination added from the command line.
type DestinationOptions struct {
	ChatID   int64
	Title    string
	OwnerID  int64
	Interval int
}

// SettingsOptions update one settings scope. Nil fields are left unchanged;
// an empty string clears the field.
type SettingsOptions struct {
	UserID int64
	Mode   *string
	Token  *string
	Preset *string
}

func (a *App) openPersistentStore(ctx context.Context) (storage.Repository, error) {
	if a.Config.Database.DSN == "" {
		return nil, errors.New("database.dsn not configured; changes would be lost")
	}
	return a.openStore(ctx)
}

// AddDestination registers or re-enables a destination.
func (a *App) AddDestination(ctx context.Context, opts DestinationOptions) error {
	if opts.Interval == 0 {
		opts.Interval = a.Config.Scheduler.DefaultInterval
	}
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	d := storage.Destination{ChatID: opts.ChatID, Title: opts.Title, OwnerID: opts.OwnerID}
	if err := store.AddDestination(ctx, d, opts.Interval); err != nil {
		return err
	}
	a.Logger.Info().Int64("chat_id", opts.ChatID).Int("interval_minutes", opts.Interval).Msg("destination registered")
	return nil
}

// ListDestinations prints destinations of ownerID, or all of them when 0.
func (a *App) ListDestinations(ctx context.Context, ownerID int64, out io.Writer) error {
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	targets, err := store.ListDestinations(ctx, ownerID)
	if err != nil {
		return err
	}
	writeTargets(out, targets)
	return nil
}

// SetDestinationEnabled toggles a destination.
func (a *App) SetDestinationEnabled(ctx context.Context, chatID int64, enabled bool) error {
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetEnabled(ctx, chatID, enabled); err != nil {
		return fmt.Errorf("chat %d: %w", chatID, err)
	}
	return nil
}

// SetDestinationInterval changes how often a destination receives charts.
func (a *App) SetDestinationInterval(ctx context.Context, chatID int64, minutes int) error {
	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetInterval(ctx, chatID, minutes); err != nil {
		return fmt.Errorf("chat %d: %w", chatID, err)
	}
	return nil
}

// SetSettings validates and stores one settings scope.
func (a *App) SetSettings(ctx context.Context, opts SettingsOptions) error {
	if opts.Mode != nil && *opts.Mode != "" {
		mode, err := fetcher.ParseMode(*opts.Mode)
		if err != nil {
			return err
		}
		v := string(mode)
		opts.Mode = &v
	}
	if opts.Preset != nil && *opts.Preset != "" {
		p, err := fetcher.LookupPreset(*opts.Preset)
		if err != nil {
			return err
		}
		opts.Preset = &p.Key
	}
	if opts.Token != nil && *opts.Token != "" {
		if err := fetcher.CheckToken(*opts.Token); err != nil {
			return err
		}
	}

	store, err := a.openPersistentStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	current, err := store.GetSettings(ctx, opts.UserID)
	if err != nil {
		return err
	}
	next := storage.SourceSettings{UserID: opts.UserID}
	if current != nil {
		next = *current
	}
	if opts.Mode != nil {
		next.Mode = *opts.Mode
	}
	if opts.Token != nil {
		next.Token = *opts.Token
	}
	if opts.Preset != nil {
		next.Preset = *opts.Preset
	}
	if err := store.SaveSettings(ctx, next); err != nil {
		return err
	}
	a.Logger.Info().Int64("user_id", opts.UserID).Str("mode", next.Mode).Str("preset", next.Preset).Bool("token_set", next.Token != "").Msg("settings saved")
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		return err
	}
	a.Logger.Info().Msg("migrations applied")
	return nil
}
