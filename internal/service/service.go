package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"radar-chart-bot/internal/delivery"
	"radar-chart-bot/internal/fetcher"
	"radar-chart-bot/internal/logging"
	"radar-chart-bot/internal/metrics"
	"radar-chart-bot/internal/scheduler"
	"radar-chart-bot/internal/storage"
)

// ErrDelivery wraps failures reported by the delivery collaborator.
var ErrDelivery = errors.New("delivery failed")

const maxRetryDelay = 60 * time.Minute

// Fetcher resolves settings into a validated series.
type Fetcher interface {
	Fetch(ctx context.Context, q fetcher.Query) (*fetcher.Result, error)
	Diagnose(ctx context.Context, q fetcher.Query) fetcher.Report
}

// Renderer turns a series into an image.
type Renderer interface {
	Render(ctx context.Context, title string, labels []string, values []float64) ([]byte, error)
}

// Options tune the delivery loop and manual sends.
type Options struct {
	Title           string
	MaxSendsPerTick int
	LockTTL         time.Duration
	SendGap         time.Duration
	NotifyCooldown  time.Duration
	ManualCooldown  time.Duration
	Defaults        fetcher.Settings
	// LockKey is the advisory lock taken around each tick when a Locker is
	// configured. Zero disables it.
	LockKey         int64
}

// Service runs the scheduler loop and user-triggered operations.
type Service struct {
	scheduler *scheduler.Scheduler
	fetcher   Fetcher
	renderer  Renderer
	sender    delivery.Sender
	schedules storage.ScheduleStore
	settings  storage.SettingsStore
	locker    storage.AdvisoryLocker
	events    logging.EventSink
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	opts      Options

	ticking atomic.Bool
	gate    *ManualGate

	mu       sync.Mutex
	lastGood LastGood

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// LastGood remembers which source most recently produced a chart.
type LastGood struct {
	Source fetcher.Source
	At     time.Time
}

// Chart is one rendered delivery payload, shared read-only by every
// destination in a tick.
type Chart struct {
	Image   []byte
	Caption string
	Result  *fetcher.Result
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Fetcher   Fetcher
	Renderer  Renderer
	Sender    delivery.Sender
	Schedules storage.ScheduleStore
	Settings  storage.SettingsStore
	Locker    storage.AdvisoryLocker
	Events    logging.EventSink
	Metrics   *metrics.Metrics
}

// New constructs the delivery service.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxSendsPerTick <= 0 {
		opts.MaxSendsPerTick = 20
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	if opts.NotifyCooldown <= 0 {
		opts.NotifyCooldown = 6 * time.Hour
	}
	if opts.Defaults.Mode == "" {
		opts.Defaults = fetcher.DefaultSettings
	}
	events := deps.Events
	if events == nil {
		events = logging.NopSink{}
	}
	return &Service{
		scheduler: deps.Scheduler,
		fetcher:   deps.Fetcher,
		renderer:  deps.Renderer,
		sender:    deps.Sender,
		schedules: deps.Schedules,
		settings:  deps.Settings,
		locker:    deps.Locker,
		events:    events,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "service").Logger(),
		opts:      opts,
		gate:      NewManualGate(opts.ManualCooldown),
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepContext,
	}
}

// Run begins the delivery loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// RetryDelay is the backoff after failCount consecutive failures:
// 2^failCount minutes capped at an hour, with failCount floored at 1.
func RetryDelay(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	if failCount >= 6 {
		return maxRetryDelay
	}
	d := time.Duration(1<<failCount) * time.Minute
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// Tick runs one evaluation of the delivery loop. Overlapping calls are
// skipped, not queued.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn().Time("tick", now).Msg("previous tick still running; skipping")
		s.metrics.ObserveTick("skipped")
		return nil
	}
	defer s.ticking.Store(false)

	unlock, acquired, err := s.acquireLock(ctx)
	if err != nil {
		s.metrics.ObserveTick("error")
		return err
	}
	if !acquired {
		s.logger.Debug().Time("tick", now).Msg("another instance holds the tick lock; skipping")
		s.metrics.ObserveTick("skipped")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	targets, err := s.schedules.ListTargets(ctx, now)
	if err != nil {
		s.metrics.ObserveTick("error")
		return fmt.Errorf("list targets: %w", err)
	}

	due := make([]storage.Target, 0, len(targets))
	for _, t := range targets {
		if t.Schedule.Due(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		s.metrics.ObserveTick("idle")
		return nil
	}
	if len(due) > s.opts.MaxSendsPerTick {
		s.logger.Warn().
			Int("due", len(due)).
			Int("max_sends_per_tick", s.opts.MaxSendsPerTick).
			Msg("due destinations truncated for this tick")
		due = due[:s.opts.MaxSendsPerTick]
	}

	chart, err := s.produce(ctx, 0, now)
	if err != nil {
		s.logger.Error().Err(err).Int("pending", len(due)).Msg("shared fetch failed; rescheduling all due destinations")
		notified := false
		for _, t := range due {
			if notified && s.opts.SendGap > 0 {
				if serr := s.sleep(ctx, s.opts.SendGap); serr != nil {
					return serr
				}
			}
			notified = s.recordFailure(ctx, t, now, err)
		}
		s.metrics.ObserveTick("fetch_failed")
		return nil
	}

	sent := 0
	for i, t := range due {
		if i > 0 && s.opts.SendGap > 0 {
			if err := s.sleep(ctx, s.opts.SendGap); err != nil {
				return err
			}
		}
		if s.deliver(ctx, t, chart, now) {
			sent++
		}
	}

	s.logger.Info().Int("due", len(due)).Int("sent", sent).Str("source", string(chart.Result.Source)).Msg("tick complete")
	s.metrics.ObserveTick("ok")
	return nil
}

func (s *Service) deliver(ctx context.Context, t storage.Target, chart *Chart, now time.Time) bool {
	chatID := t.Destination.ChatID
	log := s.logger.With().Int64("chat_id", chatID).Logger()

	claimed, err := s.schedules.ClaimLock(ctx, chatID, now, now.Add(s.opts.LockTTL))
	if err != nil {
		log.Error().Err(err).Msg("failed to claim schedule lock")
		return false
	}
	if !claimed {
		log.Debug().Msg("schedule locked elsewhere; skipping")
		return false
	}

	if err := s.sender.SendPhoto(ctx, chatID, chart.Caption, chart.Image); err != nil {
		log.Warn().Err(err).Msg("delivery failed")
		s.metrics.ObserveDelivery("scheduled", "failed")
		s.recordFailure(ctx, t, now, fmt.Errorf("%w: %w", ErrDelivery, err))
		return false
	}

	if err := s.schedules.RecordSuccess(ctx, chatID, now); err != nil {
		log.Error().Err(err).Msg("failed to record delivery success")
	}
	s.metrics.ObserveDelivery("scheduled", "ok")
	return true
}

// recordFailure applies backoff and failure metadata to one destination and
// alerts its owner at most once per notify cooldown. It reports whether an
// alert was sent.
func (s *Service) recordFailure(ctx context.Context, t storage.Target, now time.Time, cause error) bool {
	failCount := t.Schedule.FailCount + 1
	f := storage.Failure{
		ChatID:      t.Destination.ChatID,
		At:          now,
		Error:       cause.Error(),
		FailCount:   failCount,
		NextRetryAt: now.Add(RetryDelay(failCount)),
	}

	owner := t.Destination.OwnerID
	notify := owner != 0 && (t.Destination.NotifyCooldownUntil == nil || !t.Destination.NotifyCooldownUntil.After(now))
	if notify {
		until := now.Add(s.opts.NotifyCooldown)
		f.NotifyCooldownUntil = &until
	}

	if err := s.schedules.RecordFailure(ctx, f); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", f.ChatID).Msg("failed to record delivery failure")
		return false
	}
	s.events.Emit("delivery_failed", map[string]any{
		"chat_id":       f.ChatID,
		"fail_count":    failCount,
		"next_retry_at": f.NextRetryAt,
		"error":         f.Error,
	})

	if !notify {
		return false
	}
	text := fmt.Sprintf("Delivery to %q failed: %s\nNext attempt after %s UTC.",
		t.Destination.Title, UserMessage(cause), f.NextRetryAt.UTC().Format("15:04"))
	if err := s.sender.SendText(ctx, owner, text); err != nil {
		s.logger.Warn().Err(err).Int64("owner_id", owner).Msg("failed to notify destination owner")
	}
	return true
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	return unlock, acquired, nil
}

// produce fetches under userID's merged settings and renders the chart.
func (s *Service) produce(ctx context.Context, userID int64, now time.Time) (*Chart, error) {
	settings, err := s.ResolveSettings(ctx, userID)
	if err != nil {
		return nil, err
	}

	res, err := s.fetcher.Fetch(ctx, fetcher.Query{Settings: settings})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastGood = LastGood{Source: res.Source, At: now}
	s.mu.Unlock()

	image, err := s.renderer.Render(ctx, s.opts.Title, res.Series.Labels, res.Series.Values)
	if err != nil {
		return nil, err
	}

	caption := delivery.Caption(delivery.CaptionInput{
		Title:  s.opts.Title,
		Preset: res.Preset,
		Source: res.Source,
		Series: res.Series,
		At:     now,
	})
	return &Chart{Image: image, Caption: caption, Result: res}, nil
}

// ResolveSettings merges the user's stored settings over the global scope over
// the configured defaults. userID 0 reads the global scope only.
func (s *Service) ResolveSettings(ctx context.Context, userID int64) (fetcher.Settings, error) {
	if s.settings == nil {
		return s.opts.Defaults, nil
	}
	global, err := s.settings.GetSettings(ctx, 0)
	if err != nil {
		return fetcher.Settings{}, fmt.Errorf("load global settings: %w", err)
	}
	var user *storage.SourceSettings
	if userID != 0 {
		if user, err = s.settings.GetSettings(ctx, userID); err != nil {
			return fetcher.Settings{}, fmt.Errorf("load user settings: %w", err)
		}
	}
	return fetcher.ResolveSettings(overrides(user), overrides(global), s.opts.Defaults), nil
}

func overrides(in *storage.SourceSettings) *fetcher.Overrides {
	if in == nil {
		return nil
	}
	return &fetcher.Overrides{Mode: in.Mode, Token: in.Token, Preset: in.Preset}
}

// LastGood returns the source of the last successful fetch, if any.
func (s *Service) LastGood() LastGood {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastGood
}

// SendNow renders a chart under userID's settings and delivers it to chatID.
// Requests are serialised and rate limited per user.
func (s *Service) SendNow(ctx context.Context, userID, chatID int64) error {
	release, err := s.gate.Acquire(userID, s.now())
	if err != nil {
		s.metrics.ObserveDelivery("manual", "rejected")
		return err
	}
	defer release()

	chart, err := s.produce(ctx, userID, s.now())
	if err != nil {
		s.metrics.ObserveDelivery("manual", "fetch_failed")
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("manual send failed")
		return err
	}
	if err := s.sender.SendPhoto(ctx, chatID, chart.Caption, chart.Image); err != nil {
		s.metrics.ObserveDelivery("manual", "failed")
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	s.metrics.ObserveDelivery("manual", "ok")
	s.logger.Info().Int64("user_id", userID).Int64("chat_id", chatID).Str("source", string(chart.Result.Source)).Msg("manual chart delivered")
	return nil
}

// Diagnose runs the source resolution for userID's settings and reports every
// attempt. It reads settings but never writes any state.
func (s *Service) Diagnose(ctx context.Context, userID int64) (fetcher.Report, error) {
	settings, err := s.ResolveSettings(ctx, userID)
	if err != nil {
		return fetcher.Report{}, err
	}
	return s.fetcher.Diagnose(ctx, fetcher.Query{Settings: settings}), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
