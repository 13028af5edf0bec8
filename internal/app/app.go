package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	tele "gopkg.in/telebot.v4"

	"radar-chart-bot/internal/bot"
	"radar-chart-bot/internal/chart"
	"radar-chart-bot/internal/config"
	"radar-chart-bot/internal/delivery"
	"radar-chart-bot/internal/fetcher"
	"radar-chart-bot/internal/logging"
	"radar-chart-bot/internal/metrics"
	"radar-chart-bot/internal/scheduler"
	"radar-chart-bot/internal/service"
	"radar-chart-bot/internal/storage"
	"radar-chart-bot/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newResolver(m *metrics.Metrics) *fetcher.Resolver {
	src := a.Config.Source
	events := logging.NewLogSink(a.Logger, zerolog.WarnLevel)
	userAgent := src.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	client := fetcher.NewClient(fetcher.ClientOptions{
		PublicBaseURL: src.PublicBaseURL,
		TokenBaseURL:  src.TokenBaseURL,
		Timeout:       src.Timeout,
		MaxRetries:    src.MaxRetries,
		BaseDelay:     src.BaseDelay,
		Multiplier:    src.Multiplier,
		MaxRetryAfter: src.MaxRetryAfter,
		UserAgent:     userAgent,
	}, events, a.Logger)

	return fetcher.NewResolver(client, fetcher.ResolverOptions{
		Path:            src.Path,
		PublicSupported: src.PublicSupported,
		Limit:           src.Limit,
		Location:        src.Location,
	}, nil, events, m, a.Logger)
}

func (a *App) newRenderer() *chart.Renderer {
	return chart.NewRenderer(chart.Options{
		Height:  a.Config.Chart.Height,
		Timeout: a.Config.Chart.Timeout,
	}, a.Logger)
}

// openStore returns the PostgreSQL repository, or the in-memory one when no
// DSN is configured.
func (a *App) openStore(ctx context.Context) (storage.Repository, error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store, state is lost on restart")
		return storage.NewMemory(), nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return storage.NewStore(pool), nil
}

func (a *App) newService(store storage.Repository, sender delivery.Sender, m *metrics.Metrics, sched *scheduler.Scheduler) *service.Service {
	defaults := a.defaultSettings()
	locker, _ := store.(storage.AdvisoryLocker)

	return service.New(service.Deps{
		Scheduler: sched,
		Fetcher:   a.newResolver(m),
		Renderer:  a.newRenderer(),
		Sender:    sender,
		Schedules: store,
		Settings:  store,
		Locker:    locker,
		Events:    logging.NewLogSink(a.Logger, zerolog.WarnLevel),
		Metrics:   m,
	}, service.Options{
		Title:           a.Config.Chart.Title,
		MaxSendsPerTick: a.Config.Scheduler.MaxSendsPerTick,
		LockTTL:         a.Config.Scheduler.LockTTL,
		SendGap:         a.Config.Scheduler.SendGap,
		NotifyCooldown:  a.Config.Scheduler.NotifyCooldown,
		ManualCooldown:  a.Config.Manual.Cooldown,
		Defaults:        defaults,
		LockKey:         a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)
}

// defaultSettings is the hardcoded default overlaid with source.mode,
// source.token and source.preset from configuration.
func (a *App) defaultSettings() fetcher.Settings {
	src := a.Config.Source
	return fetcher.ResolveSettings(nil, &fetcher.Overrides{
		Mode:   src.Mode,
		Token:  src.Token,
		Preset: src.Preset,
	}, fetcher.DefaultSettings)
}

// sendOnly builds a sender that never polls for updates.
func (a *App) sendOnly() (delivery.Sender, error) {
	b, err := delivery.NewBot(a.Config.Telegram, false)
	if err != nil {
		return nil, err
	}
	return delivery.NewTelegramSender(b, a.Logger), nil
}

// Run executes the long-running bot: update polling, the delivery loop and
// the optional metrics listener.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	tgBot, err := delivery.NewBot(a.Config.Telegram, true)
	if err != nil {
		return err
	}

	m := metrics.New()
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	svc := a.newService(store, delivery.NewTelegramSender(tgBot, a.Logger), m, sched)

	bot.New(svc, store, bot.Options{
		DefaultInterval: a.Config.Scheduler.DefaultInterval,
		Timeout:         a.Config.Telegram.RequestTimeout + a.Config.Chart.Timeout + a.Config.Source.Timeout,
		IsAdmin:         a.Config.IsAdmin,
	}, a.Logger).Register(tgBot)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.poll(gctx, tgBot)
	})
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.Metrics.Listen != "" {
		g.Go(func() error {
			return a.serveMetrics(gctx, m)
		})
	}

	a.Logger.Info().Msg("starting radar chart bot")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("radar chart bot stopped")
	return nil
}

func (a *App) poll(ctx context.Context, b *tele.Bot) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start()
	}()
	<-ctx.Done()
	b.Stop()
	<-done
	return ctx.Err()
}

func (a *App) serveMetrics(ctx context.Context, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: a.Config.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("listen", srv.Addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// TickOnce runs a single evaluation of the delivery loop against the
// configured store and exits.
func (a *App) TickOnce(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sender, err := a.sendOnly()
	if err != nil {
		return err
	}
	svc := a.newService(store, sender, nil, nil)
	return svc.Tick(ctx, time.Now().UTC())
}

// SendNow posts one chart to chatID using userID's settings.
func (a *App) SendNow(ctx context.Context, userID, chatID int64) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sender, err := a.sendOnly()
	if err != nil {
		return err
	}
	svc := a.newService(store, sender, nil, nil)
	if err := svc.SendNow(ctx, userID, chatID); err != nil {
		return fmt.Errorf("%s: %w", service.UserMessage(err), err)
	}
	return nil
}
