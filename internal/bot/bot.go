package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"radar-chart-bot/internal/fetcher"
	"radar-chart-bot/internal/service"
	"radar-chart-bot/internal/storage"
)

// Core is the part of the service the chat surface drives.
type Core interface {
	SendNow(ctx context.Context, userID, chatID int64) error
	Diagnose(ctx context.Context, userID int64) (fetcher.Report, error)
	ResolveSettings(ctx context.Context, userID int64) (fetcher.Settings, error)
	LastGood() service.LastGood
}

// Store is the persistence the chat surface needs.
type Store interface {
	storage.DestinationStore
	storage.SettingsStore
}

// Options configure the handlers.
type Options struct {
	DefaultInterval int
	Timeout         time.Duration
	IsAdmin         func(userID int64) bool
}

// Handlers implements the bot commands.
type Handlers struct {
	core   Core
	store  Store
	opts   Options
	logger zerolog.Logger
}

func New(core Core, store Store, opts Options, logger zerolog.Logger) *Handlers {
	if opts.DefaultInterval == 0 {
		opts.DefaultInterval = storage.DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(int64) bool { return false }
	}
	return &Handlers{core: core, store: store, opts: opts, logger: logger.With().Str("component", "bot").Logger()}
}

// Register binds every command on b.
func (h *Handlers) Register(b *tele.Bot) {
	b.Handle("/start", h.handleHelp)
	b.Handle("/help", h.handleHelp)
	b.Handle("/register", h.handleRegister)
	b.Handle("/sendnow", h.handleSendNow)
	b.Handle("/diag", h.handleDiag)
	b.Handle("/status", h.handleStatus)
	b.Handle("/destinations", h.handleDestinations)
	b.Handle("/enable", h.handleEnable)
	b.Handle("/disable", h.handleDisable)
	b.Handle("/interval", h.handleInterval)
	b.Handle("/mode", h.handleMode)
	b.Handle("/preset", h.handlePreset)
	b.Handle("/token", h.handleToken)
}

const helpText = `Traffic ranking charts.

/register [minutes] register this chat for scheduled charts
/sendnow post a chart here now
/diag check the data source with your settings
/status show your settings and the last working source
/destinations list your chats
/enable <chat_id>, /disable <chat_id>
/interval <chat_id> <minutes> (3-1440)
/mode public|token|auto
/preset 1d|7d|14d|28d|1m|3m|6m|1y
/token <api token> (send in a private chat)`

func (h *Handlers) handleHelp(c tele.Context) error {
	return c.Send(helpText)
}

func (h *Handlers) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opts.Timeout)
}

func (h *Handlers) handleRegister(c tele.Context) error {
	chat, user := c.Chat(), c.Sender()
	if chat == nil || user == nil {
		return nil
	}
	minutes := h.opts.DefaultInterval
	if args := c.Args(); len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || !storage.ValidInterval(n) {
			return c.Send(intervalHint())
		}
		minutes = n
	}

	ctx, cancel := h.opContext()
	defer cancel()

	title := chat.Title
	if title == "" {
		title = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	d := storage.Destination{ChatID: chat.ID, Title: title, OwnerID: user.ID}
	if err := h.store.AddDestination(ctx, d, minutes); err != nil {
		h.logger.Error().Err(err).Int64("chat_id", chat.ID).Msg("register destination failed")
		return c.Send("Could not register this chat.")
	}
	return c.Send(fmt.Sprintf("Registered %q (id %d). Charts every %d minutes.", title, chat.ID, minutes))
}

func (h *Handlers) handleSendNow(c tele.Context) error {
	chat, user := c.Chat(), c.Sender()
	if chat == nil || user == nil {
		return nil
	}
	ctx, cancel := h.opContext()
	defer cancel()

	if err := h.core.SendNow(ctx, user.ID, chat.ID); err != nil {
		return c.Send(service.UserMessage(err))
	}
	return nil
}

func (h *Handlers) handleDiag(c tele.Context) error {
	user := c.Sender()
	if user == nil {
		return nil
	}
	ctx, cancel := h.opContext()
	defer cancel()

	rep, err := h.core.Diagnose(ctx, user.ID)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", user.ID).Msg("diagnostics failed")
		return c.Send("Could not load your settings.")
	}
	return c.Send(FormatReport(rep))
}

func (h *Handlers) handleStatus(c tele.Context) error {
	user := c.Sender()
	if user == nil {
		return nil
	}
	ctx, cancel := h.opContext()
	defer cancel()

	settings, err := h.core.ResolveSettings(ctx, user.ID)
	if err != nil {
		return c.Send("Could not load your settings.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\nPreset: %s\nToken: %s\n", settings.Mode, settings.Preset, MaskToken(settings.Token))
	if last := h.core.LastGood(); last.Source != "" {
		fmt.Fprintf(&b, "Last working source: %s at %s UTC\n", last.Source, last.At.UTC().Format("2006-01-02 15:04"))
	} else {
		b.WriteString("Last working source: none yet\n")
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func (h *Handlers) handleDestinations(c tele.Context) error {
	user := c.Sender()
	if user == nil {
		return nil
	}
	ctx, cancel := h.opContext()
	defer cancel()

	targets, err := h.store.ListDestinations(ctx, user.ID)
	if err != nil {
		return c.Send("Could not list your chats.")
	}
	if len(targets) == 0 {
		return c.Send("No chats registered. Use /register in a chat where the bot can post.")
	}
	var b strings.Builder
	for _, t := range targets {
		b.WriteString(FormatTarget(t))
		b.WriteString("\n")
	}
	return c.Send(strings.TrimRight(b.String(), "\n"))
}

func (h *Handlers) handleEnable(c tele.Context) error  { return h.toggle(c, true) }
func (h *Handlers) handleDisable(c tele.Context) error { return h.toggle(c, false) }

func (h *Handlers) toggle(c tele.Context, enabled bool) error {
	ctx, cancel := h.opContext()
	defer cancel()

	chatID, reply := h.ownedChat(ctx, c)
	if reply != "" {
		return c.Send(reply)
	}
	if err := h.store.SetEnabled(ctx, chatID, enabled); err != nil {
		return c.Send("Could not update the chat.")
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return c.Send(fmt.Sprintf("Chat %d %s.", chatID, state))
}

func (h *Handlers) handleInterval(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Send(intervalHint())
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil || !storage.ValidInterval(minutes) {
		return c.Send(intervalHint())
	}

	ctx, cancel := h.opContext()
	defer cancel()

	chatID, reply := h.ownedChat(ctx, c)
	if reply != "" {
		return c.Send(reply)
	}
	if err := h.store.SetInterval(ctx, chatID, minutes); err != nil {
		return c.Send("Could not update the interval.")
	}
	return c.Send(fmt.Sprintf("Chat %d now gets a chart every %d minutes.", chatID, minutes))
}

// ownedChat parses the first argument as a chat id the sender may manage.
// A non-empty reply explains why it may not.
func (h *Handlers) ownedChat(ctx context.Context, c tele.Context) (int64, string) {
	const usage = "Pass the chat id from /destinations."
	user := c.Sender()
	args := c.Args()
	if user == nil || len(args) == 0 {
		return 0, usage
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, usage
	}
	t, err := h.store.GetDestination(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, "Unknown chat."
	}
	if err != nil {
		return 0, "Could not load the chat."
	}
	if t.Destination.OwnerID != user.ID && !h.opts.IsAdmin(user.ID) {
		return 0, "You do not manage this chat."
	}
	return chatID, ""
}

func (h *Handlers) handleMode(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /mode public|token|auto")
	}
	mode, err := fetcher.ParseMode(args[0])
	if err != nil {
		return c.Send("Usage: /mode public|token|auto")
	}
	return h.updateSettings(c, func(s *storage.SourceSettings) { s.Mode = string(mode) }, "Mode set to "+string(mode)+".")
}

func (h *Handlers) handlePreset(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Send(presetHint())
	}
	p, err := fetcher.LookupPreset(args[0])
	if err != nil {
		return c.Send(presetHint())
	}
	return h.updateSettings(c, func(s *storage.SourceSettings) { s.Preset = p.Key }, "Preset set to "+p.Label+".")
}

func (h *Handlers) handleToken(c tele.Context) error {
	chat := c.Chat()
	if chat == nil || chat.Type != tele.ChatPrivate {
		return c.Send("Send your token in a private chat with the bot.")
	}
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /token <api token>, or /token clear")
	}
	token := strings.TrimSpace(args[0])
	if strings.EqualFold(token, "clear") {
		return h.updateSettings(c, func(s *storage.SourceSettings) { s.Token = "" }, "Token removed.")
	}
	if err := fetcher.CheckToken(token); err != nil {
		return c.Send("That does not look like an API token.")
	}
	return h.updateSettings(c, func(s *storage.SourceSettings) { s.Token = token }, "Token saved.")
}

func (h *Handlers) updateSettings(c tele.Context, apply func(*storage.SourceSettings), reply string) error {
	user := c.Sender()
	if user == nil {
		return nil
	}
	ctx, cancel := h.opContext()
	defer cancel()

	current, err := h.store.GetSettings(ctx, user.ID)
	if err != nil {
		return c.Send("Could not load your settings.")
	}
	next := storage.SourceSettings{UserID: user.ID}
	if current != nil {
		next = *current
	}
	apply(&next)
	if err := h.store.SaveSettings(ctx, next); err != nil {
		h.logger.Error().Err(err).Int64("user_id", user.ID).Msg("save settings failed")
		return c.Send("Could not save your settings.")
	}
	return c.Send(reply)
}

func intervalHint() string {
	return fmt.Sprintf("Interval must be between %d and %d minutes.", storage.MinIntervalMinutes, storage.MaxIntervalMinutes)
}

func presetHint() string {
	keys := make([]string, 0, 8)
	for _, p := range fetcher.Presets() {
		keys = append(keys, p.Key)
	}
	return "Usage: /preset " + strings.Join(keys, "|")
}
