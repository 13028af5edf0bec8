package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"radar-chart-bot/internal/fetcher"
	"radar-chart-bot/internal/service"
	"radar-chart-bot/internal/storage"
)

// fakeContext implements the handful of tele.Context methods the handlers use.
type fakeContext struct {
	tele.Context
	chat    *tele.Chat
	user    *tele.User
	args    []string
	replies []string
}

func (c *fakeContext) Chat() *tele.Chat   { return c.chat }
func (c *fakeContext) Sender() *tele.User { return c.user }
func (c *fakeContext) Args() []string     { return c.args }
func (c *fakeContext) Send(what interface{}, _ ...interface{}) error {
	c.replies = append(c.replies, what.(string))
	return nil
}

func (c *fakeContext) last() string {
	if len(c.replies) == 0 {
		return ""
	}
	return c.replies[len(c.replies)-1]
}

type stubCore struct {
	sendErr error
	sends   [][2]int64
}

func (s *stubCore) SendNow(_ context.Context, userID, chatID int64) error {
	s.sends = append(s.sends, [2]int64{userID, chatID})
	return s.sendErr
}

func (s *stubCore) Diagnose(context.Context, int64) (fetcher.Report, error) {
	return fetcher.Report{Mode: fetcher.ModeAuto, Preset: "7d", ErrorKind: fetcher.KindUnauthorized}, nil
}

func (s *stubCore) ResolveSettings(context.Context, int64) (fetcher.Settings, error) {
	return fetcher.DefaultSettings, nil
}

func (s *stubCore) LastGood() service.LastGood { return service.LastGood{} }

func newHandlers() (*Handlers, *stubCore, *storage.Memory) {
	core := &stubCore{}
	store := storage.NewMemory()
	h := New(core, store, Options{IsAdmin: func(id int64) bool { return id == 999 }}, zerolog.Nop())
	return h, core, store
}

func TestRegisterAndManageDestination(t *testing.T) {
	h, _, store := newHandlers()
	group := &tele.Chat{ID: -100, Title: "Ops", Type: tele.ChatGroup}
	owner := &tele.User{ID: 1}

	c := &fakeContext{chat: group, user: owner, args: []string{"15"}}
	if err := h.handleRegister(c); err != nil {
		t.Fatal(err)
	}
	tg, err := store.GetDestination(context.Background(), -100)
	if err != nil {
		t.Fatalf("destination not stored: %v", err)
	}
	if tg.Schedule.IntervalMinutes != 15 || tg.Destination.OwnerID != 1 || tg.Destination.Title != "Ops" {
		t.Fatalf("unexpected target: %+v", tg)
	}

	c = &fakeContext{chat: group, user: owner, args: []string{"1"}}
	_ = h.handleRegister(c)
	if !strings.Contains(c.last(), "between 3 and 1440") {
		t.Fatalf("interval bound hint expected, got %q", c.last())
	}

	stranger := &fakeContext{user: &tele.User{ID: 2}, args: []string{"-100"}}
	_ = h.handleDisable(stranger)
	if stranger.last() != "You do not manage this chat." {
		t.Fatalf("stranger reply: %q", stranger.last())
	}

	admin := &fakeContext{user: &tele.User{ID: 999}, args: []string{"-100", "30"}}
	_ = h.handleInterval(admin)
	tg, _ = store.GetDestination(context.Background(), -100)
	if tg.Schedule.IntervalMinutes != 30 {
		t.Fatalf("admin interval change not applied: %+v", tg.Schedule)
	}

	c = &fakeContext{user: owner, args: []string{"-100"}}
	_ = h.handleDisable(c)
	tg, _ = store.GetDestination(context.Background(), -100)
	if tg.Destination.Enabled {
		t.Fatal("destination should be disabled")
	}

	c = &fakeContext{user: owner}
	_ = h.handleDestinations(c)
	if !strings.Contains(c.last(), `-100 "Ops" [off] every 30m`) {
		t.Fatalf("destination listing: %q", c.last())
	}
}

func TestSendNowRepliesWithUserMessage(t *testing.T) {
	h, core, _ := newHandlers()
	core.sendErr = service.ErrManualCooldown

	c := &fakeContext{chat: &tele.Chat{ID: 5}, user: &tele.User{ID: 7}}
	if err := h.handleSendNow(c); err != nil {
		t.Fatal(err)
	}
	if len(core.sends) != 1 || core.sends[0] != [2]int64{7, 5} {
		t.Fatalf("send now not forwarded: %v", core.sends)
	}
	if c.last() != service.UserMessage(service.ErrManualCooldown) {
		t.Fatalf("reply: %q", c.last())
	}
}

func TestSettingsCommands(t *testing.T) {
	h, _, store := newHandlers()
	private := &tele.Chat{ID: 7, Type: tele.ChatPrivate}
	user := &tele.User{ID: 7}
	ctx := context.Background()

	_ = h.handleMode(&fakeContext{chat: private, user: user, args: []string{"token"}})
	_ = h.handlePreset(&fakeContext{chat: private, user: user, args: []string{"3M"}})

	c := &fakeContext{chat: private, user: user, args: []string{"short"}}
	_ = h.handleToken(c)
	if c.last() != "That does not look like an API token." {
		t.Fatalf("token precheck reply: %q", c.last())
	}
	_ = h.handleToken(&fakeContext{chat: private, user: user, args: []string{"abcdefghijklmnopqrstuvwxyz"}})

	got, err := store.GetSettings(ctx, 7)
	if err != nil || got == nil {
		t.Fatalf("settings not stored: %v", err)
	}
	if got.Mode != "token" || got.Preset != "3m" || got.Token != "abcdefghijklmnopqrstuvwxyz" {
		t.Fatalf("stored settings: %+v", got)
	}

	group := &fakeContext{chat: &tele.Chat{ID: -1, Type: tele.ChatGroup}, user: user, args: []string{"abcdefghijklmnopqrstuvwxyz"}}
	_ = h.handleToken(group)
	if !strings.Contains(group.last(), "private chat") {
		t.Fatalf("tokens must not be accepted in groups: %q", group.last())
	}
}

func TestFormatReport(t *testing.T) {
	rep := fetcher.Report{
		Mode:      fetcher.ModeAuto,
		Preset:    "7d",
		ErrorKind: fetcher.KindUnauthorized,
		Summary:   "unauthorized [public]: dimension requires a token",
		Duration:  1500 * time.Microsecond,
	}
	got := FormatReport(rep)
	for _, want := range []string{"Mode: auto, preset: 7d", "Result: unauthorized", "No requests were made."} {
		if !strings.Contains(got, want) {
			t.Fatalf("report %q missing %q", got, want)
		}
	}

	rep = fetcher.Report{
		Mode: fetcher.ModeAuto, Preset: "7d", OK: true, Source: fetcher.SourcePublic, Points: 10,
		Attempts: []fetcher.Attempt{
			{Source: fetcher.SourceToken, Status: 429, Kind: fetcher.KindRateLimit, Duration: time.Second},
			{Source: fetcher.SourcePublic, Status: 200, Duration: time.Second},
		},
	}
	got = FormatReport(rep)
	for _, want := range []string{"OK via public, 10 points", "1. token status=429 rate_limit", "2. public status=200 ok"} {
		if !strings.Contains(got, want) {
			t.Fatalf("report %q missing %q", got, want)
		}
	}
}

func TestMaskToken(t *testing.T) {
	cases := map[string]string{"": "not set", "abc": "****", "abcdefghijkl": "****ijkl"}
	for in, want := range cases {
		if got := MaskToken(in); got != want {
			t.Fatalf("MaskToken(%q) = %q, want %q", in, got, want)
		}
	}
}
