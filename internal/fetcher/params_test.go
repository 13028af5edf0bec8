package fetcher

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestNormalizeDateRange(t *testing.T) {
	valid := map[string]string{
		"7d":          "7d",
		"1d":          "1d",
		"52w":         "52w",
		" 14D ":       "14d",
		"last_7_days": "7d",
		"last_week":   "7d",
		"last_year":   "52w",
	}
	for in, want := range valid {
		got, err := NormalizeDateRange(in)
		if err != nil {
			t.Fatalf("%q should be accepted: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: want %q, got %q", in, want, got)
		}
	}

	for _, in := range []string{"13d", "", "forever", "7"} {
		if _, err := NormalizeDateRange(in); KindOf(err) != KindConfig {
			t.Fatalf("%q should be a config error, got %v", in, err)
		}
	}
}

func TestNormalizeLimit(t *testing.T) {
	for _, bad := range []any{0, 51, -3, math.NaN(), math.Inf(1), "abc", 0.5, []int{1}} {
		if _, err := NormalizeLimit(bad); KindOf(err) != KindConfig {
			t.Fatalf("%v should be rejected, got %v", bad, err)
		}
	}

	cases := []struct {
		in   any
		want int
	}{
		{nil, DefaultLimit},
		{1, 1},
		{50, 50},
		{int64(12), 12},
		{7.9, 7},
		{"25", 25},
		{"3.2", 3},
	}
	for _, tc := range cases {
		got, err := NormalizeLimit(tc.in)
		if err != nil {
			t.Fatalf("%v should be accepted: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%v: want %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestNormalizeParams(t *testing.T) {
	p, err := NormalizeParams(ParamInput{DateRange: "last_7_days", Limit: 5, Location: " ir "})
	if err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if p.DateRange != "7d" || p.Limit != 5 || p.Location != "IR" {
		t.Fatalf("unexpected params: %+v", p)
	}
	if got := p.Values().Get("dateRange"); got != "7d" {
		t.Fatalf("dateRange query value: %q", got)
	}

	p, err = NormalizeParams(ParamInput{DateRange: "bogus", Since: "2024-01-01T00:00:00Z", Until: "2024-02-01"})
	if err != nil {
		t.Fatalf("since/until should take precedence over date range: %v", err)
	}
	if !p.Absolute() || p.DateRange != "" {
		t.Fatalf("expected absolute window, got %+v", p)
	}
	if p.Values().Get("dateStart") != "2024-01-01T00:00:00Z" {
		t.Fatalf("dateStart not encoded: %v", p.Values())
	}
}

func TestNormalizeParamsErrors(t *testing.T) {
	cases := map[string]ParamInput{
		"since only":     {Since: "2024-01-01"},
		"until only":     {Until: "2024-01-01"},
		"bad since":      {Since: "yesterday", Until: "2024-01-01"},
		"inverted":       {Since: "2024-02-01", Until: "2024-01-01"},
		"bad location":   {DateRange: "7d", Location: "IRN"},
		"digit location": {DateRange: "7d", Location: "1R"},
		"bad limit":      {DateRange: "7d", Limit: 100},
		"bad range":      {DateRange: "13d"},
	}
	for name, in := range cases {
		if _, err := NormalizeParams(in); KindOf(err) != KindConfig {
			t.Fatalf("%s: expected config error, got %v", name, err)
		}
	}
}

func TestResolveSettings(t *testing.T) {
	got := ResolveSettings(nil, nil, DefaultSettings)
	if got.Mode != ModeAuto || got.Preset != "7d" || got.Token != "" {
		t.Fatalf("hardcoded default not applied: %+v", got)
	}

	global := &Overrides{Mode: "public", Token: "global-token", Preset: "28d"}
	got = ResolveSettings(nil, global, DefaultSettings)
	if got.Mode != ModePublic || got.Preset != "28d" || got.Token != "global-token" {
		t.Fatalf("global not applied: %+v", got)
	}

	user := &Overrides{Mode: "token", Preset: "bogus"}
	got = ResolveSettings(user, global, DefaultSettings)
	if got.Mode != ModeToken {
		t.Fatalf("user mode should override global: %+v", got)
	}
	if got.Preset != "28d" {
		t.Fatalf("invalid user preset should be ignored: %+v", got)
	}
	if got.Token != "global-token" {
		t.Fatalf("unset user token should inherit global: %+v", got)
	}
}

func TestCheckToken(t *testing.T) {
	if err := CheckToken(""); KindOf(err) != KindUnauthorized {
		t.Fatalf("missing token: %v", err)
	}
	if err := CheckToken("short"); KindOf(err) != KindUnauthorized {
		t.Fatalf("short token: %v", err)
	}
	if err := CheckToken("has spaces in it but long enough"); KindOf(err) != KindUnauthorized {
		t.Fatalf("token with spaces: %v", err)
	}
	if err := CheckToken("abcDEF123_-.abcDEF123"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}
