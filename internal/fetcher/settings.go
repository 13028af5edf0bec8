package fetcher

import (
	"strings"
	"time"
)

// Source identifies which variant of the ranking endpoint served a request.
type Source string

const (
	SourcePublic Source = "public"
	SourceToken  Source = "token"
)

// Mode is the configured source preference.
type Mode string

const (
	ModePublic Mode = "public"
	ModeToken  Mode = "token"
	ModeAuto   Mode = "auto"
)

// ParseMode accepts a mode name and a few spellings of it.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "public", "anonymous", "unauthenticated":
		return ModePublic, nil
	case "token", "authenticated", "api":
		return ModeToken, nil
	case "auto", "automatic":
		return ModeAuto, nil
	}
	return "", configError("unknown source mode %q", raw)
}

// Preset is a named reporting window offered to users.
type Preset struct {
	Key   string
	Label string
	// Code is the relative dateRange code. For day presets it is the only
	// representation; for calendar presets it is the week-based equivalent.
	Code string
	// Months is non-zero for calendar presets, which are not day bucketed.
	Months int
	// Fallback is the coarse day code used when a calendar window is rejected.
	Fallback string
}

// DayBucketed reports whether the preset maps directly onto a day code.
func (p Preset) DayBucketed() bool { return p.Months == 0 }

// Window returns the explicit since/until pair ending at now.
func (p Preset) Window(now time.Time) (time.Time, time.Time) {
	until := now.UTC().Truncate(time.Hour)
	if p.Months > 0 {
		return until.AddDate(0, -p.Months, 0), until
	}
	days := map[string]int{"1d": 1, "2d": 2, "7d": 7, "14d": 14, "28d": 28}[p.Code]
	return until.AddDate(0, 0, -days), until
}

var presets = []Preset{
	{Key: "1d", Label: "24 hours", Code: "1d"},
	{Key: "7d", Label: "7 days", Code: "7d"},
	{Key: "14d", Label: "14 days", Code: "14d"},
	{Key: "28d", Label: "28 days", Code: "28d"},
	{Key: "1m", Label: "1 month", Code: "4w", Months: 1, Fallback: "28d"},
	{Key: "3m", Label: "3 months", Code: "12w", Months: 3, Fallback: "28d"},
	{Key: "6m", Label: "6 months", Code: "24w", Months: 6, Fallback: "28d"},
	{Key: "1y", Label: "1 year", Code: "52w", Months: 12, Fallback: "28d"},
}

// Presets lists the supported presets in display order.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// LookupPreset finds a preset by key.
func LookupPreset(key string) (Preset, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, p := range presets {
		if p.Key == k {
			return p, nil
		}
	}
	return Preset{}, configError("unknown preset %q", key)
}

// Settings is the effective source configuration for one request.
type Settings struct {
	Mode   Mode
	Token  string
	Preset string
}

// DefaultSettings applies when neither the user nor the global scope sets a field.
var DefaultSettings = Settings{Mode: ModeAuto, Preset: "7d"}

// Overrides is one stored settings scope; empty fields are unset.
type Overrides struct {
	Mode   string
	Token  string
	Preset string
}

// ResolveSettings merges user over global over def, field by field.
// Unparseable stored modes are skipped rather than failing the request.
func ResolveSettings(user, global *Overrides, def Settings) Settings {
	out := def
	for _, scope := range []*Overrides{global, user} {
		if scope == nil {
			continue
		}
		if scope.Mode != "" {
			if m, err := ParseMode(scope.Mode); err == nil {
				out.Mode = m
			}
		}
		if scope.Token != "" {
			out.Token = scope.Token
		}
		if scope.Preset != "" {
			if _, err := LookupPreset(scope.Preset); err == nil {
				out.Preset = strings.ToLower(strings.TrimSpace(scope.Preset))
			}
		}
	}
	return out
}
