package bot

import (
	"fmt"
	"strings"
	"time"

	"radar-chart-bot/internal/fetcher"
	"radar-chart-bot/internal/storage"
)

// FormatReport renders a diagnostic report for chat.
func FormatReport(rep fetcher.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s, preset: %s\n", rep.Mode, rep.Preset)
	fmt.Fprintf(&b, "Token: present=%t valid=%t, public source: %s\n", rep.TokenPresent, rep.TokenValid, supported(rep.PublicSupported))
	if rep.OK {
		fmt.Fprintf(&b, "Result: OK via %s, %d points\n", rep.Source, rep.Points)
	} else {
		fmt.Fprintf(&b, "Result: %s\n", rep.ErrorKind)
		if rep.Summary != "" {
			fmt.Fprintf(&b, "Error: %s\n", rep.Summary)
		}
	}
	if len(rep.Attempts) == 0 {
		b.WriteString("No requests were made.\n")
	}
	for i, a := range rep.Attempts {
		status := "-"
		if a.Status != 0 {
			status = fmt.Sprint(a.Status)
		}
		outcome := "ok"
		if !a.OK() {
			outcome = string(a.Kind)
		}
		fmt.Fprintf(&b, "%d. %s", i+1, a.Source)
		if a.Shape != "" {
			fmt.Fprintf(&b, "/%s", a.Shape)
		}
		fmt.Fprintf(&b, " status=%s %s %s\n", status, outcome, a.Duration.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "Took %s", rep.Duration.Round(time.Millisecond))
	return b.String()
}

func supported(ok bool) string {
	if ok {
		return "supported"
	}
	return "unsupported"
}

// FormatTarget renders one destination line.
func FormatTarget(t storage.Target) string {
	state := "on"
	if !t.Destination.Enabled {
		state = "off"
	}
	line := fmt.Sprintf("%d %q [%s] every %dm", t.Destination.ChatID, t.Destination.Title, state, t.Schedule.IntervalMinutes)
	if t.Schedule.LastSentAt != nil {
		line += ", last " + t.Schedule.LastSentAt.UTC().Format("01-02 15:04")
	}
	if t.Schedule.FailCount > 0 {
		line += fmt.Sprintf(", %d failures", t.Schedule.FailCount)
		if t.Schedule.NextRetryAt != nil {
			line += ", retry " + t.Schedule.NextRetryAt.UTC().Format("15:04")
		}
	}
	return line
}

// MaskToken hides all but the last four characters.
func MaskToken(token string) string {
	if token == "" {
		return "not set"
	}
	r := []rune(token)
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}
