package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"radar-chart-bot/internal/fetcher"
	"radar-chart-bot/internal/storage"
)

// Diagnose resolves the source for userID's settings (0 for the global scope)
// and prints every attempt. Nothing is stored or sent.
func (a *App) Diagnose(ctx context.Context, userID int64, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := a.newService(store, nil, nil, nil)
	rep, err := svc.Diagnose(ctx, userID)
	if err != nil {
		return err
	}
	writeReport(out, rep)
	if !rep.OK {
		return fmt.Errorf("source check failed: %s", rep.ErrorKind)
	}
	return nil
}

func writeReport(out io.Writer, rep fetcher.Report) {
	fmt.Fprintf(out, "mode: %s\npreset: %s\npublic supported: %t\ntoken present: %t (valid: %t)\n",
		rep.Mode, rep.Preset, rep.PublicSupported, rep.TokenPresent, rep.TokenValid)
	if rep.OK {
		fmt.Fprintf(out, "result: ok via %s, %d points\n", rep.Source, rep.Points)
	} else {
		fmt.Fprintf(out, "result: %s\nerror: %s\n", rep.ErrorKind, sanitizeInline(rep.Summary))
	}
	fmt.Fprintf(out, "duration: %s\n\n", rep.Duration.Round(time.Millisecond))

	if len(rep.Attempts) == 0 {
		fmt.Fprintln(out, "no requests were made")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tSource\tShape\tStatus\tOutcome\tDuration\tURL")
	for i, at := range rep.Attempts {
		outcome := "ok"
		if !at.OK() {
			outcome = string(at.Kind)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			i+1,
			at.Source,
			dash(string(at.Shape)),
			at.Status,
			outcome,
			at.Duration.Round(time.Millisecond),
			at.URL,
		)
	}
	writer.Flush()
}

// writeTargets prints destinations with their schedule state.
func writeTargets(out io.Writer, targets []storage.Target) {
	if len(targets) == 0 {
		fmt.Fprintln(out, "no destinations found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Chat\tTitle\tOwner\tEnabled\tInterval\tLast sent (UTC)\tFailures\tNext retry (UTC)\tLast error")
	for _, t := range targets {
		fmt.Fprintf(writer, "%d\t%s\t%d\t%t\t%dm\t%s\t%d\t%s\t%s\n",
			t.Destination.ChatID,
			sanitizeInline(t.Destination.Title),
			t.Destination.OwnerID,
			t.Destination.Enabled,
			t.Schedule.IntervalMinutes,
			formatTime(t.Schedule.LastSentAt),
			t.Schedule.FailCount,
			formatTime(t.Schedule.NextRetryAt),
			sanitizeInline(t.Destination.LastError),
		)
	}
	writer.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
