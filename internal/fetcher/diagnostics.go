package fetcher

import (
	"context"
	"time"
)

const maxSummary = 300

// Report is the outcome of a diagnostic resolution.
type Report struct {
	Mode            Mode
	Preset          string
	PublicSupported bool
	TokenPresent    bool
	TokenValid      bool

	OK        bool
	Source    Source
	Points    int
	ErrorKind Kind
	Summary   string

	Attempts []Attempt
	Duration time.Duration
}

// Diagnose runs the same resolution as Fetch but records every attempt
// instead of failing. It never writes the shape cache.
func (r *Resolver) Diagnose(ctx context.Context, q Query) Report {
	start := time.Now()
	rep := Report{
		Mode:            q.Settings.Mode,
		Preset:          q.Settings.Preset,
		PublicSupported: r.opts.PublicSupported,
		TokenPresent:    q.Settings.Token != "",
		TokenValid:      CheckToken(q.Settings.Token) == nil,
	}

	run := &resolution{learn: false}
	res, err := r.resolve(ctx, q, run)
	rep.Attempts = run.attempts
	rep.Duration = time.Since(start)

	if err != nil {
		rep.ErrorKind = KindOf(err)
		rep.Summary = summarize(err.Error())
		return rep
	}

	rep.OK = true
	rep.Source = res.Source
	rep.Points = res.Series.Len()
	return rep
}

func summarize(s string) string {
	r := []rune(s)
	if len(r) <= maxSummary {
		return s
	}
	return string(r[:maxSummary]) + "…"
}
