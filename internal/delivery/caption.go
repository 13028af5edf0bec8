package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"radar-chart-bot/internal/fetcher"
)

const (
	maxCaption = 1024
	maxMessage = 4096
	// captionRows caps the ranking lines listed under the chart.
	captionRows = 5
)

// CaptionInput describes one delivered chart.
type CaptionInput struct {
	Title  string
	Preset string
	Source fetcher.Source
	Series fetcher.Series
	At     time.Time
}

// Caption renders the photo caption: title, window, source and the top rows.
func Caption(in CaptionInput) string {
	var b strings.Builder
	b.WriteString(in.Title)
	b.WriteString("\n")

	window := in.Preset
	if p, err := fetcher.LookupPreset(in.Preset); err == nil {
		window = p.Label
	}
	fmt.Fprintf(&b, "%s · source: %s\n", window, in.Source)

	rows := in.Series.Len()
	if rows > captionRows {
		rows = captionRows
	}
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "%d. %s %s\n", i+1, in.Series.Labels[i], FormatValue(in.Series.Values[i]))
	}
	if !in.At.IsZero() {
		fmt.Fprintf(&b, "%s UTC", in.At.UTC().Format("2006-01-02 15:04"))
	}
	return truncate(strings.TrimRight(b.String(), "\n"), maxCaption)
}

// FormatValue prints v with at most two decimals and no trailing zeros.
func FormatValue(v float64) string {
	return decimal.NewFromFloat(v).Round(2).String()
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
