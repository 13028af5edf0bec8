package chart

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var (
	// ErrInvalidInput marks a series the renderer refuses; retrying cannot help.
	ErrInvalidInput = errors.New("chart: invalid input")
	// ErrRenderFailed marks a transient rendering failure.
	ErrRenderFailed = errors.New("chart: render failed")
)

const (
	barWidth   = 36
	barSpacing = 12
	minWidth   = 800
)

// Options tune the rendered image.
type Options struct {
	Height  int
	Timeout time.Duration
}

// Renderer draws ranking series as PNG bar charts.
type Renderer struct {
	opts   Options
	logger zerolog.Logger
}

func NewRenderer(opts Options, logger zerolog.Logger) *Renderer {
	if opts.Height <= 0 {
		opts.Height = 720
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Renderer{opts: opts, logger: logger.With().Str("component", "chart").Logger()}
}

// Render returns a PNG for labels/values titled title.
func (r *Renderer) Render(ctx context.Context, title string, labels []string, values []float64) ([]byte, error) {
	if err := validate(labels, values); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	type result struct {
		png []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: panic: %v", ErrRenderFailed, p)}
			}
		}()
		png, err := r.draw(title, labels, values)
		done <- result{png: png, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, ctx.Err())
	case res := <-done:
		if res.err != nil {
			r.logger.Error().Err(res.err).Int("points", len(values)).Msg("chart render failed")
		}
		return res.png, res.err
	}
}

func (r *Renderer) draw(title string, labels []string, values []float64) ([]byte, error) {
	bars := make([]gochart.Value, len(values))
	for i, v := range values {
		bars[i] = gochart.Value{
			Label: labels[i],
			Value: v,
			Style: gochart.Style{
				FillColor:   drawing.ColorFromHex("f6821f"),
				StrokeColor: drawing.ColorFromHex("f6821f"),
			},
		}
	}

	width := len(values)*(barWidth+barSpacing) + 160
	if width < minWidth {
		width = minWidth
	}

	graph := gochart.BarChart{
		Title:      title,
		TitleStyle: gochart.Style{FontSize: 14},
		Width:      width,
		Height:     r.opts.Height,
		BarWidth:   barWidth,
		BarSpacing: barSpacing,
		Background: gochart.Style{Padding: gochart.Box{Top: 48, Left: 16, Right: 16, Bottom: 16}},
		XAxis:      gochart.Style{FontSize: 9, TextRotationDegrees: 45},
		YAxis: gochart.YAxis{
			ValueFormatter: func(v interface{}) string {
				return gochart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Bars: bars,
	}
	if allEqual(values) {
		graph.YAxis.Range = &gochart.ContinuousRange{Min: math.Min(0, values[0]), Max: math.Max(1, values[0]*1.1)}
	}

	var buf bytes.Buffer
	if err := graph.Render(gochart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	return buf.Bytes(), nil
}

func validate(labels []string, values []float64) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: no values", ErrInvalidInput)
	}
	if len(labels) != len(values) {
		return fmt.Errorf("%w: %d labels for %d values", ErrInvalidInput, len(labels), len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d is not finite", ErrInvalidInput, i)
		}
	}
	return nil
}

func allEqual(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}
