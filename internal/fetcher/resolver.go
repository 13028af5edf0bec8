package fetcher

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"radar-chart-bot/internal/logging"
	"radar-chart-bot/internal/metrics"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{20,}$`)

// CheckToken performs the offline format check applied before any
// authenticated request.
func CheckToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return &Error{Kind: KindUnauthorized, Source: SourceToken, Msg: "api token not configured"}
	}
	if !tokenPattern.MatchString(token) {
		return &Error{Kind: KindUnauthorized, Source: SourceToken, Msg: "api token has an invalid format"}
	}
	return nil
}

// Shape is the parameter form the public source accepts for calendar windows.
type Shape string

const (
	ShapeRelative Shape = "relative"
	ShapeAbsolute Shape = "absolute"
	ShapeCoarse   Shape = "coarse"
)

// ShapeCache memoises which Shape the public source accepted per endpoint path.
// Entries live for the process lifetime unless rejected later or Reset.
type ShapeCache struct {
	mu     sync.Mutex
	shapes map[string]Shape
}

func NewShapeCache() *ShapeCache {
	return &ShapeCache{shapes: make(map[string]Shape)}
}

func (c *ShapeCache) Get(path string) (Shape, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shapes[path]
	return s, ok
}

func (c *ShapeCache) Set(path string, s Shape) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shapes[path] = s
}

func (c *ShapeCache) Forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shapes, path)
}

// Reset drops every memoised shape.
func (c *ShapeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shapes = make(map[string]Shape)
}

// ResolverOptions configure the Fetch Orchestrator.
type ResolverOptions struct {
	Path string
	// PublicSupported is false when the ranking dimension cannot be queried
	// without a token.
	PublicSupported bool
	Limit           int
	Location        string
}

// Query is one request for a series under the given settings. Zero Limit and
// empty Location fall back to ResolverOptions.
type Query struct {
	Settings Settings
	Limit    int
	Location string
}

// Attempt records one call made while resolving a Query.
type Attempt struct {
	Source   Source
	Shape    Shape
	Status   int
	Kind     Kind
	Err      string
	URL      string
	Duration time.Duration
}

// OK reports whether the attempt produced a valid series.
func (a Attempt) OK() bool { return a.Kind == "" }

// Result is a validated series and where it came from.
type Result struct {
	Series   Series
	Source   Source
	Mode     Mode
	Preset   string
	URL      string
	Attempts []Attempt
}

// Resolver decides which source to use and applies the fallback policy.
type Resolver struct {
	client  Doer
	opts    ResolverOptions
	shapes  *ShapeCache
	events  logging.EventSink
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewResolver builds a Resolver around client. shapes may be shared between
// resolvers; nil allocates a private cache.
func NewResolver(client Doer, opts ResolverOptions, shapes *ShapeCache, events logging.EventSink, m *metrics.Metrics, logger zerolog.Logger) *Resolver {
	if shapes == nil {
		shapes = NewShapeCache()
	}
	if events == nil {
		events = logging.NopSink{}
	}
	if opts.Path == "" {
		opts.Path = "/http/top/locations"
	}
	return &Resolver{
		client:  client,
		opts:    opts,
		shapes:  shapes,
		events:  events,
		metrics: m,
		logger:  logger.With().Str("component", "resolver").Logger(),
		now:     time.Now,
	}
}

// Shapes exposes the memoised shape cache.
func (r *Resolver) Shapes() *ShapeCache { return r.shapes }

type resolution struct {
	attempts []Attempt
	// learn permits writes to the shape cache; diagnostics run without it.
	learn bool
}

type fetched struct {
	series Series
	source Source
	url    string
}

// Fetch resolves q to a validated series.
func (r *Resolver) Fetch(ctx context.Context, q Query) (*Result, error) {
	run := &resolution{learn: true}
	return r.resolve(ctx, q, run)
}

func (r *Resolver) resolve(ctx context.Context, q Query, run *resolution) (*Result, error) {
	preset, err := LookupPreset(q.Settings.Preset)
	if err != nil {
		return nil, err
	}

	var (
		out  fetched
		ferr error
	)
	switch q.Settings.Mode {
	case ModePublic:
		out, ferr = r.fetchPublic(ctx, run, q, preset)
	case ModeToken:
		if err := CheckToken(q.Settings.Token); err != nil {
			return nil, err
		}
		out, ferr = r.fetchToken(ctx, run, q, preset)
	case ModeAuto:
		out, ferr = r.fetchAuto(ctx, run, q, preset)
	default:
		return nil, configError("unknown source mode %q", q.Settings.Mode)
	}
	if ferr != nil {
		return nil, ferr
	}

	return &Result{
		Series:   out.series,
		Source:   out.source,
		Mode:     q.Settings.Mode,
		Preset:   preset.Key,
		URL:      out.url,
		Attempts: run.attempts,
	}, nil
}

func (r *Resolver) fetchAuto(ctx context.Context, run *resolution, q Query, preset Preset) (fetched, error) {
	if CheckToken(q.Settings.Token) != nil {
		return r.fetchPublic(ctx, run, q, preset)
	}

	out, err := r.fetchToken(ctx, run, q, preset)
	if err == nil {
		return out, nil
	}
	if !FallbackEligible(err) || !r.opts.PublicSupported {
		return fetched{}, err
	}

	var fe *Error
	status := 0
	if errors.As(err, &fe) {
		status = fe.Status
	}
	kind := KindOf(err)
	r.logger.Warn().
		Str("from", string(SourceToken)).
		Str("to", string(SourcePublic)).
		Str("kind", string(kind)).
		Int("status", status).
		Msg("falling back to public source")
	r.events.Emit("source_fallback", map[string]any{
		"from":   string(SourceToken),
		"to":     string(SourcePublic),
		"kind":   string(kind),
		"status": status,
	})
	r.metrics.ObserveFallback(string(SourceToken), string(SourcePublic), string(kind))

	return r.fetchPublic(ctx, run, q, preset)
}

func (r *Resolver) fetchToken(ctx context.Context, run *resolution, q Query, preset Preset) (fetched, error) {
	in := r.baseInput(q)
	shape := ShapeRelative
	if preset.DayBucketed() {
		in.DateRange = preset.Code
	} else {
		since, until := preset.Window(r.now())
		in.Since = since.Format(time.RFC3339)
		in.Until = until.Format(time.RFC3339)
		shape = ShapeAbsolute
	}
	params, err := NormalizeParams(in)
	if err != nil {
		return fetched{}, err
	}
	return r.attempt(ctx, run, SourceToken, q.Settings.Token, params, shape)
}

func (r *Resolver) fetchPublic(ctx context.Context, run *resolution, q Query, preset Preset) (fetched, error) {
	if !r.opts.PublicSupported {
		return fetched{}, &Error{Kind: KindUnauthorized, Source: SourcePublic, Msg: "this ranking requires an api token"}
	}

	if preset.DayBucketed() {
		in := r.baseInput(q)
		in.DateRange = preset.Code
		params, err := NormalizeParams(in)
		if err != nil {
			return fetched{}, err
		}
		return r.attempt(ctx, run, SourcePublic, "", params, ShapeRelative)
	}

	order := []Shape{ShapeRelative, ShapeAbsolute}
	cached, known := r.shapes.Get(r.opts.Path)
	if known {
		order = []Shape{cached}
	}

	var lastErr error
	for _, shape := range order {
		params, err := r.calendarParams(q, preset, shape)
		if err == nil {
			var out fetched
			out, err = r.attempt(ctx, run, SourcePublic, "", params, shape)
			if err == nil {
				if run.learn && (!known || cached != shape) {
					r.shapes.Set(r.opts.Path, shape)
					r.logger.Info().Str("path", r.opts.Path).Str("shape", string(shape)).Msg("public source window shape detected")
				}
				return out, nil
			}
		}
		if !badRequestClass(err) {
			return fetched{}, err
		}
		lastErr = err
	}

	if known && run.learn {
		r.shapes.Forget(r.opts.Path)
	}

	r.logger.Warn().
		Str("preset", preset.Key).
		Str("fallback", preset.Fallback).
		AnErr("cause", lastErr).
		Msg("calendar window rejected; retrying with coarse range")

	in := r.baseInput(q)
	in.DateRange = preset.Fallback
	params, err := NormalizeParams(in)
	if err != nil {
		return fetched{}, err
	}
	return r.attempt(ctx, run, SourcePublic, "", params, ShapeCoarse)
}

func (r *Resolver) calendarParams(q Query, preset Preset, shape Shape) (Params, error) {
	in := r.baseInput(q)
	switch shape {
	case ShapeAbsolute:
		since, until := preset.Window(r.now())
		in.Since = since.Format(time.RFC3339)
		in.Until = until.Format(time.RFC3339)
	default:
		in.DateRange = preset.Code
	}
	return NormalizeParams(in)
}

func (r *Resolver) baseInput(q Query) ParamInput {
	var in ParamInput
	limit := q.Limit
	if limit == 0 {
		limit = r.opts.Limit
	}
	if limit != 0 {
		in.Limit = limit
	}
	in.Location = q.Location
	if in.Location == "" {
		in.Location = r.opts.Location
	}
	return in
}

func (r *Resolver) attempt(ctx context.Context, run *resolution, source Source, token string, params Params, shape Shape) (fetched, error) {
	start := time.Now()
	resp, err := r.client.Do(ctx, Request{Path: r.opts.Path, Params: params, Source: source, Token: token})
	att := Attempt{Source: source, Shape: shape}

	if err == nil {
		series := Extract(resp.Payload, params.Limit)
		if verr := series.Validate(); verr != nil {
			fe := verr.(*Error)
			fe.Source = source
			fe.Status = resp.Status
			fe.URL = resp.URL
			err = fe
		} else {
			att.Status = resp.Status
			att.URL = resp.URL
			att.Duration = time.Since(start)
			run.attempts = append(run.attempts, att)
			r.metrics.ObserveFetch(string(source), "ok")
			return fetched{series: series, source: source, url: resp.URL}, nil
		}
	}

	att.Duration = time.Since(start)
	att.Kind = KindOf(err)
	att.Err = err.Error()
	var fe *Error
	if errors.As(err, &fe) {
		att.Status = fe.Status
		att.URL = fe.URL
		if fe.Source == "" {
			fe.Source = source
		}
	}
	run.attempts = append(run.attempts, att)
	r.metrics.ObserveFetch(string(source), string(att.Kind))
	return fetched{}, err
}
