package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"
)

const validToken = "abcdefghij0123456789_token"

type stubCall struct {
	Source Source
	Params Params
}

// stubDoer replays scripted outcomes in order and records every call.
type stubDoer struct {
	mu      sync.Mutex
	calls   []stubCall
	outcome func(call int, req Request) (*Response, error)
}

func (s *stubDoer) Do(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, stubCall{Source: req.Source, Params: req.Params})
	n := len(s.calls)
	s.mu.Unlock()
	return s.outcome(n, req)
}

func okResponse(req Request) (*Response, error) {
	return &Response{
		Payload: json.RawMessage(`{"result":{"top_0":[{"name":"IR","value":10},{"name":"US","value":5}]}}`),
		Status:  http.StatusOK,
		Source:  req.Source,
		URL:     "https://example.test/" + string(req.Source),
	}, nil
}

func statusError(req Request, status int) (*Response, error) {
	return nil, &Error{Kind: kindForStatus(status), Source: req.Source, Status: status}
}

func newTestResolver(doer Doer, publicSupported bool) *Resolver {
	r := NewResolver(doer, ResolverOptions{Path: "/http/top/locations", PublicSupported: publicSupported, Limit: 5}, nil, nil, nil, noopLogger())
	r.now = func() time.Time { return time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC) }
	return r
}

func autoQuery(token, preset string) Query {
	return Query{Settings: Settings{Mode: ModeAuto, Token: token, Preset: preset}}
}

func TestAutoFallsBackOnRateLimit(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		if req.Source == SourceToken {
			return statusError(req, http.StatusTooManyRequests)
		}
		return okResponse(req)
	}}

	res, err := newTestResolver(doer, true).Fetch(context.Background(), autoQuery(validToken, "7d"))
	if err != nil {
		t.Fatalf("fallback should succeed: %v", err)
	}
	if res.Source != SourcePublic {
		t.Fatalf("expected public source, got %s", res.Source)
	}
	if len(doer.calls) != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", len(doer.calls))
	}
	if doer.calls[0].Source != SourceToken || doer.calls[1].Source != SourcePublic {
		t.Fatalf("wrong call order: %+v", doer.calls)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Kind != KindRateLimit || !res.Attempts[1].OK() {
		t.Fatalf("attempts not recorded: %+v", res.Attempts)
	}
}

func TestAutoDoesNotFallBackOnBadRequest(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		return statusError(req, http.StatusBadRequest)
	}}

	_, err := newTestResolver(doer, true).Fetch(context.Background(), autoQuery(validToken, "7d"))
	if KindOf(err) != KindBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
	if len(doer.calls) != 1 {
		t.Fatalf("no second source should be tried, got %d calls", len(doer.calls))
	}
}

func TestAutoDoesNotFallBackOnDataError(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		return &Response{Payload: json.RawMessage(`{"result":{"top":[]}}`), Status: 200, Source: req.Source}, nil
	}}

	_, err := newTestResolver(doer, true).Fetch(context.Background(), autoQuery(validToken, "7d"))
	if KindOf(err) != KindData {
		t.Fatalf("expected data error, got %v", err)
	}
	if len(doer.calls) != 1 {
		t.Fatalf("data errors are not fallback eligible, got %d calls", len(doer.calls))
	}
}

func TestAutoWithoutValidTokenGoesPublic(t *testing.T) {
	for _, token := range []string{"", "too-short"} {
		doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) { return okResponse(req) }}
		res, err := newTestResolver(doer, true).Fetch(context.Background(), autoQuery(token, "7d"))
		if err != nil {
			t.Fatalf("token %q: %v", token, err)
		}
		if len(doer.calls) != 1 || doer.calls[0].Source != SourcePublic || res.Source != SourcePublic {
			t.Fatalf("token %q: expected single public call, got %+v", token, doer.calls)
		}
	}
}

func TestAutoUnsupportedPublicSurfacesTokenError(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		return statusError(req, http.StatusUnauthorized)
	}}

	_, err := newTestResolver(doer, false).Fetch(context.Background(), autoQuery(validToken, "7d"))
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if len(doer.calls) != 1 {
		t.Fatalf("public source must not be tried, got %d calls", len(doer.calls))
	}
}

func TestPublicModeUnsupportedSkipsNetwork(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) { return okResponse(req) }}

	q := Query{Settings: Settings{Mode: ModePublic, Preset: "7d"}}
	_, err := newTestResolver(doer, false).Fetch(context.Background(), q)
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if len(doer.calls) != 0 {
		t.Fatalf("no network call expected, got %d", len(doer.calls))
	}
}

func TestTokenModeRequiresValidToken(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) { return okResponse(req) }}

	for _, token := range []string{"", "bad token with spaces!!"} {
		q := Query{Settings: Settings{Mode: ModeToken, Token: token, Preset: "7d"}}
		if _, err := newTestResolver(doer, true).Fetch(context.Background(), q); KindOf(err) != KindUnauthorized {
			t.Fatalf("token %q: expected unauthorized, got %v", token, err)
		}
	}
	if len(doer.calls) != 0 {
		t.Fatalf("no network call expected, got %d", len(doer.calls))
	}
}

func TestTokenModeDoesNotFallBack(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		return statusError(req, http.StatusServiceUnavailable)
	}}

	q := Query{Settings: Settings{Mode: ModeToken, Token: validToken, Preset: "7d"}}
	if _, err := newTestResolver(doer, true).Fetch(context.Background(), q); KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if len(doer.calls) != 1 {
		t.Fatalf("token mode is single attempt, got %d", len(doer.calls))
	}
}

func TestTokenCalendarPresetUsesAbsoluteWindow(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) { return okResponse(req) }}

	q := Query{Settings: Settings{Mode: ModeToken, Token: validToken, Preset: "3m"}}
	if _, err := newTestResolver(doer, true).Fetch(context.Background(), q); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	p := doer.calls[0].Params
	if !p.Absolute() {
		t.Fatalf("expected since/until, got %+v", p)
	}
	if want := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC); !p.Since.Equal(want) {
		t.Fatalf("since: want %v, got %v", want, p.Since)
	}
}

func TestPublicCalendarProbesAndCachesShape(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		if !req.Params.Absolute() {
			return statusError(req, http.StatusBadRequest)
		}
		return okResponse(req)
	}}
	r := newTestResolver(doer, true)
	q := Query{Settings: Settings{Mode: ModePublic, Preset: "6m"}}

	if _, err := r.Fetch(context.Background(), q); err != nil {
		t.Fatalf("probe should find absolute shape: %v", err)
	}
	if len(doer.calls) != 2 {
		t.Fatalf("expected relative then absolute, got %d calls", len(doer.calls))
	}
	if shape, ok := r.Shapes().Get("/http/top/locations"); !ok || shape != ShapeAbsolute {
		t.Fatalf("shape not cached: %v %v", shape, ok)
	}

	if _, err := r.Fetch(context.Background(), q); err != nil {
		t.Fatalf("cached fetch failed: %v", err)
	}
	if len(doer.calls) != 3 || !doer.calls[2].Params.Absolute() {
		t.Fatalf("cached shape should be used directly: %+v", doer.calls)
	}

	r.Shapes().Reset()
	if _, ok := r.Shapes().Get("/http/top/locations"); ok {
		t.Fatal("reset should clear the cache")
	}
}

func TestPublicCalendarFallsBackToCoarseRange(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		if req.Params.DateRange == "28d" {
			return okResponse(req)
		}
		return statusError(req, http.StatusBadRequest)
	}}
	r := newTestResolver(doer, true)

	res, err := r.Fetch(context.Background(), Query{Settings: Settings{Mode: ModePublic, Preset: "1y"}})
	if err != nil {
		t.Fatalf("coarse fallback should succeed: %v", err)
	}
	if len(doer.calls) != 3 {
		t.Fatalf("expected relative, absolute, coarse; got %d calls", len(doer.calls))
	}
	if res.Attempts[2].Shape != ShapeCoarse {
		t.Fatalf("last attempt should be coarse: %+v", res.Attempts)
	}
	if _, ok := r.Shapes().Get("/http/top/locations"); ok {
		t.Fatal("no shape should be cached when both were rejected")
	}
}

func TestPublicCalendarUpstreamErrorIsNotProbed(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		return statusError(req, http.StatusBadGateway)
	}}

	_, err := newTestResolver(doer, true).Fetch(context.Background(), Query{Settings: Settings{Mode: ModePublic, Preset: "1m"}})
	if KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream, got %v", err)
	}
	if len(doer.calls) != 1 {
		t.Fatalf("non bad-request failures stop probing, got %d calls", len(doer.calls))
	}
}

func TestUnknownPresetAndMode(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) { return okResponse(req) }}
	r := newTestResolver(doer, true)

	if _, err := r.Fetch(context.Background(), autoQuery("", "5y")); KindOf(err) != KindConfig {
		t.Fatalf("unknown preset: %v", err)
	}
	if _, err := r.Fetch(context.Background(), Query{Settings: Settings{Mode: "sideways", Preset: "7d"}}); KindOf(err) != KindConfig {
		t.Fatalf("unknown mode: %v", err)
	}
	if len(doer.calls) != 0 {
		t.Fatalf("config errors must not reach the network")
	}
}

func TestDiagnoseNeverFailsAndDoesNotLearn(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) {
		if !req.Params.Absolute() {
			return statusError(req, http.StatusBadRequest)
		}
		return okResponse(req)
	}}
	r := newTestResolver(doer, true)

	rep := r.Diagnose(context.Background(), Query{Settings: Settings{Mode: ModePublic, Preset: "3m"}})
	if !rep.OK || rep.Source != SourcePublic || rep.Points != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(rep.Attempts) != 2 {
		t.Fatalf("both probe attempts should be reported: %+v", rep.Attempts)
	}
	if _, ok := r.Shapes().Get("/http/top/locations"); ok {
		t.Fatal("diagnostics must not write the shape cache")
	}
}

func TestDiagnoseReportsConfiguredModeWithoutNetwork(t *testing.T) {
	doer := &stubDoer{outcome: func(call int, req Request) (*Response, error) { return okResponse(req) }}

	rep := newTestResolver(doer, false).Diagnose(context.Background(), Query{Settings: Settings{Mode: ModePublic, Preset: "7d"}})
	if rep.OK {
		t.Fatal("unsupported public dimension should not be OK")
	}
	if rep.Mode != ModePublic || rep.ErrorKind != KindUnauthorized {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(rep.Attempts) != 0 || len(doer.calls) != 0 {
		t.Fatal("no attempts expected")
	}
}
