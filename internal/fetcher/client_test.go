package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Emit(code string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, code)
}

func (s *recordingSink) count(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == code {
			n++
		}
	}
	return n
}

func testClient(url string, sink *recordingSink) *Client {
	return NewClient(ClientOptions{
		PublicBaseURL: url,
		TokenBaseURL:  url + "/client/v4/radar",
		Timeout:       time.Second,
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		Multiplier:    2,
		MaxRetryAfter: 10 * time.Millisecond,
	}, sink, noopLogger())
}

func testParams() Params {
	return Params{DateRange: "7d", Limit: 5}
}

func TestClientRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.001")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if r.URL.Query().Get("dateRange") != "7d" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"success":true,"result":{"top_0":[{"name":"IR","value":1}]}}`))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	resp, err := testClient(srv.URL, sink).Do(context.Background(), Request{Path: "/http/top/locations", Params: testParams(), Source: SourcePublic})
	if err != nil {
		t.Fatalf("expected success after retry: %v", err)
	}
	if resp.Attempts != 2 || calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d (server saw %d)", resp.Attempts, calls.Load())
	}
	if resp.Source != SourcePublic || resp.Status != http.StatusOK {
		t.Fatalf("unexpected metadata: %+v", resp)
	}
	if !strings.Contains(resp.URL, "/http/top/locations?") {
		t.Fatalf("final url missing path: %s", resp.URL)
	}
	if sink.count("fetch_failed") != 1 {
		t.Fatalf("expected one failure event, got %v", sink.events)
	}
}

func TestClientDoesNotRetryBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"message":"bad dateRange"}]}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, &recordingSink{}).Do(context.Background(), Request{Params: testParams(), Source: SourcePublic})
	fe, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fe.Kind != KindBadRequest || fe.Status != http.StatusBadRequest {
		t.Fatalf("unexpected classification: %+v", fe)
	}
	if fe.Msg != "bad dateRange" {
		t.Fatalf("api message not extracted: %q", fe.Msg)
	}
	if calls.Load() != 1 {
		t.Fatalf("400 must not be retried, server saw %d calls", calls.Load())
	}
}

func TestClientExhaustsRetriesOnUpstream(t *testing.T) {
	var calls atomic.Int32
	long := strings.Repeat("x", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(long))
	}))
	defer srv.Close()

	sink := &recordingSink{}
	_, err := testClient(srv.URL, sink).Do(context.Background(), Request{Params: testParams(), Source: SourcePublic})
	if KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 1 call + 2 retries, got %d", calls.Load())
	}
	fe := err.(*Error)
	if n := len([]rune(fe.Body)); n > maxErrorBody+1 {
		t.Fatalf("body not truncated: %d runes", n)
	}
	if sink.count("fetch_failed") != 3 {
		t.Fatalf("expected an event per failed attempt, got %d", sink.count("fetch_failed"))
	}
}

func TestClientStatusKinds(t *testing.T) {
	cases := map[int]Kind{
		http.StatusUnauthorized:        KindUnauthorized,
		http.StatusForbidden:           KindUnauthorized,
		http.StatusNotFound:            KindBadRequest,
		http.StatusServiceUnavailable:  KindUpstream,
		http.StatusTooManyRequests:     KindRateLimit,
		http.StatusInternalServerError: KindUpstream,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := testClient(srv.URL, &recordingSink{}).Do(context.Background(), Request{Params: testParams(), Source: SourcePublic})
		srv.Close()
		if KindOf(err) != want {
			t.Fatalf("status %d: want %s, got %v", status, want, err)
		}
	}
}

func TestClientTimeoutIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{
		PublicBaseURL: srv.URL,
		Timeout:       20 * time.Millisecond,
		MaxRetries:    1,
		BaseDelay:     time.Millisecond,
	}, nil, noopLogger())

	_, err := c.Do(context.Background(), Request{Params: testParams(), Source: SourcePublic})
	fe, ok := err.(*Error)
	if !ok || fe.Kind != KindTimeout || fe.Status != 0 {
		t.Fatalf("expected timeout error with status 0, got %v", err)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token-value-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/client/v4/radar/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[{"name":"a","value":1}]`))
	}))
	defer srv.Close()

	resp, err := testClient(srv.URL, &recordingSink{}).Do(context.Background(), Request{
		Path:   "/http/top/locations",
		Params: testParams(),
		Source: SourceToken,
		Token:  "secret-token-value-123",
	})
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	if resp.Source != SourceToken {
		t.Fatalf("unexpected source %s", resp.Source)
	}
}

func TestClientRejectsSuccessFalseAndInvalidJSON(t *testing.T) {
	for _, body := range []string{`{"success":false,"errors":[]}`, `<html>`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		_, err := testClient(srv.URL, &recordingSink{}).Do(context.Background(), Request{Params: testParams(), Source: SourcePublic})
		srv.Close()
		if KindOf(err) != KindData {
			t.Fatalf("%s: expected data error, got %v", body, err)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if d := parseRetryAfter("3", now); d != 3*time.Second {
		t.Fatalf("seconds form: %v", d)
	}
	if d := parseRetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now); d != 5*time.Second {
		t.Fatalf("date form: %v", d)
	}
	if d := parseRetryAfter("soon", now); d != 0 {
		t.Fatalf("garbage should be ignored: %v", d)
	}
}

func TestClientDelay(t *testing.T) {
	c := NewClient(ClientOptions{BaseDelay: 100 * time.Millisecond, Multiplier: 3}, nil, noopLogger())
	want := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}
	for i, w := range want {
		if got := c.delay(i); got != w {
			t.Fatalf("retry %d: want %v, got %v", i, w, got)
		}
	}
}

func TestClientKeepsServerErrorWhenDeadlineExpiresDuringWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"message":"slow down"}]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{
		PublicBaseURL: srv.URL,
		Timeout:       time.Second,
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		Multiplier:    2,
		MaxRetryAfter: 30 * time.Second,
	}, &recordingSink{}, noopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, Request{Path: "/http/top/locations", Params: testParams(), Source: SourcePublic})
	if KindOf(err) != KindRateLimit {
		t.Fatalf("expected rate_limit, got %v", err)
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Status != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 to survive the deadline, got %+v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deadline cause should be wrapped: %v", err)
	}
}

func TestClientReportsFinalURLAfterRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old/top", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new/top?"+r.URL.RawQuery, http.StatusFound)
	})
	mux.HandleFunc("/new/top", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"result":{"top_0":[{"name":"IR","value":1}]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := testClient(srv.URL, &recordingSink{}).Do(context.Background(), Request{Path: "/old/top", Params: testParams(), Source: SourcePublic})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp.URL, "/new/top?") {
		t.Fatalf("expected the redirected url, got %s", resp.URL)
	}
}
