package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies fetch failures. The value is stable and safe to log.
type Kind string

const (
	KindConfig       Kind = "config"
	KindBadRequest   Kind = "bad_request"
	KindUnauthorized Kind = "unauthorized"
	KindRateLimit    Kind = "rate_limit"
	KindUpstream     Kind = "upstream"
	KindNetwork      Kind = "network"
	KindTimeout      Kind = "timeout"
	KindData         Kind = "data"
	KindUnknown      Kind = "unknown"
)

const maxErrorBody = 2000

// Error is the typed failure returned by every stage of the fetch pipeline.
type Error struct {
	Kind   Kind
	Source Source
	Status int
	URL    string
	Body   string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Source != "" {
		b.WriteString(" [")
		b.WriteString(string(e.Source))
		b.WriteString("]")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the Source Client may repeat the request.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindUpstream, KindNetwork, KindTimeout:
		return true
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// FallbackEligible reports whether auto mode may switch to the other source
// after err. 401 and 403 both count as unauthorized and are eligible.
func FallbackEligible(err error) bool {
	switch KindOf(err) {
	case KindUnauthorized, KindRateLimit, KindUpstream, KindNetwork, KindTimeout:
		return true
	}
	return false
}

func badRequestClass(err error) bool {
	k := KindOf(err)
	return k == KindBadRequest || k == KindConfig
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindUpstream
	case status >= 400:
		return KindBadRequest
	case status == 0:
		return KindNetwork
	}
	return KindUnknown
}

func configError(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	r := []rune(s)
	if len(r) <= maxErrorBody {
		return s
	}
	return string(r[:maxErrorBody]) + "…"
}
