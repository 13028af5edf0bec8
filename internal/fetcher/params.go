package fetcher

import (
	"encoding/json"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 10
	MinLimit     = 1
	MaxLimit     = 50
)

var dateRangeCodes = map[string]struct{}{
	"1d": {}, "2d": {}, "7d": {}, "14d": {}, "28d": {},
	"4w": {}, "12w": {}, "24w": {}, "52w": {},
}

var dateRangeAliases = map[string]string{
	"last_24_hours": "1d",
	"last_day":      "1d",
	"last_2_days":   "2d",
	"last_7_days":   "7d",
	"last_week":     "7d",
	"last_14_days":  "14d",
	"last_28_days":  "28d",
	"last_4_weeks":  "28d",
	"last_month":    "28d",
	"last_12_weeks": "12w",
	"last_quarter":  "12w",
	"last_24_weeks": "24w",
	"last_52_weeks": "52w",
	"last_year":     "52w",
}

var locationPattern = regexp.MustCompile(`^[A-Z]{2}$`)

// ParamInput is the loosely typed parameter bag accepted by NormalizeParams.
// Limit may be nil, any integer or float kind, a json.Number or a string.
type ParamInput struct {
	DateRange string
	Since     string
	Until     string
	Limit     any
	Location  string
}

// Params is the canonical query for the ranking endpoint.
type Params struct {
	DateRange string
	Since     time.Time
	Until     time.Time
	Limit     int
	Location  string
}

// Absolute reports whether the window is an explicit since/until pair.
func (p Params) Absolute() bool {
	return !p.Since.IsZero()
}

// Values encodes p as query parameters.
func (p Params) Values() url.Values {
	v := url.Values{}
	if p.Absolute() {
		v.Set("dateStart", p.Since.UTC().Format(time.RFC3339))
		v.Set("dateEnd", p.Until.UTC().Format(time.RFC3339))
	} else if p.DateRange != "" {
		v.Set("dateRange", p.DateRange)
	}
	v.Set("limit", strconv.Itoa(p.Limit))
	if p.Location != "" {
		v.Set("location", p.Location)
	}
	v.Set("format", "json")
	return v
}

// NormalizeDateRange maps a code or alias onto the allow-list.
func NormalizeDateRange(raw string) (string, error) {
	code := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := dateRangeAliases[code]; ok {
		return alias, nil
	}
	if _, ok := dateRangeCodes[code]; ok {
		return code, nil
	}
	return "", configError("unsupported date range %q", raw)
}

// NormalizeLimit coerces v to an integer in [MinLimit, MaxLimit].
func NormalizeLimit(v any) (int, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return DefaultLimit, nil
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, configError("limit %q is not a number", n.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, configError("limit %q is not a number", n)
		}
		f = parsed
	default:
		return 0, configError("limit has unsupported type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, configError("limit must be finite")
	}
	f = math.Floor(f)
	if f < MinLimit || f > MaxLimit {
		return 0, configError("limit %v out of range [%d, %d]", f, MinLimit, MaxLimit)
	}
	return int(f), nil
}

// NormalizeLocation upper-cases and validates a 2-letter location code.
// An empty input yields an empty code.
func NormalizeLocation(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", nil
	}
	if !locationPattern.MatchString(code) {
		return "", configError("invalid location %q", raw)
	}
	return code, nil
}

// NormalizeParams validates in against the allow-lists. It performs no I/O.
func NormalizeParams(in ParamInput) (Params, error) {
	var p Params

	since := strings.TrimSpace(in.Since)
	until := strings.TrimSpace(in.Until)
	switch {
	case since != "" && until != "":
		s, err := parseTimestamp(since)
		if err != nil {
			return Params{}, configError("invalid since %q", in.Since)
		}
		u, err := parseTimestamp(until)
		if err != nil {
			return Params{}, configError("invalid until %q", in.Until)
		}
		if !s.Before(u) {
			return Params{}, configError("since must be before until")
		}
		p.Since, p.Until = s.UTC(), u.UTC()
	case since != "" || until != "":
		return Params{}, configError("since and until must be given together")
	default:
		code, err := NormalizeDateRange(in.DateRange)
		if err != nil {
			return Params{}, err
		}
		p.DateRange = code
	}

	limit, err := NormalizeLimit(in.Limit)
	if err != nil {
		return Params{}, err
	}
	p.Limit = limit

	loc, err := NormalizeLocation(in.Location)
	if err != nil {
		return Params{}, err
	}
	p.Location = loc

	return p, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
