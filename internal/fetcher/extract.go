package fetcher

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Series is an ordered list of labelled values ready for rendering.
type Series struct {
	Labels []string
	Values []float64
}

// Len returns the number of points.
func (s Series) Len() int { return len(s.Labels) }

// Validate rejects empty, ragged or non-finite series with a data error.
func (s Series) Validate() error {
	if len(s.Labels) == 0 || len(s.Values) == 0 {
		return &Error{Kind: KindData, Msg: "series is empty"}
	}
	if len(s.Labels) != len(s.Values) {
		return &Error{Kind: KindData, Msg: "labels and values differ in length"}
	}
	for i, v := range s.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &Error{Kind: KindData, Msg: "value " + strconv.Itoa(i) + " is not finite"}
		}
	}
	return nil
}

type envelopeKind int

const (
	envelopeNone envelopeKind = iota
	envelopeArray
	envelopeResultTop
	envelopeResultData
	envelopeResultSeries
	envelopeNumberedTop
)

func (k envelopeKind) String() string {
	switch k {
	case envelopeArray:
		return "array"
	case envelopeResultTop:
		return "result.top"
	case envelopeResultData:
		return "result.data"
	case envelopeResultSeries:
		return "result.series"
	case envelopeNumberedTop:
		return "top_n"
	}
	return "none"
}

type envelopeStrategy struct {
	kind  envelopeKind
	match func(root gjson.Result) ([]gjson.Result, bool)
}

var envelopeStrategies = []envelopeStrategy{
	{envelopeArray, func(root gjson.Result) ([]gjson.Result, bool) {
		if !root.IsArray() {
			return nil, false
		}
		return root.Array(), true
	}},
	{envelopeResultTop, arrayAt("result.top")},
	{envelopeResultData, arrayAt("result.data")},
	{envelopeResultSeries, arrayAt("result.series")},
	{envelopeNumberedTop, numberedTop},
}

var (
	valueAliases = []string{"value", "count", "requests", "traffic", "ratio", "total", "share"}
	labelAliases = []string{"name", "label", "country", "location", "id", "code", "region"}
)

func arrayAt(path string) func(gjson.Result) ([]gjson.Result, bool) {
	return func(root gjson.Result) ([]gjson.Result, bool) {
		r := root.Get(path)
		if !r.IsArray() {
			return nil, false
		}
		return r.Array(), true
	}
}

// numberedTop collects top_N keys from the root object, or from result when
// the root has none. Keys are visited in lexicographic order.
func numberedTop(root gjson.Result) ([]gjson.Result, bool) {
	for _, scope := range []gjson.Result{root, root.Get("result")} {
		if !scope.IsObject() {
			continue
		}
		entries := make(map[string]gjson.Result)
		scope.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			if strings.HasPrefix(k, "top_") && len(k) > len("top_") {
				if _, err := strconv.Atoi(k[len("top_"):]); err == nil {
					entries[k] = value
				}
			}
			return true
		})
		if len(entries) == 0 {
			continue
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var records []gjson.Result
		for _, k := range keys {
			v := entries[k]
			if v.IsArray() {
				records = append(records, v.Array()...)
			} else {
				records = append(records, v)
			}
		}
		return records, true
	}
	return nil, false
}

func detectEnvelope(root gjson.Result) (envelopeKind, []gjson.Result) {
	for _, s := range envelopeStrategies {
		if records, ok := s.match(root); ok {
			return s.kind, records
		}
	}
	return envelopeNone, nil
}

// Extract pulls up to limit (label, value) pairs out of payload. A limit of
// zero or less means no limit. It never fails: unusable input yields an empty
// Series, which Validate rejects.
func Extract(payload []byte, limit int) Series {
	out := Series{Labels: []string{}, Values: []float64{}}
	if !gjson.ValidBytes(payload) {
		return out
	}

	_, records := detectEnvelope(gjson.ParseBytes(payload))
	for i, rec := range records {
		if limit > 0 && len(out.Values) >= limit {
			break
		}
		if !rec.IsObject() {
			continue
		}
		value, ok := recordValue(rec)
		if !ok {
			continue
		}
		out.Labels = append(out.Labels, recordLabel(rec, i))
		out.Values = append(out.Values, value)
	}
	return out
}

func recordValue(rec gjson.Result) (float64, bool) {
	for _, alias := range valueAliases {
		field := rec.Get(alias)
		if !field.Exists() {
			continue
		}
		if v, ok := coerceNumber(field); ok {
			return v, true
		}
	}
	return 0, false
}

func recordLabel(rec gjson.Result, index int) string {
	for _, alias := range labelAliases {
		field := rec.Get(alias)
		switch field.Type {
		case gjson.String:
			if s := strings.TrimSpace(field.Str); s != "" {
				return s
			}
		case gjson.Number:
			return field.Raw
		}
	}
	return "#" + strconv.Itoa(index+1)
}

func coerceNumber(field gjson.Result) (float64, bool) {
	var v float64
	switch field.Type {
	case gjson.Number:
		parsed, err := strconv.ParseFloat(field.Raw, 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(field.Str), 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
