package dispatch

import (
	"net/url"
	"regexp"
	"strconv"
	"time"
)

var numericParam = regexp.MustCompile(`^\d*\.?\d*$`)

// isoLayouts are the timestamp shapes accepted for date coercion, broadest
// first.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CoerceParam maps a query-string value onto the type a tenant function
// expects: number, boolean, timestamp, else the literal string.
func CoerceParam(param string) any {
	if param != "" && param != "." && numericParam.MatchString(param) {
		if value, err := strconv.ParseFloat(param, 64); err == nil {
			return value
		}
	}
	if param == "true" || param == "false" {
		return param == "true"
	}
	if ts, ok := parseISO(param); ok {
		return ts
	}
	return param
}

// CoerceQuery coerces every value in a parsed query string, keeping the last
// value for repeated keys.
func CoerceQuery(query url.Values) map[string]any {
	params := make(map[string]any, len(query))
	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		params[key] = CoerceParam(values[len(values)-1])
	}
	return params
}

// CoerceBody walks a decoded JSON body and converts ISO-8601 strings to
// timestamps, recursively through objects and arrays. Numbers and booleans
// already carry their types from JSON decoding.
func CoerceBody(value any) any {
	switch v := value.(type) {
	case string:
		if ts, ok := parseISO(v); ok {
			return ts
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = CoerceBody(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = CoerceBody(item)
		}
		return out
	default:
		return v
	}
}

func parseISO(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02") || s[4] != '-' {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
