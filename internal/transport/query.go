package transport

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Query is a nested query-parameter set. Nested maps encode with
// bracket notation: {"filter": {"updatedAfter": x}} becomes
// filter[updatedAfter]=x. Nil values are skipped.
type Query map[string]any

// Encode renders the query as a URL-encoded string with deterministic
// key order.
func (q Query) Encode() string {
	values := url.Values{}
	flatten("", q, values)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		for _, v := range values[k] {
			if len(buf) > 0 {
				buf = append(buf, '&')
			}
			buf = append(buf, url.QueryEscape(k)...)
			buf = append(buf, '=')
			buf = append(buf, url.QueryEscape(v)...)
		}
	}
	return string(buf)
}

func flatten(prefix string, v any, out url.Values) {
	switch val := v.(type) {
	case nil:
		// skipped
	case Query:
		flatten(prefix, map[string]any(val), out)
	case map[string]any:
		for k, nested := range val {
			key := k
			if prefix != "" {
				key = prefix + "[" + k + "]"
			}
			flatten(key, nested, out)
		}
	case []any:
		for _, item := range val {
			flatten(prefix+"[]", item, out)
		}
	case []string:
		for _, item := range val {
			flatten(prefix+"[]", item, out)
		}
	default:
		out.Add(prefix, scalarString(val))
	}
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}
