package wsurl

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// QueryString converts a map to a URL query string.
// Keys are sorted alphabetically for deterministic output.
// Keys are path-escaped; values are written as fmt.Sprintf("%v", value)
// without escaping, so callers pass values that are already URL safe.
//
// Example:
//
//	params := map[string]any{"name": "John", "age": 30}
//	qs := QueryString(params) // "age=30&name=John"
func QueryString(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", url.PathEscape(key), params[key]))
	}
	return strings.Join(parts, "&")
}

// AppendQueryParams appends params to rawURL, joining with "&" when rawURL
// already carries a query string and "?" otherwise.
func AppendQueryParams(rawURL string, params map[string]any) string {
	if len(params) == 0 {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + QueryString(params)
}
