package cache

import (
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL canonicalizes a URL for cache key generation: lowercased host,
// query parameters sorted by name, fragment dropped. Query strings stay
// significant; two URLs differing only in parameter order share a key.
func NormalizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	query := parsed.Query()
	if len(query) == 0 {
		parsed.RawQuery = ""
		return parsed.String()
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sorted strings.Builder
	for i, k := range keys {
		values := query[k]
		sort.Strings(values)
		for j, v := range values {
			if i > 0 || j > 0 {
				sorted.WriteByte('&')
			}
			sorted.WriteString(url.QueryEscape(k))
			sorted.WriteByte('=')
			sorted.WriteString(url.QueryEscape(v))
		}
	}
	parsed.RawQuery = sorted.String()
	return parsed.String()
}

// Key builds the canonical request identity: method plus normalized URL.
func Key(method, rawURL string) string {
	return strings.ToUpper(method) + " " + NormalizeURL(rawURL)
}
