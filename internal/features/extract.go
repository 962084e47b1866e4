package features

import (
	"sort"
	"strings"

	"github.com/raaihank/ad-sentinel/internal/flow"
)

// TextExtractor renders the part of a record that is tokenized and searched.
type TextExtractor func(*flow.Record) string

// URIPath renders the request line path.
func URIPath(r *flow.Record) string {
	return r.URI + " HTTP/1.1\r\n"
}

// URIHost renders the request path and the host header.
func URIHost(r *flow.Record) string {
	return URIPath(r) + "host: " + r.Host + "\r\n"
}

// URIHeaders renders the path, host and every other header.
func URIHeaders(r *flow.Record) string {
	return URIHost(r) + headerLines(r.Headers, nil)
}

// URIEasyList renders the path, host, referer and content type, the fields
// filter lists key on.
func URIEasyList(r *flow.Record) string {
	return URIHost(r) + headerLines(r.Headers, map[string]bool{
		"referer":      true,
		"content-type": true,
	})
}

// headerLines renders headers other than host as "K: V\r\n" lines, sorted by
// key. A non-nil allow set restricts the output to those lowercased keys.
func headerLines(headers map[string]string, allow map[string]bool) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		lower := strings.ToLower(k)
		if lower == "host" {
			continue
		}
		if allow != nil && !allow[lower] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	return b.String()
}
