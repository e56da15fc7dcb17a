package model

import "strings"

// safe set used for both the path and query values, on top of the
// unreserved characters
const pathSafe = "/()$=,'"

// Build folds any inline "?query" of Path into Query and rewrites Path
// into its encoded form. It only does work once per request, call
// Redirect to point the request somewhere else and build it again.
func (r *Request) Build() {
	if r.built {
		return
	}
	r.Path, r.Query = NormalizeQuery(r.Path, r.Query)
	r.built = true
}

// Built reports whether Build has already encoded Path.
func (r *Request) Built() bool { return r.built }

// Redirect retargets the request at host and path, keeping its query
// pairs, and rebuilds it. path must not carry a query string.
func (r *Request) Redirect(host, path string) {
	r.Host = host
	r.Path = path
	r.built = false
	r.Build()
}

// NormalizeQuery moves the query string of path after the explicit
// pairs in query and returns the percent-encoded path together with the
// merged pairs. pairs without "=" in the inline query are dropped.
func NormalizeQuery(path string, query []QueryParam) (string, []QueryParam) {
	if p, qs, ok := strings.Cut(path, "?"); ok {
		path = p
		if qs != "" {
			for _, kv := range strings.Split(qs, "&") {
				if name, value, ok := strings.Cut(kv, "="); ok {
					query = append(query, QueryParam{Name: name, Value: value})
				}
			}
		}
	}

	var b strings.Builder
	b.WriteString(Quote(path, pathSafe))
	sep := byte('?')
	for _, q := range query {
		if q.Null {
			continue
		}
		b.WriteByte(sep)
		b.WriteString(Quote(q.Name, pathSafe))
		b.WriteByte('=')
		b.WriteString(Quote(q.Value, pathSafe))
		sep = '&'
	}
	return b.String(), query
}

const upperhex = "0123456789ABCDEF"

// Quote percent-encodes every byte of s outside the unreserved set and
// the extra characters in safe.
func Quote(s, safe string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !shouldKeep(s[i], safe) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	buf := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldKeep(c, safe) {
			buf = append(buf, c)
			continue
		}
		buf = append(buf, '%', upperhex[c>>4], upperhex[c&15])
	}
	return string(buf)
}

func shouldKeep(c byte, safe string) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '_' || c == '.' || c == '-' || c == '~':
		return true
	}
	return strings.IndexByte(safe, c) >= 0
}
