package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRedirectLoop = errors.New("too many 307 redirects")
	ErrNotSent      = errors.New("request has not been sent")
	ErrUnknownKind  = errors.New("unknown connection kind")
)

type Header struct {
	Name  string
	Value string
}

// Headers keeps header fields in the order they were added. names are
// compared case-insensitively on lookup but never rewritten.
type Headers []Header

func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Lower returns a copy of h with every name lowercased, order preserved
func (h Headers) Lower() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for i, f := range h {
		out[i] = Header{strings.ToLower(f.Name), f.Value}
	}
	return out
}

// QueryParam is a single query pair. Null marks a parameter without a
// value, which is dropped when the path is encoded; an empty Value with
// Null unset is still written as "name=".
type QueryParam struct {
	Name  string
	Value string
	Null  bool
}

type Request struct {
	Method string
	Host   string // may carry an explicit ":port"
	Path   string
	Query  []QueryParam
	// Headers are sent in order, fields with an empty value are skipped.
	Headers Headers
	// Body is nil when the request has no body.
	Body []byte
	// Protocol overrides the client protocol ("http" or "https") for
	// this request only.
	Protocol string

	built bool
}

type Response struct {
	Status  int
	Reason  string
	Headers Headers // names are always lowercase
	Body    []byte  // nil when the response carried no body
}

// HTTPError is returned for every response with a status of 300 or
// above, except 307 which is followed.
type HTTPError struct {
	Status  int
	Message string
	Headers Headers
	Body    []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.Status, e.Message)
}
