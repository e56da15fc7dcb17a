package conn

import (
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/frankli0324/go-dispatch/internal/model"
)

var (
	errNoSession = errors.New("no session configured")
	errSent      = errors.New("request already sent")
)

// buffered collects a request for the connections that hand a complete
// request to net/http. nothing goes out before WriteBody.
type buffered struct {
	target Target
	opened bool
	method string
	path   string
	header model.Headers
	sent   bool
	resp   *http.Response
}

func (b *buffered) open(t Target) {
	b.target, b.opened = t, true
}

func (b *buffered) url() string {
	host := b.target.Host
	if b.target.Port != defaultPort(b.target.Protocol) {
		host = net.JoinHostPort(host, strconv.Itoa(b.target.Port))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return b.target.Protocol + "://" + host + b.path
}

func (b *buffered) WriteRequestLine(method, path string) error {
	if !b.opened {
		return errNotOpen
	}
	b.method, b.path = method, path
	return nil
}

func (b *buffered) WriteHeader(name, value string) error {
	if !b.opened {
		return errNotOpen
	}
	b.header = append(b.header, model.Header{Name: name, Value: value})
	return nil
}

func (b *buffered) EndHeaders() error {
	if !b.opened {
		return errNotOpen
	}
	return nil
}

// begin guards against sending twice, every WriteBody goes through it
func (b *buffered) begin() error {
	if !b.opened {
		return errNotOpen
	}
	if b.sent {
		return errSent
	}
	b.sent = true
	return nil
}

func (b *buffered) ReadResponse() (*RawResponse, error) {
	if b.resp == nil {
		return nil, model.ErrNotSent
	}
	return fromHTTP(b.resp), nil
}

func (b *buffered) close() error {
	if b.resp == nil {
		return nil
	}
	err := b.resp.Body.Close()
	b.resp = nil
	return err
}

// fromHTTP flattens resp. net/http has already folded the header into a
// map, so fields come out sorted by name.
func fromHTTP(resp *http.Response) *RawResponse {
	names := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	var h model.Headers
	for _, k := range names {
		for _, v := range resp.Header[k] {
			h = append(h, model.Header{Name: k, Value: v})
		}
	}

	_, reason, _ := strings.Cut(resp.Status, " ")
	raw := &RawResponse{
		Status:  resp.StatusCode,
		Reason:  reason,
		Headers: h,
		Length:  resp.ContentLength,
		Body:    resp.Body,
	}
	if raw.Reason == "" {
		raw.Reason = http.StatusText(resp.StatusCode)
	}
	if raw.Length == 0 || resp.Body == http.NoBody {
		raw.Length, raw.Body = 0, nil
	}
	return raw
}

func toHTTPHeader(h model.Headers) http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}
