package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/frankli0324/go-dispatch/internal/model"
	"github.com/frankli0324/go-dispatch/internal/transport/chunked"
)

var (
	ErrMalformedResponse = errors.New("malformed HTTP response")
	ErrInvalidHeader     = errors.New("invalid header field")
)

// Writer writes the request part of an http 1.1 exchange. the request
// line and header fields are buffered and only reach the wire on
// [Writer.EndHeaders], e.g.:
//
//	GET /services/hostedservices HTTP/1.1\r\n
//	Host: management.core.windows.net\r\n
//	x-ms-version: 2014-06-01\r\n
//	\r\n
type Writer struct {
	bw *bufio.Writer // default bufsize is 4096
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

func (w *Writer) WriteRequestLine(method, target string) error {
	if !httpguts.ValidHeaderFieldName(method) { // methods are tokens as well
		return fmt.Errorf("invalid method %q", method)
	}
	if target == "" || strings.ContainsAny(target, " \r\n") {
		return fmt.Errorf("invalid request target %q", target)
	}
	w.bw.WriteString(method)
	w.bw.WriteByte(' ')
	w.bw.WriteString(target)
	_, err := w.bw.WriteString(" HTTP/1.1\r\n")
	return err
}

func (w *Writer) WriteHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("%w: name %q", ErrInvalidHeader, name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: value for %q", ErrInvalidHeader, name)
	}
	w.bw.WriteString(name)
	w.bw.WriteString(": ")
	w.bw.WriteString(value)
	_, err := w.bw.WriteString("\r\n")
	return err
}

func (w *Writer) EndHeaders() error {
	if _, err := w.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *Writer) WriteBody(b []byte) error {
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	return w.bw.Flush()
}

type Response struct {
	Proto  string
	Status int
	Reason string
	Header model.Headers // in wire order, names untouched

	// ContentLength is -1 when the body runs until the stream ends or
	// is chunked, and 0 when the message has no body at all.
	ContentLength int64
	Body          io.Reader
}

// ReadResponse reads a response to a request made with method. the
// returned body reads from br and must be consumed before br is reused.
func ReadResponse(br *bufio.Reader, method string) (*Response, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, ErrMalformedResponse
	}
	resp := &Response{Proto: proto}

	code, reason, _ := strings.Cut(strings.TrimLeft(status, " "), " ")
	if len(code) != 3 {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedResponse, code)
	}
	resp.Status, err = strconv.Atoi(code)
	if err != nil || resp.Status < 100 {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedResponse, code)
	}
	resp.Reason = reason

	if resp.Header, err = readHeader(tp); err != nil {
		return nil, err
	}
	return resp, readTransfer(br, method, resp)
}

// readHeader keeps the order and spelling of header fields, which
// [textproto.Reader.ReadMIMEHeader] would both discard.
func readHeader(tp *textproto.Reader) (model.Headers, error) {
	var h model.Headers
	for {
		line, err := tp.ReadLine()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, line)
		}
		h = append(h, model.Header{Name: name, Value: textproto.TrimString(value)})
	}
}

func readTransfer(br *bufio.Reader, method string, resp *Response) error {
	if noBody(method, resp.Status) {
		resp.ContentLength = 0
		return nil
	}

	for _, f := range resp.Header {
		if strings.EqualFold(f.Name, "Transfer-Encoding") && strings.EqualFold(f.Value, "chunked") {
			resp.ContentLength = -1
			resp.Body = chunked.NewChunkedReader(br)
			return nil
		}
	}

	// Hardening against HTTP request smuggling
	var contentLens []string
	for _, f := range resp.Header {
		if strings.EqualFold(f.Name, "Content-Length") {
			contentLens = append(contentLens, textproto.TrimString(f.Value))
		}
	}
	if len(contentLens) > 1 {
		// Per RFC 7230 Section 3.3.2
		for _, cl := range contentLens[1:] {
			if cl != contentLens[0] {
				return fmt.Errorf("http: message cannot contain multiple Content-Length headers; got %q", contentLens)
			}
		}
	}

	resp.ContentLength = -1
	if len(contentLens) > 0 {
		n, err := strconv.ParseUint(contentLens[0], 10, 63)
		if err != nil {
			return fmt.Errorf("%w: bad Content-Length %q", ErrMalformedResponse, contentLens[0])
		}
		resp.ContentLength = int64(n)
	}

	switch {
	case resp.ContentLength > 0:
		resp.Body = io.LimitReader(br, resp.ContentLength)
	case resp.ContentLength < 0:
		resp.Body = br
	}
	return nil
}

func noBody(method string, status int) bool {
	switch {
	case method == "HEAD":
		return true
	case method == "CONNECT" && status/100 == 2:
		return true
	case status/100 == 1, status == 204, status == 304:
		return true
	}
	return false
}
