package transport

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frankli0324/go-dispatch/internal/model"
)

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteRequestLine("PUT", "/a?b=1"))
	require.NoError(t, w.WriteHeader("Host", "example.com"))
	require.NoError(t, w.WriteHeader("x-123-vv", "1"))
	assert.Zero(t, buf.Len(), "headers must stay buffered until EndHeaders")

	require.NoError(t, w.EndHeaders())
	require.NoError(t, w.WriteBody([]byte("<xml/>")))
	assert.Equal(t, "PUT /a?b=1 HTTP/1.1\r\nHost: example.com\r\nx-123-vv: 1\r\n\r\n<xml/>", buf.String())
}

func TestWriterRejectsInjection(t *testing.T) {
	w := NewWriter(io.Discard)
	assert.Error(t, w.WriteRequestLine("GET", "/a b"))
	assert.Error(t, w.WriteRequestLine("G ET", "/"))
	assert.ErrorIs(t, w.WriteHeader("X-A", "1\r\nHost: evil"), ErrInvalidHeader)
	assert.ErrorIs(t, w.WriteHeader("X A", "1"), ErrInvalidHeader)
}

func read(t *testing.T, method, raw string) (*Response, []byte) {
	t.Helper()
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), method)
	require.NoError(t, err)
	if resp.Body == nil {
		return resp, nil
	}
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestReadResponse(t *testing.T) {
	resp, body := read(t, "GET", "HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\nX-Ms-Request-Id: abc\r\nContent-Length: 5\r\n\r\nhelloEXTRA")
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, model.Headers{
		{Name: "Content-Type", Value: "text/xml"},
		{Name: "X-Ms-Request-Id", Value: "abc"},
		{Name: "Content-Length", Value: "5"},
	}, resp.Header)
	assert.EqualValues(t, 5, resp.ContentLength)
	assert.Equal(t, "hello", string(body))
}

func TestReadResponseFraming(t *testing.T) {
	t.Run("ZeroLength", func(t *testing.T) {
		resp, _ := read(t, "GET", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
		assert.EqualValues(t, 0, resp.ContentLength)
		assert.Nil(t, resp.Body)
	})
	t.Run("UntilClose", func(t *testing.T) {
		resp, body := read(t, "GET", "HTTP/1.0 200 OK\r\n\r\nall of it")
		assert.EqualValues(t, -1, resp.ContentLength)
		assert.Equal(t, "all of it", string(body))
	})
	t.Run("Chunked", func(t *testing.T) {
		resp, body := read(t, "GET", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n")
		assert.EqualValues(t, -1, resp.ContentLength)
		assert.Equal(t, "abc", string(body))
	})
	t.Run("Head", func(t *testing.T) {
		resp, _ := read(t, "HEAD", "HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n")
		assert.EqualValues(t, 0, resp.ContentLength)
	})
	t.Run("NoContent", func(t *testing.T) {
		resp, _ := read(t, "DELETE", "HTTP/1.1 204 No Content\r\n\r\n")
		assert.EqualValues(t, 0, resp.ContentLength)
	})
	t.Run("Connect", func(t *testing.T) {
		resp, _ := read(t, "CONNECT", "HTTP/1.1 200 Connection established\r\n\r\n")
		assert.EqualValues(t, 0, resp.ContentLength)
		assert.Equal(t, "Connection established", resp.Reason)
	})
	t.Run("EmptyReason", func(t *testing.T) {
		resp, _ := read(t, "GET", "HTTP/1.1 202\r\nContent-Length: 0\r\n\r\n")
		assert.Equal(t, 202, resp.Status)
		assert.Equal(t, "", resp.Reason)
	})
}

func TestReadResponseErrors(t *testing.T) {
	cases := map[string]string{
		"Empty":               "",
		"NotHTTP":             "SSH-2.0-OpenSSH\r\n\r\n",
		"ShortStatus":         "HTTP/1.1 20 OK\r\n\r\n",
		"NonNumericStatus":    "HTTP/1.1 abc OK\r\n\r\n",
		"HeaderWithoutColon":  "HTTP/1.1 200 OK\r\nbroken\r\n\r\n",
		"ConflictingLength":   "HTTP/1.1 200 OK\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\nab",
		"BadLength":           "HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\n",
		"TruncatedHeaderPart": "HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\n",
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			_, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), "GET")
			assert.Error(t, err)
		})
	}
}
