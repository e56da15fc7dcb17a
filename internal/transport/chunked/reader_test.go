package chunked

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkedReader(t *testing.T) {
	r := NewChunkedReader(strings.NewReader("5\r\nhello\r\n7;ext=1\r\n, world\r\n0\r\nX-Trailer: 1\r\n\r\n"))
	require.NoError(t, iotest.TestReader(r, []byte("hello, world")))
}

func TestChunkedReaderOneByte(t *testing.T) {
	r := NewChunkedReader(iotest.OneByteReader(strings.NewReader("3\r\nabc\r\nA\r\n0123456789\r\n0\r\n\r\n")))
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc0123456789", string(b))
}

func TestChunkedReaderErrors(t *testing.T) {
	cases := map[string]string{
		"Truncated":      "5\r\nhel",
		"BadLength":      "zz\r\nhello\r\n0\r\n\r\n",
		"MissingCRLF":    "5\r\nhelloXX0\r\n\r\n",
		"EmptyLength":    "\r\n",
		"LengthTooLarge": "ffffffffffffffffff\r\n",
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			_, err := io.ReadAll(NewChunkedReader(strings.NewReader(body)))
			assert.Error(t, err)
		})
	}
}
