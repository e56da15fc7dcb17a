package chunked

import (
	"bufio"
	"errors"
	"io"
)

var (
	ErrMalformed = errors.New("malformed chunked encoding")
	ErrTooLarge  = errors.New("http chunk length too large")
)

// NewChunkedReader decodes a chunked message body. chunk extensions
// are ignored and trailer fields after the last chunk are discarded.
func NewChunkedReader(r io.Reader) io.Reader {
	var br *bufio.Reader
	if v, ok := r.(*bufio.Reader); ok {
		br = v
	} else {
		br = bufio.NewReader(r)
	}
	return &chunkedReader{br: br}
}

// br is not embedded so that io.Copy can't reach bufio.Reader.WriteTo
// and bypass the decoding
type chunkedReader struct {
	br                             *bufio.Reader
	currentChunk                   io.Reader
	currentCount, currentChunkSize int64
	done                           bool
}

func (c *chunkedReader) readLine() ([]byte, error) {
	var line []byte
	for {
		l, isPrefix, err := c.br.ReadLine()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = append(line, l...)
		if len(line) > 4096 {
			return nil, ErrTooLarge
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (c *chunkedReader) readChunkHeader() (len uint64, err error) {
	line, err := c.readLine()
	if err != nil {
		return 0, err
	}
	cnt := 0
	for _, b := range line {
		if b == ';' || b == ' ' || b == '\t' { // extensions
			break
		}
		cnt++
		switch {
		case '0' <= b && b <= '9':
			b = b - '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		default:
			return 0, errors.New("invalid byte in chunk length")
		}
		len <<= 4
		len |= uint64(b)
	}
	if cnt == 0 {
		return 0, ErrMalformed
	}
	if cnt >= 16 {
		return 0, ErrTooLarge
	}
	return
}

func (c *chunkedReader) skipTrailer() error {
	for {
		line, err := c.readLine()
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
	}
}

func (c *chunkedReader) Read(p []byte) (n int, err error) {
	if c.done {
		return 0, io.EOF
	}
	if c.currentChunk == nil {
		l, err := c.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if l == 0 {
			if err := c.skipTrailer(); err != nil {
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.currentChunk = io.LimitReader(c.br, int64(l))
		c.currentChunkSize = int64(l)
	}
	n, err = c.currentChunk.Read(p)
	c.currentCount += int64(n)
	if err == io.EOF || c.currentCount == c.currentChunkSize {
		if c.currentCount != c.currentChunkSize {
			return n, io.ErrUnexpectedEOF
		}
		dr, _ := c.br.ReadByte()
		dn, err := c.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
		if dr != '\r' || dn != '\n' {
			return n, ErrMalformed
		}
		c.currentChunk = nil
		c.currentCount = 0
		return n, nil
	}
	return n, err
}
