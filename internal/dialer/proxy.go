package dialer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/frankli0324/go-dispatch/internal/model"
	"github.com/frankli0324/go-dispatch/internal/transport"
)

// DialContextOverProxy creates a connection to target tunneled through
// the http proxy at proxy. header is sent with the CONNECT request, that
// is where Proxy-Authorization goes.
func (d *CoreDialer) DialContextOverProxy(ctx context.Context, proxy, target string, header model.Headers) (net.Conn, error) {
	conn, err := d.dial(ctx, proxy)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(noDeadline)
	}

	w := transport.NewWriter(conn)
	if err := writeConnect(w, target, header); err != nil {
		conn.Close()
		return nil, err
	}

	// the proxy must not send anything past its response before the
	// tunnel is up, so a buffered reader here doesn't eat tunnel bytes
	br := bufio.NewReader(conn)
	resp, err := transport.ReadResponse(br, "CONNECT")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Status != 200 {
		var s []byte
		if resp.Body != nil {
			s, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))
		}
		conn.Close()
		return nil, fmt.Errorf("proxy server returned error. status:%d, body:%s", resp.Status, string(s))
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, fmt.Errorf("proxy server sent %d unexpected bytes after CONNECT response", br.Buffered())
	}
	return conn, nil
}

func writeConnect(w *transport.Writer, target string, header model.Headers) error {
	if err := w.WriteRequestLine("CONNECT", target); err != nil {
		return err
	}
	if err := w.WriteHeader("Host", target); err != nil {
		return err
	}
	for _, h := range header {
		if err := w.WriteHeader(h.Name, h.Value); err != nil {
			return err
		}
	}
	return w.EndHeaders()
}
