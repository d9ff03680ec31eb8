package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/zazzel/h2stream/internal/h2/conn"
	"github.com/zazzel/h2stream/internal/h2/stream"
)

// Dial opens a client HTTP/2 connection: a plain TCP dial followed by the
// connection preface and our SETTINGS. TLS/ALPN is the caller's business; a
// pre-established tls.Conn can be handed to NewClientConn instead.
func Dial(ctx context.Context, network, addr string, opts conn.Options) (*conn.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClientConn(ctx, nc, opts)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClientConn runs the client side of the preface exchange over an
// established transport and starts the connection.
func NewClientConn(ctx context.Context, nc net.Conn, opts conn.Options) (*conn.Conn, error) {
	opts.Role = stream.RoleClient
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetWriteDeadline(deadline)
	}
	if _, err := nc.Write([]byte(Preface)); err != nil {
		return nil, fmt.Errorf("writing connection preface: %w", err)
	}
	_ = nc.SetWriteDeadline(time.Time{})
	c := conn.New(nc, opts)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
