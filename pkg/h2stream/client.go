package h2stream

import (
	"context"

	"github.com/zazzel/h2stream/internal/h2/conn"
	"github.com/zazzel/h2stream/internal/h2/frame"
	"github.com/zazzel/h2stream/internal/h2/stream"
	"github.com/zazzel/h2stream/internal/h2/transport"
)

// Stream is the per-stream handle returned by NewStream. Its blocking
// operations (GetHeaders, GetNextChunk, WriteHeaders, WriteChunk, Shutdown)
// pump the connection while they wait, so a client needs no background
// goroutine of its own.
type Stream = stream.Stream

// Client is one HTTP/2 client connection.
type Client struct {
	cfg  Config
	conn *conn.Conn
}

// Dial connects to addr, performs the preface exchange, and returns a client
// ready to open streams.
func Dial(ctx context.Context, network, addr string, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	c, err := transport.Dial(dialCtx, network, addr, conn.Options{
		Logger:               cfg.Logger,
		InitialWindowSize:    cfg.InitialWindowSize,
		MaxFrameSize:         cfg.MaxFrameSize,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		HeaderTableSize:      cfg.HeaderTableSize,
	})
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, conn: c}, nil
}

// NewStream opens the next locally initiated stream. It fails once the peer
// has sent GOAWAY or its concurrent-stream limit is reached.
func (c *Client) NewStream() (*Stream, error) {
	return c.conn.OpenStream()
}

// Ping round-trips an 8-byte payload and blocks until the peer acknowledges
// it or ctx expires.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// GoAwayReceived reports whether the server has started shutting the
// connection down, and the last stream id it promised to process.
func (c *Client) GoAwayReceived() (bool, uint32) {
	return c.conn.GoAwayReceived()
}

// Shutdown announces a graceful close with GOAWAY(NO_ERROR) and closes the
// transport.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.conn.Shutdown(ctx, frame.ErrCodeNo)
}

// Close tears the connection down without a GOAWAY exchange.
func (c *Client) Close() error {
	return c.conn.Close()
}
