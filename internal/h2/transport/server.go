// Package transport bridges connections onto the per-stream layer: a
// gnet-based server transport that performs the HTTP/2 preface exchange and
// feeds traffic into a connection, and a plain dialer for clients.
package transport

import (
	"bytes"
	"context"
	"log"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/zazzel/h2stream/internal/h2/conn"
	"github.com/zazzel/h2stream/internal/h2/frame"
	"github.com/zazzel/h2stream/internal/h2/stream"
)

// verboseLogging controls hot-path logging for performance-sensitive operations.
const verboseLogging = false

// Preface is the client connection preface of RFC 7540 §3.5.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// prefaceTimeout bounds how long a connection may dribble preface bytes
// before it is rejected.
const prefaceTimeout = time.Second

// Handler is invoked once per peer-initiated stream, on its own goroutine.
// It drives the stream through its blocking API.
type Handler func(*conn.Conn, *stream.Stream)

// Config defines the configuration options for the HTTP/2 transport server.
type Config struct {
	Addr                 string
	Multicore            bool
	NumEventLoop         int
	ReusePort            bool
	Logger               *log.Logger
	MaxConcurrentStreams uint32
	MaxFrameSize         uint32
	InitialWindowSize    uint32
}

// Server implements the gnet.EventHandler interface, owning the accept loop
// and the preface exchange for every inbound HTTP/2 connection.
type Server struct {
	gnet.BuiltinEventEngine
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     Config
	logger  *log.Logger
	engine  gnet.Engine

	activeConnsMu sync.Mutex
	activeConns   []gnet.Conn
}

// NewServer creates a gnet-backed HTTP/2 server delivering peer streams to
// handler.
func NewServer(handler Handler, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Start runs the gnet event loop. It blocks until the server stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	s.logger.Printf("Starting HTTP/2 server on %s", s.cfg.Addr)
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop sends GOAWAY on every live connection and stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()
	for _, c := range conns {
		if link, ok := c.Context().(*serverConn); ok && link.h2 != nil {
			_ = link.h2.Shutdown(ctx, frame.ErrCodeNo)
		}
	}
	return s.engine.Stop(ctx)
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Printf("HTTP/2 server is listening on %s (multicore: %v)", s.cfg.Addr, s.cfg.Multicore)
	return gnet.None
}

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	c.SetContext(newServerConn(s, c))
	s.activeConnsMu.Lock()
	s.activeConns = append(s.activeConns, c)
	s.activeConnsMu.Unlock()
	return nil, gnet.None
}

// OnClose is called when a connection is closed.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if link, ok := c.Context().(*serverConn); ok {
		link.close()
	}
	s.activeConnsMu.Lock()
	for i, ac := range s.activeConns {
		if ac == c {
			s.activeConns[i] = s.activeConns[len(s.activeConns)-1]
			s.activeConns = s.activeConns[:len(s.activeConns)-1]
			break
		}
	}
	s.activeConnsMu.Unlock()
	if err != nil && verboseLogging {
		s.logger.Printf("Connection closed with error: %v", err)
	}
	return gnet.None
}

// OnTraffic is called when data is received on a connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	link, ok := c.Context().(*serverConn)
	if !ok {
		return gnet.Close
	}
	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	if err := link.feed(s.ctx, buf); err != nil {
		s.logger.Printf("h2: closing connection: %v", err)
		return gnet.Close
	}
	return gnet.None
}

// serverConn adapts one gnet connection to the connection layer: the gnet
// event loop pushes received bytes into an inbox the frame reader drains,
// and frame writes go back out through gnet.
type serverConn struct {
	srv   *Server
	gc    gnet.Conn
	inbox *inbox
	h2    *conn.Conn

	prefaceDone  bool
	prefaceStart time.Time
	pending      bytes.Buffer
}

func newServerConn(s *Server, gc gnet.Conn) *serverConn {
	return &serverConn{srv: s, gc: gc, inbox: newInbox(), prefaceStart: time.Now()}
}

// feed consumes bytes from the event loop: first the preface, then frame
// bytes routed to the connection's reader.
func (sc *serverConn) feed(ctx context.Context, data []byte) error {
	if sc.prefaceDone {
		return sc.inbox.push(data)
	}

	sc.pending.Write(data)
	have := sc.pending.Bytes()
	if len(have) < len(Preface) {
		if !bytes.HasPrefix([]byte(Preface), have) {
			return frame.ProtocolError("invalid connection preface prefix %q", have)
		}
		if time.Since(sc.prefaceStart) > prefaceTimeout {
			return frame.ProtocolError("connection preface timed out")
		}
		return nil
	}
	if string(have[:len(Preface)]) != Preface {
		return frame.ProtocolError("invalid connection preface")
	}
	rest := have[len(Preface):]
	sc.prefaceDone = true

	sc.h2 = conn.New(&gnetLink{gc: sc.gc, inbox: sc.inbox}, conn.Options{
		Role:                 stream.RoleServer,
		Logger:               sc.srv.logger,
		InitialWindowSize:    sc.srv.cfg.InitialWindowSize,
		MaxFrameSize:         sc.srv.cfg.MaxFrameSize,
		MaxConcurrentStreams: sc.srv.cfg.MaxConcurrentStreams,
		OnPeerStream: func(s *stream.Stream) {
			go sc.srv.handler(sc.h2, s)
		},
	})
	if err := sc.h2.Start(ctx); err != nil {
		return err
	}
	go sc.pump(ctx)

	if len(rest) > 0 {
		if err := sc.inbox.push(rest); err != nil {
			return err
		}
	}
	sc.pending.Reset()
	return nil
}

// pump drives the connection's dispatcher. Application goroutines pump too
// while they block, but a server connection needs at least one pumper before
// any stream exists.
func (sc *serverConn) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.h2.Readable():
			if err := sc.h2.Step(ctx); err != nil {
				_ = sc.h2.Close()
				return
			}
		}
	}
}

func (sc *serverConn) close() {
	sc.inbox.closeWith(nil)
	if sc.h2 != nil {
		_ = sc.h2.Close()
	}
}

// gnetLink is the io.ReadWriteCloser a connection runs over: reads drain the
// inbox filled by OnTraffic, writes go out asynchronously through gnet.
type gnetLink struct {
	gc    gnet.Conn
	inbox *inbox
}

func (l *gnetLink) Read(p []byte) (int, error) { return l.inbox.read(p) }

func (l *gnetLink) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := l.gc.AsyncWrite(buf, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *gnetLink) Close() error { return l.gc.Close() }
