package h2stream

import (
	"context"

	"github.com/zazzel/h2stream/internal/h2/conn"
	"github.com/zazzel/h2stream/internal/h2/stream"
	"github.com/zazzel/h2stream/internal/h2/transport"
)

// StreamHandler serves one peer-initiated stream. It runs on its own
// goroutine and drives the stream through its blocking API; returning ends
// the handler but not the stream, which the caller shuts down.
type StreamHandler func(ctx context.Context, s *Stream)

// Server accepts HTTP/2 connections and hands every peer stream to a
// StreamHandler.
type Server struct {
	cfg     Config
	handler StreamHandler
	tr      *transport.Server
}

// NewServer creates a server from cfg. The handler must not be nil.
func NewServer(handler StreamHandler, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, handler: handler}
	s.tr = transport.NewServer(func(_ *conn.Conn, st *stream.Stream) {
		ctx := context.Background()
		s.handler(ctx, st)
		_ = st.Shutdown(ctx)
	}, transport.Config{
		Addr:                 cfg.Addr,
		Multicore:            cfg.Multicore,
		NumEventLoop:         cfg.NumEventLoop,
		ReusePort:            cfg.ReusePort,
		Logger:               cfg.Logger,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxFrameSize:         cfg.MaxFrameSize,
		InitialWindowSize:    cfg.InitialWindowSize,
	})
	return s, nil
}

// Start runs the accept loop. It blocks until Stop is called.
func (s *Server) Start() error {
	return s.tr.Start()
}

// Stop sends GOAWAY on every live connection and stops accepting.
func (s *Server) Stop(ctx context.Context) error {
	return s.tr.Stop(ctx)
}
