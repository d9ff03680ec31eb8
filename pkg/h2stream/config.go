// Package h2stream provides the public surface of the per-stream HTTP/2
// layer: a client that dials a connection and opens streams, a server that
// delivers peer streams to a handler, and the shared configuration.
package h2stream

import (
	"io"
	"log"
	"time"
)

// Config holds the configuration options shared by clients and servers.
type Config struct {
	Addr                 string        // Address to dial or bind to
	Multicore            bool          // Enable multicore mode for the server event loop
	NumEventLoop         int           // Number of event loops (0 for auto-detect)
	ReusePort            bool          // Enable SO_REUSEPORT for load balancing
	DialTimeout          time.Duration // Maximum duration for establishing a connection
	MaxConcurrentStreams uint32        // Maximum concurrent HTTP/2 streams
	MaxFrameSize         uint32        // Maximum HTTP/2 frame size we accept
	InitialWindowSize    uint32        // Initial flow control window we advertise
	HeaderTableSize      uint32        // HPACK dynamic table size we advertise
	Logger               *log.Logger   // Logger for connection events
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Multicore:            true,
		NumEventLoop:         0, // Auto-detect
		ReusePort:            true,
		DialTimeout:          10 * time.Second,
		MaxConcurrentStreams: 100,
		MaxFrameSize:         16384,
		InitialWindowSize:    65535,
		HeaderTableSize:      4096,
		Logger:               newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1 << 24) - 1
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = 65535
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = 4096
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}
