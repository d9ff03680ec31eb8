package stream

import (
	"context"
	"errors"
	"io"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

// ErrTimeout is returned by blocking stream operations when their deadline
// expires. Stream state is left untouched; the call may simply be retried.
var ErrTimeout = errors.New("h2stream: operation timed out")

func timeoutErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// GetHeaders returns the next decoded header list received on this stream,
// blocking until one arrives, the stream closes, or the context deadline
// expires. While waiting it pumps the connection whenever a frame is
// readable, so a single caller is enough to drive the whole connection.
// On a closed stream with nothing queued, the reset error recorded by
// RST_STREAM is surfaced; a cleanly closed stream yields io.EOF.
func (s *Stream) GetHeaders(ctx context.Context) ([]hpack.HeaderField, error) {
	for {
		headersWake := s.headersWake.wait()
		readable := s.conn.Readable()

		s.mu.Lock()
		if len(s.recvHeaders) > 0 {
			fields := s.recvHeaders[0]
			s.recvHeaders = s.recvHeaders[1:]
			s.mu.Unlock()
			return fields, nil
		}
		closed := s.state == StateClosed
		rst := s.rstErr
		s.mu.Unlock()

		if closed {
			if rst != nil {
				return nil, rst
			}
			return nil, io.EOF
		}

		select {
		case <-headersWake:
		case <-readable:
			if err := s.conn.Step(ctx); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, timeoutErr(ctx)
		}
	}
}

// GetNextChunk returns the next DATA payload received on this stream. The
// end-of-stream sentinel yields io.EOF. Each delivered chunk is acknowledged
// immediately, emitting a per-stream and a per-connection WINDOW_UPDATE for
// its original (pre-padding-strip) length.
func (s *Stream) GetNextChunk(ctx context.Context) ([]byte, error) {
	for {
		chunksWake := s.chunksWake.wait()
		readable := s.conn.Readable()

		s.mu.Lock()
		if len(s.chunks) > 0 {
			c := s.chunks[0]
			s.chunks = s.chunks[1:]
			s.mu.Unlock()
			if c == nil {
				return nil, io.EOF
			}
			if err := c.Ack(ctx, false); err != nil {
				return nil, err
			}
			return c.Data, nil
		}
		st := s.state
		rst := s.rstErr
		s.mu.Unlock()

		if st == StateClosed || st == StateHalfClosedRemote {
			if rst != nil {
				return nil, rst
			}
			return nil, io.EOF
		}

		select {
		case <-chunksWake:
		case <-readable:
			if err := s.conn.Step(ctx); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, timeoutErr(ctx)
		}
	}
}

// Shutdown resets the stream unless it is already idle or closed, then drains
// any undelivered chunks. Drained chunks are acknowledged without individual
// window updates; a single connection-level WINDOW_UPDATE for their combined
// original length is written at the end, so the peer recovers credit even for
// data the application never read.
func (s *Stream) Shutdown(ctx context.Context) error {
	st := s.State()
	if st != StateIdle && st != StateClosed {
		if err := s.WriteRSTStream(ctx, frame.ErrCodeNo); err != nil {
			return err
		}
	}

	s.mu.Lock()
	pending := s.chunks
	s.chunks = nil
	s.mu.Unlock()

	total := 0
	for _, c := range pending {
		if c == nil {
			continue
		}
		if err := c.Ack(ctx, true); err != nil {
			return err
		}
		total += c.OriginalLength
	}
	if total > 0 {
		return s.writeConnWindowUpdate(ctx, uint32(total))
	}
	return nil
}
