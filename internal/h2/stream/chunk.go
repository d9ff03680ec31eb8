package stream

import (
	"context"
	"errors"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

// ErrChunkAcked is returned when a chunk is acknowledged twice. The read path
// and Shutdown both ack; the guard makes the duplicate a caller bug instead
// of a silent double window credit.
var ErrChunkAcked = errors.New("h2stream: chunk already acknowledged")

// Chunk is a received DATA payload. OriginalLength is the wire length
// including the padding-length byte and padding, which is what flow control
// accounts for; Data holds only the application-visible bytes.
type Chunk struct {
	stream         *Stream
	OriginalLength int
	Data           []byte
	acked          bool
}

// Ack releases the chunk's flow-control credit back to the peer. Unless
// noWindowUpdate is set, a per-stream and a per-connection WINDOW_UPDATE are
// written for the chunk's original length. Ack is not idempotent; the second
// call fails.
func (c *Chunk) Ack(ctx context.Context, noWindowUpdate bool) error {
	if c.acked {
		return ErrChunkAcked
	}
	c.acked = true
	if noWindowUpdate || c.OriginalLength == 0 {
		return nil
	}
	s := c.stream
	if err := s.WriteWindowUpdate(ctx, uint32(c.OriginalLength)); err != nil {
		return err
	}
	return s.writeConnWindowUpdate(ctx, uint32(c.OriginalLength))
}

// writeConnWindowUpdate credits the connection-level window on stream 0.
func (s *Stream) writeConnWindowUpdate(ctx context.Context, increment uint32) error {
	if increment == 0 || increment > frame.MaxWindowSize {
		return frame.InternalError("connection WINDOW_UPDATE increment %d out of range", increment)
	}
	payload := frame.PutUint32(nil, increment&frame.StreamIDMask)
	if err := s.conn.WriteFrame(ctx, frame.TypeWindowUpdate, 0, 0, payload); err != nil {
		return err
	}
	framesSent.WithLabelValues(frame.TypeWindowUpdate.String()).Inc()
	return nil
}
