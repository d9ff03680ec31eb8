package stream

import (
	"context"
	"io"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

// Outbound frame writers. Each validates the send-side preconditions for its
// frame type, reserves flow credits before the wire write where applicable,
// rolls the reservation back if the write fails, and applies the state
// transition only on success.

// writeDataFrame writes one DATA frame with optional padding. Both the
// per-stream and the per-connection windows are debited by the entire framed
// payload length, padding included (RFC 7540 §6.9.1). The caller is
// responsible for sizing data within the available credits.
func (s *Stream) writeDataFrame(ctx context.Context, data []byte, endStream bool, padLen uint8) error {
	st := s.State()
	if _, ok := sendDataTransition(st, endStream); !ok {
		if rst := s.RSTError(); rst != nil {
			return rst
		}
		return frame.StreamClosedError("cannot send DATA in state %q", st).WithStream(s.ID)
	}

	payload := data
	var flags frame.Flags
	if endStream {
		flags |= frame.FlagEndStream
	}
	if padLen > 0 {
		flags |= frame.FlagPadded
		padded := make([]byte, 0, 1+len(data)+int(padLen))
		padded = frame.PutUint8(padded, padLen)
		padded = append(padded, data...)
		payload = append(padded, make([]byte, padLen)...)
	}

	framed := int32(len(payload))
	s.mu.Lock()
	s.peerFlowCredits -= framed
	s.mu.Unlock()
	s.conn.DebitConnCredits(framed)

	if err := s.conn.WriteFrame(ctx, frame.TypeData, flags, s.ID, payload); err != nil {
		s.mu.Lock()
		s.peerFlowCredits += framed
		s.mu.Unlock()
		s.conn.DebitConnCredits(-framed)
		return err
	}

	s.mu.Lock()
	s.statsSent += uint64(len(payload))
	s.mu.Unlock()
	framesSent.WithLabelValues(frame.TypeData.String()).Inc()
	dataBytesSent.Add(float64(len(payload)))

	if next, ok := sendDataTransition(st, endStream); ok {
		s.setState(next)
	}
	return nil
}

// writeHeaderBlock writes an encoded header block as a HEADERS frame followed
// by as many CONTINUATION frames as the peer's MAX_FRAME_SIZE requires.
// END_STREAM appears only on the initial HEADERS; END_HEADERS only on the
// final fragment.
func (s *Stream) writeHeaderBlock(ctx context.Context, block []byte, endStream bool) error {
	st := s.State()
	if st == StateClosed || st == StateHalfClosedLocal {
		if rst := s.RSTError(); rst != nil {
			return rst
		}
		return frame.StreamClosedError("cannot send HEADERS in state %q", st).WithStream(s.ID)
	}

	maxFrameSize := int(s.conn.PeerSetting(frame.SettingMaxFrameSize))
	first := true
	remaining := block
	for {
		chunkLen := maxFrameSize
		if len(remaining) < chunkLen {
			chunkLen = len(remaining)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]
		last := len(remaining) == 0

		var flags frame.Flags
		typ := frame.TypeContinuation
		if first {
			typ = frame.TypeHeaders
			if endStream {
				flags |= frame.FlagEndStream
			}
		}
		if last {
			flags |= frame.FlagEndHeaders
		}
		if err := s.conn.WriteFrame(ctx, typ, flags, s.ID, frag); err != nil {
			return err
		}
		framesSent.WithLabelValues(typ.String()).Inc()
		first = false
		if last {
			break
		}
	}

	if next, ok := sendHeadersTransition(st, endStream); ok {
		s.setState(next)
	}
	return nil
}

// WriteHeaders encodes the header list with the connection's HPACK context
// and writes it, fragmenting across CONTINUATION frames as needed.
func (s *Stream) WriteHeaders(ctx context.Context, fields []hpack.HeaderField, endStream bool) error {
	block, err := s.conn.EncodeHeaders(fields)
	if err != nil {
		return err
	}
	return s.writeHeaderBlock(ctx, block, endStream)
}

// WritePriority writes a PRIORITY frame for this stream.
func (s *Stream) WritePriority(ctx context.Context, param frame.PriorityParam) error {
	if s.ID == 0 {
		return frame.InternalError("cannot send PRIORITY for stream 0")
	}
	if err := s.conn.WriteFrame(ctx, frame.TypePriority, 0, s.ID, param.Encode(nil)); err != nil {
		return err
	}
	framesSent.WithLabelValues(frame.TypePriority.String()).Inc()
	return nil
}

// WriteRSTStream resets the stream with the given error code. Sending
// RST_STREAM from the idle state is a caller bug.
func (s *Stream) WriteRSTStream(ctx context.Context, code frame.ErrCode) error {
	st := s.State()
	if _, ok := rstStreamTransition(st); !ok {
		return frame.InternalError("cannot send RST_STREAM on idle stream %d", s.ID)
	}
	if err := s.conn.WriteFrame(ctx, frame.TypeRSTStream, 0, s.ID, frame.PutUint32(nil, uint32(code))); err != nil {
		return err
	}
	framesSent.WithLabelValues(frame.TypeRSTStream.String()).Inc()
	s.mu.Lock()
	if s.rstErr == nil {
		s.rstErr = frame.RSTStreamError(code).WithStream(s.ID)
		s.rstErr.Msg = "stream reset locally"
	}
	s.mu.Unlock()
	s.setState(StateClosed)
	return nil
}

// WriteWindowUpdate grants the peer more room to send on this stream. An
// increment outside (0, 2^31) is a caller bug.
func (s *Stream) WriteWindowUpdate(ctx context.Context, increment uint32) error {
	if increment == 0 || increment > frame.MaxWindowSize {
		return frame.InternalError("WINDOW_UPDATE increment %d out of range", increment)
	}
	payload := frame.PutUint32(nil, increment&frame.StreamIDMask)
	if err := s.conn.WriteFrame(ctx, frame.TypeWindowUpdate, 0, s.ID, payload); err != nil {
		return err
	}
	framesSent.WithLabelValues(frame.TypeWindowUpdate.String()).Inc()
	return nil
}

// WriteChunk sends payload as one or more DATA frames, suspending whenever
// either the per-stream or the per-connection flow-control window is
// exhausted. Each frame carries min(stream credits, connection credits, peer
// MAX_FRAME_SIZE, remaining) bytes; END_STREAM is set only on the final
// frame.
func (s *Stream) WriteChunk(ctx context.Context, payload []byte, endStream bool) error {
	remaining := payload
	for {
		if len(remaining) == 0 {
			if endStream && len(payload) == 0 {
				return s.writeDataFrame(ctx, nil, true, 0)
			}
			return nil
		}

		n, err := s.waitForCredits(ctx, len(remaining))
		if err != nil {
			return err
		}
		last := n == len(remaining)
		if err := s.writeDataFrame(ctx, remaining[:n], endStream && last, 0); err != nil {
			return err
		}
		remaining = remaining[n:]
	}
}

// waitForCredits blocks until both windows are positive and returns how many
// bytes the next DATA frame may carry. While waiting it pumps the connection
// whenever a frame is readable, so WINDOW_UPDATEs are read by the waiter.
func (s *Stream) waitForCredits(ctx context.Context, want int) (int, error) {
	for {
		streamWake := s.creditsWake.wait()
		connWake := s.conn.ConnCreditsWake()
		readable := s.conn.Readable()

		if st := s.State(); st == StateClosed {
			if rst := s.RSTError(); rst != nil {
				return 0, rst
			}
			return 0, io.ErrClosedPipe
		}

		s.mu.Lock()
		streamCredits := s.peerFlowCredits
		s.mu.Unlock()
		connCredits := s.conn.ConnCredits()

		if streamCredits > 0 && connCredits > 0 {
			n := want
			if int(streamCredits) < n {
				n = int(streamCredits)
			}
			if int(connCredits) < n {
				n = int(connCredits)
			}
			if maxFrame := int(s.conn.PeerSetting(frame.SettingMaxFrameSize)); maxFrame < n {
				n = maxFrame
			}
			return n, nil
		}

		flowControlStalls.Inc()
		select {
		case <-streamWake:
		case <-connWake:
		case <-readable:
			if err := s.conn.Step(ctx); err != nil {
				return 0, err
			}
		case <-ctx.Done():
			return 0, timeoutErr(ctx)
		}
	}
}
