package stream

import (
	"context"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

// inboundHandlers is the dispatch table for the ten frame types of RFC 7540
// §6, keyed by the 8-bit type from the transport header. Payloads arrive
// already de-framed. Handlers mutate the stream and return protocol errors
// as values; they never block and never panic.
var inboundHandlers = map[frame.Type]func(*Stream, frame.Flags, []byte) *frame.Error{
	frame.TypeData:         (*Stream).handleData,
	frame.TypeHeaders:      (*Stream).handleHeaders,
	frame.TypePriority:     (*Stream).handlePriority,
	frame.TypeRSTStream:    (*Stream).handleRSTStream,
	frame.TypeSettings:     (*Stream).handleSettings,
	frame.TypePushPromise:  (*Stream).handlePushPromise,
	frame.TypePing:         (*Stream).handlePing,
	frame.TypeGoAway:       (*Stream).handleGoAway,
	frame.TypeWindowUpdate: (*Stream).handleWindowUpdate,
	frame.TypeContinuation: (*Stream).handleContinuation,
}

// HandleFrame dispatches one inbound frame to this stream. Unknown frame
// types are ignored here; the transport layer owns the RFC rule of
// discarding frames it does not understand.
func (s *Stream) HandleFrame(typ frame.Type, flags frame.Flags, payload []byte) *frame.Error {
	handler, ok := inboundHandlers[typ]
	if !ok {
		return nil
	}
	framesReceived.WithLabelValues(typ.String()).Inc()
	return handler(s, flags, payload)
}

func (s *Stream) handleData(flags frame.Flags, payload []byte) *frame.Error {
	if s.ID == 0 {
		return frame.ProtocolError("DATA frame on the connection control stream")
	}
	st := s.State()
	if st != StateOpen && st != StateHalfClosedLocal {
		return frame.StreamClosedError("DATA received in state %q", st).WithStream(s.ID)
	}

	// original length is the wire size before stripping padding; flow
	// control accounts for the whole framed payload.
	originalLength := len(payload)
	data := payload
	if flags.Has(frame.FlagPadded) {
		if len(data) < 1 {
			return frame.ProtocolError("padded DATA frame with no pad length").WithStream(s.ID)
		}
		padLen := int(data[0])
		rest := data[1:]
		if padLen >= len(rest) {
			return frame.ProtocolError("DATA pad length %d not smaller than remaining payload %d", padLen, len(rest)).WithStream(s.ID)
		}
		for _, b := range rest[len(rest)-padLen:] {
			if b != 0 {
				return frame.ProtocolError("DATA padding contains non-zero byte").WithStream(s.ID)
			}
		}
		data = rest[:len(rest)-padLen]
	}

	endStream := flags.Has(frame.FlagEndStream)
	s.mu.Lock()
	s.chunks = append(s.chunks, &Chunk{stream: s, OriginalLength: originalLength, Data: data})
	if endStream {
		s.chunks = append(s.chunks, nil)
	}
	s.mu.Unlock()

	if endStream {
		if next, ok := recvDataTransition(st, true); ok {
			s.setState(next)
		}
	}
	dataBytesReceived.Add(float64(originalLength))
	s.chunksWake.broadcast()
	return nil
}

func (s *Stream) handleHeaders(flags frame.Flags, payload []byte) *frame.Error {
	if s.ID == 0 {
		return frame.ProtocolError("HEADERS frame on the connection control stream")
	}
	st := s.State()
	if st != StateIdle && st != StateOpen && st != StateHalfClosedLocal {
		return frame.StreamClosedError("HEADERS received in state %q", st).WithStream(s.ID)
	}

	rest := payload
	padLen := -1
	if flags.Has(frame.FlagPadded) {
		if len(rest) < 1 {
			return frame.ProtocolError("padded HEADERS frame with no pad length").WithStream(s.ID)
		}
		padLen = int(rest[0])
		rest = rest[1:]
	}
	if flags.Has(frame.FlagPriority) {
		param, perr := frame.ParsePriorityParam(rest)
		if perr != nil {
			return perr.WithStream(s.ID)
		}
		rest = rest[5:]
		if err := s.applyPriority(param); err != nil {
			return err
		}
	}

	if len(rest) > MaxHeaderBufferSize {
		return frame.ProtocolError("header block of %d bytes exceeds buffer limit %d", len(rest), MaxHeaderBufferSize).WithStream(s.ID)
	}

	s.mu.Lock()
	if s.headerFrags != nil {
		s.mu.Unlock()
		return frame.ProtocolError("HEADERS while a header block is already in progress").WithStream(s.ID)
	}
	s.headerFrags = [][]byte{rest}
	s.headerFragLen = len(rest)
	s.headerPad = padLen
	s.mu.Unlock()

	if flags.Has(frame.FlagEndHeaders) {
		if err := s.handleEndHeaders(); err != nil {
			return err
		}
	}

	if flags.Has(frame.FlagEndStream) {
		if next, ok := recvHeadersTransition(st, true); ok {
			s.setState(next)
		}
		s.mu.Lock()
		s.chunks = append(s.chunks, nil)
		s.mu.Unlock()
		s.chunksWake.broadcast()
	} else if st == StateIdle {
		s.setState(StateOpen)
	}
	return nil
}

func (s *Stream) handlePriority(_ frame.Flags, payload []byte) *frame.Error {
	if s.ID == 0 {
		return frame.ProtocolError("PRIORITY frame on the connection control stream")
	}
	if len(payload) != 5 {
		return frame.FrameSizeError("PRIORITY payload must be 5 bytes, got %d", len(payload)).WithStream(s.ID)
	}
	param, perr := frame.ParsePriorityParam(payload)
	if perr != nil {
		return perr.WithStream(s.ID)
	}
	return s.applyPriority(param)
}

func (s *Stream) handleRSTStream(_ frame.Flags, payload []byte) *frame.Error {
	if s.ID == 0 {
		return frame.ProtocolError("RST_STREAM frame on the connection control stream")
	}
	if len(payload) != 4 {
		return frame.FrameSizeError("RST_STREAM payload must be 4 bytes, got %d", len(payload)).WithStream(s.ID)
	}
	st := s.State()
	if st == StateIdle {
		return frame.ProtocolError("RST_STREAM on idle stream %d", s.ID).WithStream(s.ID)
	}
	code := frame.ErrCode(frame.Uint32(payload))
	s.mu.Lock()
	s.rstErr = frame.RSTStreamError(code).WithStream(s.ID)
	s.mu.Unlock()
	// setState(closed) wakes both queue conditions so any waiter observes
	// the reset.
	s.setState(StateClosed)
	return nil
}

func (s *Stream) handleSettings(flags frame.Flags, payload []byte) *frame.Error {
	if s.ID != 0 {
		return frame.ProtocolError("SETTINGS frame on stream %d", s.ID)
	}
	if flags.Has(frame.FlagAck) {
		if len(payload) != 0 {
			return frame.FrameSizeError("SETTINGS ACK with non-empty payload (%d bytes)", len(payload))
		}
		s.conn.AckSettings()
		return nil
	}
	settings, serr := frame.DecodeSettings(payload, s.conn.Role() == RoleClient)
	if serr != nil {
		return serr
	}
	if err := s.conn.SetPeerSettings(settings); err != nil {
		return err
	}
	if err := s.conn.WriteFrame(context.Background(), frame.TypeSettings, frame.FlagAck, 0, nil); err != nil {
		return frame.InternalError("writing SETTINGS ACK: %v", err)
	}
	framesSent.WithLabelValues(frame.TypeSettings.String()).Inc()
	return nil
}

// handlePushPromise validates the envelope but deliberately does not process
// the promised stream: the receive path for pushed streams is unimplemented
// and receipt fails loudly instead of corrupting stream state.
func (s *Stream) handlePushPromise(flags frame.Flags, payload []byte) *frame.Error {
	if s.conn.Role() != RoleClient {
		return frame.ProtocolError("PUSH_PROMISE received by a server").WithStream(s.ID)
	}
	if s.conn.LocalSetting(frame.SettingEnablePush) == 0 {
		return frame.ProtocolError("PUSH_PROMISE received with push disabled").WithStream(s.ID)
	}
	rest := payload
	if flags.Has(frame.FlagPadded) {
		if len(rest) < 1 {
			return frame.ProtocolError("padded PUSH_PROMISE frame with no pad length").WithStream(s.ID)
		}
		rest = rest[1:]
	}
	if len(rest) < 4 {
		return frame.FrameSizeError("PUSH_PROMISE payload too short for promised stream id").WithStream(s.ID)
	}
	promised := frame.Uint32(rest) & frame.StreamIDMask
	return frame.InternalError("receiving PUSH_PROMISE (promised stream %d) is not implemented", promised).WithStream(s.ID)
}

func (s *Stream) handlePing(flags frame.Flags, payload []byte) *frame.Error {
	if s.ID != 0 {
		return frame.ProtocolError("PING frame on stream %d", s.ID)
	}
	if len(payload) != 8 {
		return frame.FrameSizeError("PING payload must be 8 bytes, got %d", len(payload))
	}
	if flags.Has(frame.FlagAck) {
		var opaque [8]byte
		copy(opaque[:], payload)
		s.conn.SignalPong(opaque)
		return nil
	}
	if err := s.conn.WriteFrame(context.Background(), frame.TypePing, frame.FlagAck, 0, payload); err != nil {
		return frame.InternalError("writing PING ACK: %v", err)
	}
	framesSent.WithLabelValues(frame.TypePing.String()).Inc()
	return nil
}

func (s *Stream) handleGoAway(_ frame.Flags, payload []byte) *frame.Error {
	if s.ID != 0 {
		return frame.ProtocolError("GOAWAY frame on stream %d", s.ID)
	}
	if len(payload) < 8 {
		return frame.FrameSizeError("GOAWAY payload must be at least 8 bytes, got %d", len(payload))
	}
	lastStreamID := frame.Uint32(payload) & frame.StreamIDMask
	code := frame.ErrCode(frame.Uint32(payload[4:]))
	s.conn.RecordGoAway(lastStreamID, code, payload[8:])
	return nil
}

func (s *Stream) handleWindowUpdate(_ frame.Flags, payload []byte) *frame.Error {
	if len(payload) != 4 {
		return frame.FrameSizeError("WINDOW_UPDATE payload must be 4 bytes, got %d", len(payload))
	}
	// The high reserved bit is asserted zero.
	increment := frame.Uint32(payload) & frame.StreamIDMask
	if increment == 0 {
		return frame.ProtocolError("WINDOW_UPDATE with zero increment").WithStream(s.ID)
	}
	if s.ID == 0 {
		return s.conn.CreditConnCredits(int32(increment))
	}
	return s.addPeerCredits(int32(increment))
}

func (s *Stream) handleContinuation(flags frame.Flags, payload []byte) *frame.Error {
	if s.ID == 0 {
		return frame.ProtocolError("CONTINUATION frame on the connection control stream")
	}
	s.mu.Lock()
	if s.headerFrags == nil {
		s.mu.Unlock()
		return frame.ProtocolError("CONTINUATION without a preceding HEADERS").WithStream(s.ID)
	}
	if s.headerFragLen+len(payload) > MaxHeaderBufferSize {
		s.mu.Unlock()
		return frame.ProtocolError("header block exceeds buffer limit %d", MaxHeaderBufferSize).WithStream(s.ID)
	}
	s.headerFrags = append(s.headerFrags, payload)
	s.headerFragLen += len(payload)
	s.mu.Unlock()

	if flags.Has(frame.FlagEndHeaders) {
		return s.handleEndHeaders()
	}
	return nil
}
