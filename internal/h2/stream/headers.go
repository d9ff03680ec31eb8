package stream

import (
	"github.com/zazzel/h2stream/internal/h2/frame"
)

// handleEndHeaders reassembles the buffered header-block fragments, strips
// and validates padding recorded from the initial frame, runs the HPACK
// decoder, and enqueues the decoded list. Decoding happens unconditionally in
// arrival order: skipping a block would desynchronise the connection's
// dynamic table.
func (s *Stream) handleEndHeaders() *frame.Error {
	s.mu.Lock()
	frags := s.headerFrags
	total := s.headerFragLen
	pad := s.headerPad
	s.headerFrags = nil
	s.headerFragLen = 0
	s.headerPad = -1
	s.mu.Unlock()

	block := make([]byte, 0, total)
	for _, f := range frags {
		block = append(block, f...)
	}
	if pad >= 0 {
		if pad > len(block) {
			return frame.ProtocolError("header block padding %d exceeds block length %d", pad, len(block)).WithStream(s.ID)
		}
		for _, b := range block[len(block)-pad:] {
			if b != 0 {
				return frame.ProtocolError("header block padding contains non-zero byte").WithStream(s.ID)
			}
		}
		block = block[:len(block)-pad]
	}

	fields, err := s.conn.DecodeHeaders(block)
	if err != nil {
		return frame.CompressionError("hpack decode: %v", err)
	}

	trailer := false
	s.mu.Lock()
	trailer = s.sawInitialHeaders
	s.mu.Unlock()

	if verr := validateReceivedHeaders(fields, s.conn.Role(), trailer); verr != nil {
		return verr.WithStream(s.ID)
	}

	s.mu.Lock()
	s.recvHeaders = append(s.recvHeaders, fields)
	s.sawInitialHeaders = true
	s.mu.Unlock()
	s.headersWake.broadcast()
	return nil
}
