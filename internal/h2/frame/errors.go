package frame

import (
	"fmt"
	"runtime"
)

// ErrCode is an HTTP/2 error code as used in RST_STREAM and GOAWAY frames.
type ErrCode uint32

// HTTP/2 error codes per RFC 7540 §7
const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (c ErrCode) String() string {
	if name, ok := errCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint32(c))
}

// Known reports whether c is one of the codes defined by RFC 7540.
func (c ErrCode) Known() bool {
	_, ok := errCodeNames[c]
	return ok
}

// Error is a protocol error carrying the RFC error code, a human-readable
// message and the source location it was constructed at. Inbound handlers
// return these as values so the connection layer can choose between GOAWAY
// and RST_STREAM when encoding the code onto the wire.
type Error struct {
	Code     ErrCode
	StreamID uint32
	Msg      string
	file     string
	line     int
}

func (e *Error) Error() string {
	if e.file != "" {
		return fmt.Sprintf("%s: %s (%s:%d)", e.Code, e.Msg, e.file, e.line)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// WithStream returns a copy of e annotated with the stream it occurred on.
func (e *Error) WithStream(id uint32) *Error {
	dup := *e
	dup.StreamID = id
	return &dup
}

func newError(code ErrCode, format string, args ...any) *Error {
	e := &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.file = file
		e.line = line
	}
	return e
}

// ProtocolError constructs a PROTOCOL_ERROR value.
func ProtocolError(format string, args ...any) *Error {
	return newError(ErrCodeProtocol, format, args...)
}

// FrameSizeError constructs a FRAME_SIZE_ERROR value.
func FrameSizeError(format string, args ...any) *Error {
	return newError(ErrCodeFrameSize, format, args...)
}

// FlowControlError constructs a FLOW_CONTROL_ERROR value.
func FlowControlError(format string, args ...any) *Error {
	return newError(ErrCodeFlowControl, format, args...)
}

// StreamClosedError constructs a STREAM_CLOSED value.
func StreamClosedError(format string, args ...any) *Error {
	return newError(ErrCodeStreamClosed, format, args...)
}

// RefusedStreamError constructs a REFUSED_STREAM value.
func RefusedStreamError(format string, args ...any) *Error {
	return newError(ErrCodeRefusedStream, format, args...)
}

// InternalError constructs an INTERNAL_ERROR value.
func InternalError(format string, args ...any) *Error {
	return newError(ErrCodeInternal, format, args...)
}

// CompressionError constructs a COMPRESSION_ERROR value.
func CompressionError(format string, args ...any) *Error {
	return newError(ErrCodeCompression, format, args...)
}

// RSTStreamError constructs the error recorded on a stream reset by the peer.
func RSTStreamError(code ErrCode) *Error {
	if !code.Known() {
		code = ErrCodeInternal
	}
	return newError(code, "stream reset by peer")
}
