package stream

import (
	"context"
	"sync"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

// MaxHeaderBufferSize bounds the total size of a header block accumulated
// across CONTINUATION frames (matches h2o's limit).
const MaxHeaderBufferSize = 409600

// Role distinguishes the two ends of a connection.
type Role int

const (
	// RoleClient initiates odd-numbered streams.
	RoleClient Role = iota
	// RoleServer initiates even-numbered streams.
	RoleServer
)

// Conn is the connection collaborator the per-stream layer drives. It owns
// the stream table, the connection-level flow-control window, the HPACK
// contexts, the peer settings, the pong-waiters map and GOAWAY tracking.
type Conn interface {
	// Role reports which end of the connection this is.
	Role() Role
	// WriteFrame writes one framed payload to the wire.
	WriteFrame(ctx context.Context, typ frame.Type, flags frame.Flags, streamID uint32, payload []byte) error
	// Step pumps at most one inbound frame through the dispatcher.
	Step(ctx context.Context) error
	// Readable is closed (level-triggered, replaced after Step) when a frame
	// is waiting to be pumped. Blocking stream APIs race it against their
	// wake channels so a single caller can drive the connection.
	Readable() <-chan struct{}

	// PeerSetting returns the most recent value the peer sent for id,
	// defaulting per RFC 7540. LocalSetting is our own advertised value.
	PeerSetting(id frame.SettingID) uint32
	LocalSetting(id frame.SettingID) uint32
	// SetPeerSettings applies a decoded SETTINGS payload: retunes the HPACK
	// encoder table, adjusts every open stream's flow credits on an
	// INITIAL_WINDOW_SIZE change, and records the values.
	SetPeerSettings(s frame.Settings) *frame.Error
	// AckSettings is invoked when the peer acknowledges our SETTINGS.
	AckSettings()

	// EncodeHeaders and DecodeHeaders run the connection's HPACK contexts.
	// Decoding must happen in frame-arrival order, even for headers that
	// will be discarded, or the dynamic table desynchronises.
	EncodeHeaders(fields []hpack.HeaderField) ([]byte, error)
	DecodeHeaders(block []byte) ([]hpack.HeaderField, error)

	// Connection-level flow-control window.
	ConnCredits() int32
	DebitConnCredits(n int32)
	CreditConnCredits(n int32) *frame.Error
	ConnCreditsWake() <-chan struct{}

	// SignalPong wakes the waiter registered for an 8-byte PING payload.
	// Unknown payloads are ignored.
	SignalPong(data [8]byte)
	// RecordGoAway records the lowest last-stream-id seen in a GOAWAY.
	RecordGoAway(lastStreamID uint32, code frame.ErrCode, debug []byte)

	// StreamByID looks a stream up in the connection's stream table.
	StreamByID(id uint32) (*Stream, bool)
}

// Stream represents one HTTP/2 stream. Stream 0 is the connection-control
// pseudo-stream: it stays idle, carries no flow credits, and serves as the
// root of the priority tree.
type Stream struct {
	ID   uint32
	conn Conn

	mu    sync.Mutex
	state State

	// peerFlowCredits is how many DATA payload bytes the peer will accept
	// from us. Signed: an INITIAL_WINDOW_SIZE decrease can push it negative.
	peerFlowCredits int32
	creditsWake     notifier

	// Priority tree. The lock is shared connection-wide, owned by stream 0,
	// because reprioritisation touches several streams at once. Dependees are
	// non-owning: the stream table is the sole owner of streams.
	treeMu    *sync.Mutex
	parent    *Stream
	dependees map[*Stream]struct{}
	weight    uint16

	rstErr    *frame.Error
	statsSent uint64

	recvHeaders       [][]hpack.HeaderField
	headersWake       notifier
	sawInitialHeaders bool

	// In-progress header block. headerFrags is nil when no block is open;
	// CONTINUATION frames arriving then are a protocol error.
	headerFrags   [][]byte
	headerFragLen int
	headerPad     int // -1 when the initial frame was not padded

	// chunks holds received DATA payloads; a nil entry marks end-of-stream.
	chunks     []*Chunk
	chunksWake notifier
}

const defaultWeight = 16

// NewRoot creates stream 0 for a connection. It owns the priority-tree lock
// that all other streams on the connection share.
func NewRoot(conn Conn) *Stream {
	return &Stream{
		ID:        0,
		conn:      conn,
		state:     StateIdle,
		treeMu:    new(sync.Mutex),
		dependees: make(map[*Stream]struct{}),
		weight:    defaultWeight,
		headerPad: -1,
	}
}

// New creates a stream that initially depends on the connection root with the
// default weight. The initial peer flow credits come from the peer's current
// INITIAL_WINDOW_SIZE.
func New(conn Conn, id uint32, root *Stream) *Stream {
	s := &Stream{
		ID:              id,
		conn:            conn,
		state:           StateIdle,
		peerFlowCredits: int32(conn.PeerSetting(frame.SettingInitialWindowSize)),
		treeMu:          root.treeMu,
		dependees:       make(map[*Stream]struct{}),
		weight:          defaultWeight,
		headerPad:       -1,
	}
	root.treeMu.Lock()
	s.parent = root
	root.dependees[s] = struct{}{}
	root.treeMu.Unlock()
	return s
}

// State returns the current stream state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RSTError returns the error recorded when the stream was reset, if any.
func (s *Stream) RSTError() *frame.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rstErr
}

// StatsSent returns the total DATA payload bytes written on this stream.
func (s *Stream) StatsSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsSent
}

// PeerFlowCredits returns the current send window for this stream.
func (s *Stream) PeerFlowCredits() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerFlowCredits
}

// addPeerCredits credits the stream send window, waking any writer blocked on
// flow control. Overflow past 2^31-1 is a flow-control violation.
func (s *Stream) addPeerCredits(n int32) *frame.Error {
	s.mu.Lock()
	if int64(s.peerFlowCredits)+int64(n) > frame.MaxWindowSize {
		s.mu.Unlock()
		return frame.FlowControlError("stream %d window overflow", s.ID).WithStream(s.ID)
	}
	s.peerFlowCredits += n
	s.mu.Unlock()
	if n > 0 {
		s.creditsWake.broadcast()
	}
	return nil
}

// AdjustPeerCredits applies an INITIAL_WINDOW_SIZE delta from a peer SETTINGS
// change. The window may go negative; writers stay blocked until it recovers.
func (s *Stream) AdjustPeerCredits(delta int32) {
	if s.ID == 0 {
		return
	}
	s.mu.Lock()
	s.peerFlowCredits += delta
	s.mu.Unlock()
	if delta > 0 {
		s.creditsWake.broadcast()
	}
}

// setState transitions the stream, waking queue waiters when it closes so
// they observe the terminal state.
func (s *Stream) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if next == StateClosed && prev != StateClosed {
		s.headersWake.broadcast()
		s.chunksWake.broadcast()
		s.creditsWake.broadcast()
	}
	streamStateTransitions.WithLabelValues(prev.String(), next.String()).Inc()
}
