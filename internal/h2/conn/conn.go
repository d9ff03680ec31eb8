// Package conn implements the connection-level collaborator of the per-stream
// layer: the stream table, connection-wide settings, HPACK contexts, the
// connection flow-control window, PING matching and GOAWAY tracking, plus the
// frame pump that feeds inbound frames to the stream dispatcher.
package conn

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/h2/frame"
	"github.com/zazzel/h2stream/internal/h2/stream"
)

// verboseLogging controls hot-path logging for performance-sensitive operations.
const verboseLogging = false

// inboundQueueSize bounds how many de-framed payloads the reader goroutine
// may buffer ahead of the dispatcher.
const inboundQueueSize = 64

// ErrGoAwayReceived is returned when a new stream cannot be opened because
// the peer has sent GOAWAY.
var ErrGoAwayReceived = errors.New("h2stream: peer sent GOAWAY")

// ErrTooManyStreams is returned when opening a stream would exceed the peer's
// MAX_CONCURRENT_STREAMS setting.
var ErrTooManyStreams = errors.New("h2stream: peer concurrent stream limit reached")

// Options configures a connection.
type Options struct {
	Role                 stream.Role
	Logger               *log.Logger
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxConcurrentStreams uint32
	HeaderTableSize      uint32

	// OnPeerStream, when set, is invoked whenever the peer opens a stream.
	// Called from the dispatch path; implementations hand the stream off to
	// their own goroutine rather than blocking.
	OnPeerStream func(*stream.Stream)
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	if o.InitialWindowSize == 0 {
		o.InitialWindowSize = frame.DefaultInitialWindowSize
	}
	if o.MaxFrameSize < frame.MinMaxFrameSize {
		o.MaxFrameSize = frame.DefaultMaxFrameSize
	}
	if o.MaxFrameSize > frame.MaxMaxFrameSize {
		o.MaxFrameSize = frame.MaxMaxFrameSize
	}
	if o.MaxConcurrentStreams == 0 {
		o.MaxConcurrentStreams = 100
	}
	if o.HeaderTableSize == 0 {
		o.HeaderTableSize = frame.DefaultHeaderTableSize
	}
}

type rawFrame struct {
	typ      frame.Type
	flags    frame.Flags
	streamID uint32
	payload  []byte
}

// Conn owns one HTTP/2 connection's shared state. Frames are read by a
// dedicated goroutine into a bounded queue; Step drains the queue one frame
// at a time so the blocking stream APIs can drive the connection themselves.
type Conn struct {
	role   stream.Role
	rw     io.ReadWriteCloser
	logger *log.Logger

	writeMu sync.Mutex
	framer  *http2.Framer

	inbound  chan rawFrame
	readable notify
	readDone chan struct{}
	readErr  error
	// stepMu serializes Step so frames dispatch strictly in arrival order
	// even when several blocked callers pump the connection at once. HPACK
	// depends on that order.
	stepMu sync.Mutex

	mu               sync.Mutex
	streams          map[uint32]*stream.Stream
	root             *stream.Stream
	nextStreamID     uint32
	lastPeerStreamID uint32
	openedStreams    uint32

	localSettings frame.Settings
	peerSettings  frame.Settings
	ackedSettings frame.Settings

	// expectContinuation is the stream id owed CONTINUATION frames; while
	// non-zero, any other frame on any stream is a protocol error.
	expectContinuation uint32

	connCredits int32
	creditsWake notify

	pongs map[[8]byte]chan struct{}

	recvGoAway       bool
	recvGoAwayLowest uint32
	goAwayCode       frame.ErrCode
	goAwayWake       notify

	encMu sync.Mutex
	henc  *hpack.Encoder
	hbuf  bytes.Buffer
	hdec  *hpack.Decoder

	onPeerStream func(*stream.Stream)

	closeOnce sync.Once
}

// New wraps rw in a connection. The caller is responsible for any preface
// exchange before frames flow; Start launches the reader goroutine.
func New(rw io.ReadWriteCloser, opts Options) *Conn {
	opts.normalize()
	c := &Conn{
		role:         opts.Role,
		rw:           rw,
		logger:       opts.Logger,
		framer:       http2.NewFramer(rw, nil),
		inbound:      make(chan rawFrame, inboundQueueSize),
		readDone:     make(chan struct{}),
		streams:      make(map[uint32]*stream.Stream),
		connCredits:  frame.DefaultInitialWindowSize,
		pongs:        make(map[[8]byte]chan struct{}),
		peerSettings: make(frame.Settings),
		localSettings: frame.Settings{
			frame.SettingHeaderTableSize:      opts.HeaderTableSize,
			frame.SettingEnablePush:           0,
			frame.SettingMaxConcurrentStreams: opts.MaxConcurrentStreams,
			frame.SettingInitialWindowSize:    opts.InitialWindowSize,
			frame.SettingMaxFrameSize:         opts.MaxFrameSize,
		},
		ackedSettings: make(frame.Settings),
		onPeerStream:  opts.OnPeerStream,
	}
	if opts.Role == stream.RoleClient {
		c.nextStreamID = 1
	} else {
		c.nextStreamID = 2
	}
	c.root = stream.NewRoot(c)
	c.streams[0] = c.root
	c.hbuf.Reset()
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.hdec = hpack.NewDecoder(opts.HeaderTableSize, nil)
	connectionsActive.Inc()
	return c
}

// Start launches the reader goroutine and announces our settings.
func (c *Conn) Start(ctx context.Context) error {
	if err := c.WriteFrame(ctx, frame.TypeSettings, 0, 0, frame.EncodeSettings(c.localSettings)); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.readDone)
		c.readable.broadcast()
	}()
	var hdr [9]byte
	for {
		if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
			c.setReadErr(err)
			return
		}
		h := frame.ParseHeader(hdr)
		payload := make([]byte, h.Length)
		if h.Length > 0 {
			if _, err := io.ReadFull(c.rw, payload); err != nil {
				c.setReadErr(err)
				return
			}
		}
		if verboseLogging {
			c.logger.Printf("h2: recv %s len=%d stream=%d flags=%#x", h.Type, h.Length, h.StreamID, h.Flags)
		}
		c.inbound <- rawFrame{typ: h.Type, flags: h.Flags, streamID: h.StreamID, payload: payload}
		c.readable.broadcast()
	}
}

func (c *Conn) setReadErr(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
}

// Role reports which end of the connection this is.
func (c *Conn) Role() stream.Role { return c.role }

// Root returns stream 0.
func (c *Conn) Root() *stream.Stream { return c.root }

// Readable returns a channel that is ready when at least one inbound frame is
// waiting, or when the reader has stopped. Level-triggered: callers re-check
// by calling Step.
func (c *Conn) Readable() <-chan struct{} {
	if len(c.inbound) > 0 {
		ready := make(chan struct{})
		close(ready)
		return ready
	}
	select {
	case <-c.readDone:
		ready := make(chan struct{})
		close(ready)
		return ready
	default:
	}
	return c.readable.wait()
}

// Step pumps at most one inbound frame through the dispatcher. With nothing
// queued it returns immediately: nil while the reader is alive, the read
// error once it has stopped (io.ErrClosedPipe when the reader ended cleanly).
func (c *Conn) Step(ctx context.Context) error {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	select {
	case f := <-c.inbound:
		return c.dispatch(ctx, f)
	default:
	}
	select {
	case <-c.readDone:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil || errors.Is(err, io.EOF) {
			return io.ErrClosedPipe
		}
		return err
	default:
		return nil
	}
}

// dispatch routes one de-framed payload. Stream-scoped protocol errors reset
// the stream; connection-scoped ones send GOAWAY and surface to the caller.
func (c *Conn) dispatch(ctx context.Context, f rawFrame) error {
	if perr := c.checkFrame(f); perr != nil {
		return c.fail(ctx, perr)
	}

	s, created, perr := c.streamFor(f)
	if perr != nil {
		return c.fail(ctx, perr)
	}
	if created && c.onPeerStream != nil && f.typ != frame.TypePriority {
		c.onPeerStream(s)
	}
	if s == nil {
		// Frame for a stream we no longer track (e.g. WINDOW_UPDATE racing
		// our RST_STREAM); drop it.
		return nil
	}

	c.trackContinuation(f)
	if perr := s.HandleFrame(f.typ, f.flags, f.payload); perr != nil {
		return c.fail(ctx, perr)
	}
	return nil
}

// checkFrame applies the connection-wide frame invariants: size against our
// advertised MAX_FRAME_SIZE and the CONTINUATION adjacency rule.
func (c *Conn) checkFrame(f rawFrame) *frame.Error {
	if uint32(len(f.payload)) > c.LocalSetting(frame.SettingMaxFrameSize) {
		return frame.FrameSizeError("frame of %d bytes exceeds advertised MAX_FRAME_SIZE %d",
			len(f.payload), c.LocalSetting(frame.SettingMaxFrameSize))
	}
	c.mu.Lock()
	expect := c.expectContinuation
	c.mu.Unlock()
	if expect != 0 && (f.typ != frame.TypeContinuation || f.streamID != expect) {
		return frame.ProtocolError("expected CONTINUATION for stream %d, got %s on stream %d",
			expect, f.typ, f.streamID)
	}
	return nil
}

// trackContinuation records whether the header block started or continued by
// f still owes CONTINUATION frames.
func (c *Conn) trackContinuation(f rawFrame) {
	switch f.typ {
	case frame.TypeHeaders, frame.TypePushPromise:
		c.mu.Lock()
		if f.flags.Has(frame.FlagEndHeaders) {
			c.expectContinuation = 0
		} else {
			c.expectContinuation = f.streamID
		}
		c.mu.Unlock()
	case frame.TypeContinuation:
		if f.flags.Has(frame.FlagEndHeaders) {
			c.mu.Lock()
			c.expectContinuation = 0
			c.mu.Unlock()
		}
	}
}

// streamFor resolves the target stream, creating one for peer-initiated
// HEADERS/PUSH_PROMISE/PRIORITY. Unknown frame types on an untracked stream
// are dropped here; on a tracked stream they reach HandleFrame, which
// ignores them.
func (c *Conn) streamFor(f rawFrame) (*stream.Stream, bool, *frame.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[f.streamID]; ok {
		return s, false, nil
	}
	switch f.typ {
	case frame.TypeHeaders, frame.TypePushPromise, frame.TypePriority:
		if perr := c.validatePeerStreamID(f.streamID); perr != nil {
			return nil, false, perr
		}
		if f.typ != frame.TypePriority {
			limit := c.localSettings.Get(frame.SettingMaxConcurrentStreams)
			if limit != 0 && c.activeLocked() >= limit {
				// The id is consumed even though the stream is refused.
				if f.streamID > c.lastPeerStreamID {
					c.lastPeerStreamID = f.streamID
				}
				return nil, false, frame.RefusedStreamError("stream %d exceeds advertised MAX_CONCURRENT_STREAMS %d",
					f.streamID, limit).WithStream(f.streamID)
			}
		}
		// stream.New reads the peer's INITIAL_WINDOW_SIZE through
		// PeerSetting, which takes mu itself.
		c.mu.Unlock()
		s := stream.New(c, f.streamID, c.root)
		c.mu.Lock()
		c.streams[f.streamID] = s
		if f.streamID > c.lastPeerStreamID {
			c.lastPeerStreamID = f.streamID
		}
		return s, true, nil
	case frame.TypeData:
		return nil, false, frame.StreamClosedError("DATA for unknown stream %d", f.streamID).WithStream(f.streamID)
	case frame.TypeRSTStream, frame.TypeWindowUpdate:
		// Permitted briefly after we close a stream; ignore.
		return nil, false, nil
	case frame.TypeContinuation:
		return nil, false, frame.ProtocolError("CONTINUATION for unknown stream %d", f.streamID).WithStream(f.streamID)
	default:
		return nil, false, nil
	}
}

// validatePeerStreamID enforces parity by role and monotonicity for streams
// the peer initiates. Caller holds mu.
func (c *Conn) validatePeerStreamID(id uint32) *frame.Error {
	if c.role == stream.RoleServer {
		if id%2 == 0 {
			return frame.ProtocolError("client-initiated stream id %d must be odd", id)
		}
	} else if id%2 == 1 {
		return frame.ProtocolError("server-initiated stream id %d must be even", id)
	}
	if id <= c.lastPeerStreamID {
		return frame.ProtocolError("stream id %d not greater than previously seen %d", id, c.lastPeerStreamID)
	}
	return nil
}

// fail reacts to a protocol error from the dispatcher: stream-scoped errors
// reset the stream and let the connection continue; connection-scoped ones
// send GOAWAY and propagate. A stream-scoped error on a stream that is
// untracked, idle or closed also sends GOAWAY, except REFUSED_STREAM, which
// is answered with a bare RST_STREAM.
func (c *Conn) fail(ctx context.Context, perr *frame.Error) error {
	c.logger.Printf("h2: protocol error: %v", perr)
	protocolErrors.WithLabelValues(perr.Code.String()).Inc()
	if perr.StreamID != 0 {
		if s, ok := c.StreamByID(perr.StreamID); ok && s.State() != stream.StateIdle && s.State() != stream.StateClosed {
			if err := s.WriteRSTStream(ctx, perr.Code); err != nil {
				return err
			}
			return nil
		}
		if perr.Code == frame.ErrCodeRefusedStream {
			// The refused stream was never registered, so reset it directly.
			payload := frame.PutUint32(nil, uint32(perr.Code))
			if err := c.WriteFrame(ctx, frame.TypeRSTStream, 0, perr.StreamID, payload); err != nil {
				return err
			}
			return nil
		}
	}
	_ = c.writeGoAway(ctx, perr.Code, []byte(perr.Msg))
	return perr
}

// WriteFrame writes one framed payload to the wire. A context deadline is
// applied as a write deadline when the underlying transport supports one.
func (c *Conn) WriteFrame(ctx context.Context, typ frame.Type, flags frame.Flags, streamID uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if nc, ok := c.rw.(net.Conn); ok {
		if deadline, has := ctx.Deadline(); has {
			_ = nc.SetWriteDeadline(deadline)
			defer nc.SetWriteDeadline(time.Time{})
		}
	}
	if verboseLogging {
		c.logger.Printf("h2: send %s len=%d stream=%d flags=%#x", typ, len(payload), streamID, flags)
	}
	return c.framer.WriteRawFrame(http2.FrameType(typ), http2.Flags(flags), streamID, payload)
}

func (c *Conn) writeGoAway(ctx context.Context, code frame.ErrCode, debug []byte) error {
	c.mu.Lock()
	last := c.lastPeerStreamID
	c.mu.Unlock()
	payload := frame.PutUint32(nil, last&frame.StreamIDMask)
	payload = frame.PutUint32(payload, uint32(code))
	payload = append(payload, debug...)
	return c.WriteFrame(ctx, frame.TypeGoAway, 0, 0, payload)
}

// PeerSetting returns the most recent value the peer sent for id, falling
// back to the RFC default.
func (c *Conn) PeerSetting(id frame.SettingID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerSettings.Get(id)
}

// LocalSetting returns our own advertised value for id.
func (c *Conn) LocalSetting(id frame.SettingID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSettings.Get(id)
}

// AckedSetting returns the last local value the peer has acknowledged.
func (c *Conn) AckedSetting(id frame.SettingID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ackedSettings.Get(id)
}

// SetPeerSettings applies a decoded SETTINGS payload: retunes the HPACK
// encoder (the table-size update is emitted at the front of the next header
// block), shifts every stream's send window on an INITIAL_WINDOW_SIZE change,
// and records the values.
func (c *Conn) SetPeerSettings(s frame.Settings) *frame.Error {
	c.mu.Lock()
	oldWindow := c.peerSettings.Get(frame.SettingInitialWindowSize)
	for id, v := range s {
		c.peerSettings[id] = v
	}
	newWindow := c.peerSettings.Get(frame.SettingInitialWindowSize)
	var affected []*stream.Stream
	if newWindow != oldWindow {
		for _, st := range c.streams {
			affected = append(affected, st)
		}
	}
	c.mu.Unlock()

	if v, ok := s[frame.SettingHeaderTableSize]; ok {
		c.encMu.Lock()
		c.henc.SetMaxDynamicTableSize(v)
		c.encMu.Unlock()
	}
	delta := int32(newWindow) - int32(oldWindow)
	for _, st := range affected {
		st.AdjustPeerCredits(delta)
	}
	return nil
}

// AckSettings records that the peer acknowledged our SETTINGS.
func (c *Conn) AckSettings() {
	c.mu.Lock()
	for id, v := range c.localSettings {
		c.ackedSettings[id] = v
	}
	c.mu.Unlock()
}

// EncodeHeaders runs the connection's HPACK encoder over fields.
func (c *Conn) EncodeHeaders(fields []hpack.HeaderField) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	c.hbuf.Reset()
	for _, f := range fields {
		if err := c.henc.WriteField(f); err != nil {
			return nil, err
		}
	}
	block := make([]byte, c.hbuf.Len())
	copy(block, c.hbuf.Bytes())
	return block, nil
}

// DecodeHeaders runs the connection's HPACK decoder over a complete header
// block. Blocks must be decoded in frame-arrival order or the dynamic table
// desynchronises; Step serializes dispatch under stepMu, which guarantees
// that.
func (c *Conn) DecodeHeaders(block []byte) ([]hpack.HeaderField, error) {
	var fields []hpack.HeaderField
	c.hdec.SetEmitFunc(func(hf hpack.HeaderField) {
		fields = append(fields, hf)
	})
	defer c.hdec.SetEmitFunc(nil)
	if _, err := c.hdec.Write(block); err != nil {
		return nil, err
	}
	if err := c.hdec.Close(); err != nil {
		return nil, err
	}
	return fields, nil
}

// ConnCredits returns the connection-level send window.
func (c *Conn) ConnCredits() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connCredits
}

// DebitConnCredits reserves (or, with a negative n, rolls back) connection
// send window.
func (c *Conn) DebitConnCredits(n int32) {
	c.mu.Lock()
	c.connCredits -= n
	c.mu.Unlock()
	if n < 0 {
		c.creditsWake.broadcast()
	}
}

// CreditConnCredits applies a connection-level WINDOW_UPDATE.
func (c *Conn) CreditConnCredits(n int32) *frame.Error {
	c.mu.Lock()
	if int64(c.connCredits)+int64(n) > frame.MaxWindowSize {
		c.mu.Unlock()
		return frame.FlowControlError("connection window overflow")
	}
	c.connCredits += n
	c.mu.Unlock()
	if n > 0 {
		c.creditsWake.broadcast()
	}
	return nil
}

// ConnCreditsWake returns the wake channel for connection window increases.
func (c *Conn) ConnCreditsWake() <-chan struct{} {
	return c.creditsWake.wait()
}

// SignalPong wakes the waiter registered for an 8-byte PING payload. Unknown
// payloads are silently ignored.
func (c *Conn) SignalPong(data [8]byte) {
	c.mu.Lock()
	ch, ok := c.pongs[data]
	if ok {
		delete(c.pongs, data)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Ping writes a PING with a random payload and blocks until the matching ACK
// arrives, pumping the connection while it waits.
func (c *Conn) Ping(ctx context.Context) error {
	var opaque [8]byte
	if _, err := rand.Read(opaque[:]); err != nil {
		return err
	}
	ch := make(chan struct{})
	c.mu.Lock()
	c.pongs[opaque] = ch
	c.mu.Unlock()

	if err := c.WriteFrame(ctx, frame.TypePing, 0, 0, opaque[:]); err != nil {
		c.mu.Lock()
		delete(c.pongs, opaque)
		c.mu.Unlock()
		return err
	}
	pingsSent.Inc()

	for {
		select {
		case <-ch:
			return nil
		case <-c.Readable():
			if err := c.Step(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			c.mu.Lock()
			delete(c.pongs, opaque)
			c.mu.Unlock()
			return ctx.Err()
		}
	}
}

// RecordGoAway records the lowest last-stream-id seen in a GOAWAY and wakes
// anyone waiting on drain.
func (c *Conn) RecordGoAway(lastStreamID uint32, code frame.ErrCode, debug []byte) {
	c.mu.Lock()
	if !c.recvGoAway || lastStreamID < c.recvGoAwayLowest {
		c.recvGoAway = true
		c.recvGoAwayLowest = lastStreamID
		c.goAwayCode = code
	}
	c.mu.Unlock()
	goawayReceived.Inc()
	if len(debug) > 0 && verboseLogging {
		c.logger.Printf("h2: GOAWAY last=%d code=%s debug=%q", lastStreamID, code, debug)
	}
	c.goAwayWake.broadcast()
}

// GoAwayReceived reports whether the peer has sent GOAWAY, and the lowest
// last-stream-id it named.
func (c *Conn) GoAwayReceived() (bool, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvGoAway, c.recvGoAwayLowest
}

// StreamByID looks a stream up in the connection's stream table.
func (c *Conn) StreamByID(id uint32) (*stream.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// OpenStream allocates the next locally-initiated stream id and registers a
// new idle stream for it. Opening fails once the peer has sent GOAWAY or when
// its MAX_CONCURRENT_STREAMS limit is reached.
func (c *Conn) OpenStream() (*stream.Stream, error) {
	c.mu.Lock()
	if c.recvGoAway {
		c.mu.Unlock()
		return nil, ErrGoAwayReceived
	}
	limit := c.peerSettings.Get(frame.SettingMaxConcurrentStreams)
	if limit != 0 && c.activeLocked() >= limit {
		c.mu.Unlock()
		return nil, ErrTooManyStreams
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	c.mu.Unlock()

	s := stream.New(c, id, c.root)
	c.mu.Lock()
	c.streams[id] = s
	c.openedStreams++
	c.mu.Unlock()
	streamsOpened.Inc()
	return s, nil
}

// activeLocked counts streams that are neither idle nor closed. Caller holds mu.
func (c *Conn) activeLocked() uint32 {
	var n uint32
	for id, s := range c.streams {
		if id == 0 {
			continue
		}
		if st := s.State(); st != stream.StateIdle && st != stream.StateClosed {
			n++
		}
	}
	return n
}

// ReleaseStream drops a closed stream from the table, detaching it from the
// priority tree. Dependees re-parent to the released stream's parent.
func (c *Conn) ReleaseStream(id uint32) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	s, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if ok {
		s.RemoveFromTree()
	}
}

// Shutdown sends GOAWAY naming the last peer stream we processed, then closes
// the transport.
func (c *Conn) Shutdown(ctx context.Context, code frame.ErrCode) error {
	err := c.writeGoAway(ctx, code, nil)
	cerr := c.Close()
	if err != nil {
		return err
	}
	return cerr
}

// Close tears the transport down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rw.Close()
		connectionsActive.Dec()
	})
	return err
}
