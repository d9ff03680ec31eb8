package stream

import (
	"bytes"
	"context"
	"sync"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

// sentFrame records one WriteFrame call made by the code under test.
type sentFrame struct {
	Type     frame.Type
	Flags    frame.Flags
	StreamID uint32
	Payload  []byte
}

// stubConn implements Conn in-memory with real HPACK contexts. Written frames
// are recorded instead of hitting a wire; Step is a no-op and Readable never
// fires, so blocking APIs are exercised purely through their wake channels.
type stubConn struct {
	role Role

	mu      sync.Mutex
	sent    []sentFrame
	peer    frame.Settings
	local   frame.Settings
	acked   bool
	credits int32

	creditsWake notifier
	readable    chan struct{}

	streams map[uint32]*Stream
	root    *Stream

	henc    *hpack.Encoder
	hencBuf bytes.Buffer
	hdec    *hpack.Decoder

	goawayLast uint32
	goawayCode frame.ErrCode
	goawaySeen bool

	pongs [][8]byte
}

func newStubConn(role Role) *stubConn {
	c := &stubConn{
		role:     role,
		peer:     frame.Settings{},
		local:    frame.Settings{},
		credits:  65535,
		readable: make(chan struct{}),
		streams:  make(map[uint32]*Stream),
	}
	c.henc = hpack.NewEncoder(&c.hencBuf)
	c.hdec = hpack.NewDecoder(4096, nil)
	c.root = NewRoot(c)
	c.streams[0] = c.root
	return c
}

// newStream registers a stream in the stub's table, dependent on the root.
func (c *stubConn) newStream(id uint32) *Stream {
	s := New(c, id, c.root)
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()
	return s
}

func (c *stubConn) Role() Role { return c.role }

func (c *stubConn) WriteFrame(_ context.Context, typ frame.Type, flags frame.Flags, streamID uint32, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentFrame{Type: typ, Flags: flags, StreamID: streamID, Payload: append([]byte(nil), payload...)})
	return nil
}

func (c *stubConn) sentFrames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.sent...)
}

func (c *stubConn) Step(context.Context) error { return nil }
func (c *stubConn) Readable() <-chan struct{} { return c.readable }

func (c *stubConn) PeerSetting(id frame.SettingID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer.Get(id)
}

func (c *stubConn) LocalSetting(id frame.SettingID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.Get(id)
}

func (c *stubConn) SetPeerSettings(s frame.Settings) *frame.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, v := range s {
		c.peer[id] = v
	}
	return nil
}

func (c *stubConn) AckSettings() {
	c.mu.Lock()
	c.acked = true
	c.mu.Unlock()
}

func (c *stubConn) EncodeHeaders(fields []hpack.HeaderField) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hencBuf.Reset()
	for _, f := range fields {
		if err := c.henc.WriteField(f); err != nil {
			return nil, err
		}
	}
	return append([]byte(nil), c.hencBuf.Bytes()...), nil
}

func (c *stubConn) DecodeHeaders(block []byte) ([]hpack.HeaderField, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fields []hpack.HeaderField
	c.hdec.SetEmitFunc(func(f hpack.HeaderField) { fields = append(fields, f) })
	defer c.hdec.SetEmitFunc(nil)
	if _, err := c.hdec.Write(block); err != nil {
		return nil, err
	}
	if err := c.hdec.Close(); err != nil {
		return nil, err
	}
	return fields, nil
}

func (c *stubConn) ConnCredits() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credits
}

func (c *stubConn) DebitConnCredits(n int32) {
	c.mu.Lock()
	c.credits -= n
	c.mu.Unlock()
	if n < 0 {
		c.creditsWake.broadcast()
	}
}

func (c *stubConn) CreditConnCredits(n int32) *frame.Error {
	c.mu.Lock()
	if int64(c.credits)+int64(n) > frame.MaxWindowSize {
		c.mu.Unlock()
		return frame.FlowControlError("connection window overflow")
	}
	c.credits += n
	c.mu.Unlock()
	c.creditsWake.broadcast()
	return nil
}

func (c *stubConn) ConnCreditsWake() <-chan struct{} { return c.creditsWake.wait() }

func (c *stubConn) SignalPong(data [8]byte) {
	c.mu.Lock()
	c.pongs = append(c.pongs, data)
	c.mu.Unlock()
}

func (c *stubConn) RecordGoAway(lastStreamID uint32, code frame.ErrCode, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.goawaySeen || lastStreamID < c.goawayLast {
		c.goawayLast = lastStreamID
		c.goawayCode = code
	}
	c.goawaySeen = true
}

func (c *stubConn) StreamByID(id uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}
