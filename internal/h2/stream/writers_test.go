package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestWriteChunkRespectsStreamWindow(t *testing.T) {
	c := newStubConn(RoleServer)
	c.peer[frame.SettingInitialWindowSize] = 100
	s := c.newStream(1)
	s.setState(StateOpen)

	body := make([]byte, 250)
	done := make(chan error, 1)
	go func() { done <- s.WriteChunk(context.Background(), body, true) }()

	// One full frame drains the window; the writer then stalls on credits.
	waitFor(t, "window exhaustion", func() bool {
		return len(c.sentFrames()) == 1 && s.PeerFlowCredits() == 0
	})

	select {
	case err := <-done:
		t.Fatalf("writer finished with window exhausted: %v", err)
	default:
	}

	// A 100-byte update lets exactly one more full frame out before the
	// window is exhausted again; a second one covers the 50-byte tail.
	if err := s.HandleFrame(frame.TypeWindowUpdate, 0, frame.PutUint32(nil, 100)); err != nil {
		t.Fatalf("WINDOW_UPDATE: %v", err)
	}
	waitFor(t, "second window exhaustion", func() bool {
		return len(c.sentFrames()) == 2 && s.PeerFlowCredits() == 0
	})
	if err := s.HandleFrame(frame.TypeWindowUpdate, 0, frame.PutUint32(nil, 100)); err != nil {
		t.Fatalf("second WINDOW_UPDATE: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	sent := c.sentFrames()
	if len(sent) != 3 {
		t.Fatalf("expected 3 DATA frames, got %d", len(sent))
	}
	for i, want := range []int{100, 100, 50} {
		if sent[i].Type != frame.TypeData || len(sent[i].Payload) != want {
			t.Errorf("frame %d: expected %d-byte DATA, got %d-byte %s", i, want, len(sent[i].Payload), sent[i].Type)
		}
		endStream := sent[i].Flags.Has(frame.FlagEndStream)
		if endStream != (i == 2) {
			t.Errorf("frame %d: END_STREAM = %v", i, endStream)
		}
	}
	if got := s.StatsSent(); got != 250 {
		t.Errorf("expected 250 bytes accounted, got %d", got)
	}
}

func TestWriteChunkRespectsConnectionWindow(t *testing.T) {
	c := newStubConn(RoleServer)
	c.credits = 40
	s := c.newStream(1)
	s.setState(StateOpen)

	done := make(chan error, 1)
	go func() { done <- s.WriteChunk(context.Background(), make([]byte, 100), true) }()

	waitFor(t, "connection window exhaustion", func() bool {
		return c.ConnCredits() == 0 && len(c.sentFrames()) == 1
	})

	if err := c.CreditConnCredits(60); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	sent := c.sentFrames()
	if len(sent) != 2 || len(sent[0].Payload) != 40 || len(sent[1].Payload) != 60 {
		t.Fatalf("expected 40+60 byte frames, got %+v", sent)
	}
}

func TestWriteChunkSplitsAtMaxFrameSize(t *testing.T) {
	c := newStubConn(RoleServer)
	c.peer[frame.SettingMaxFrameSize] = 16384
	s := c.newStream(1)
	s.setState(StateOpen)

	if err := s.WriteChunk(context.Background(), make([]byte, 20000), false); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	sent := c.sentFrames()
	if len(sent) != 2 || len(sent[0].Payload) != 16384 || len(sent[1].Payload) != 3616 {
		t.Fatalf("expected 16384+3616 byte frames, got %d frames", len(sent))
	}
}

func TestWriteChunkEmptyEndStream(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)

	if err := s.WriteChunk(context.Background(), nil, true); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	sent := c.sentFrames()
	if len(sent) != 1 || len(sent[0].Payload) != 0 || !sent[0].Flags.Has(frame.FlagEndStream) {
		t.Fatalf("expected one empty END_STREAM DATA frame, got %+v", sent)
	}
	if got := s.State(); got != StateHalfClosedLocal {
		t.Errorf("expected half closed (local), got %s", got)
	}
}

func TestWriteChunkTimesOutOnStall(t *testing.T) {
	c := newStubConn(RoleServer)
	c.peer[frame.SettingInitialWindowSize] = 0
	s := c.newStream(1)
	s.setState(StateOpen)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.WriteChunk(ctx, []byte("stalled"), false)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestWriteChunkSurfacesResetWhileBlocked(t *testing.T) {
	c := newStubConn(RoleServer)
	c.peer[frame.SettingInitialWindowSize] = 0
	s := c.newStream(1)
	s.setState(StateOpen)

	done := make(chan error, 1)
	go func() { done <- s.WriteChunk(context.Background(), []byte("data"), false) }()

	time.Sleep(10 * time.Millisecond)
	if err := s.HandleFrame(frame.TypeRSTStream, 0, frame.PutUint32(nil, uint32(frame.ErrCodeCancel))); err != nil {
		t.Fatal(err)
	}

	err := <-done
	var perr *frame.Error
	if !errors.As(err, &perr) || perr.Code != frame.ErrCodeCancel {
		t.Errorf("expected CANCEL reset error, got %v", err)
	}
}

func TestWriteDataPaddingDebitsFramedLength(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)

	before := s.PeerFlowCredits()
	connBefore := c.ConnCredits()
	if err := s.writeDataFrame(context.Background(), []byte("hello"), false, 4); err != nil {
		t.Fatalf("writeDataFrame: %v", err)
	}
	// 1 pad-length byte + 5 data + 4 padding.
	framed := int32(10)
	if got := s.PeerFlowCredits(); got != before-framed {
		t.Errorf("stream window: expected %d, got %d", before-framed, got)
	}
	if got := c.ConnCredits(); got != connBefore-framed {
		t.Errorf("connection window: expected %d, got %d", connBefore-framed, got)
	}
	sent := c.sentFrames()
	if len(sent) != 1 || !sent[0].Flags.Has(frame.FlagPadded) || len(sent[0].Payload) != 10 {
		t.Fatalf("expected one 10-byte padded DATA frame, got %+v", sent)
	}
	if sent[0].Payload[0] != 4 {
		t.Errorf("expected pad length 4, got %d", sent[0].Payload[0])
	}
}

func TestWriteHeadersFragments(t *testing.T) {
	c := newStubConn(RoleClient)
	c.peer[frame.SettingMaxFrameSize] = 16384
	s := c.newStream(1)

	long := make([]byte, 40000)
	for i := range long {
		long[i] = 'a' + byte(i%26)
	}
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.test"},
		{Name: "x-large", Value: string(long)},
	}
	if err := s.WriteHeaders(context.Background(), fields, true); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}

	sent := c.sentFrames()
	if len(sent) < 2 {
		t.Fatalf("expected HEADERS plus CONTINUATION, got %d frames", len(sent))
	}
	if sent[0].Type != frame.TypeHeaders {
		t.Fatalf("first frame must be HEADERS, got %s", sent[0].Type)
	}
	if !sent[0].Flags.Has(frame.FlagEndStream) {
		t.Error("END_STREAM must ride the initial HEADERS")
	}
	for i, f := range sent {
		if i > 0 && f.Type != frame.TypeContinuation {
			t.Errorf("frame %d: expected CONTINUATION, got %s", i, f.Type)
		}
		if i > 0 && f.Flags.Has(frame.FlagEndStream) {
			t.Errorf("frame %d: END_STREAM on a continuation", i)
		}
		endHeaders := f.Flags.Has(frame.FlagEndHeaders)
		if endHeaders != (i == len(sent)-1) {
			t.Errorf("frame %d: END_HEADERS = %v", i, endHeaders)
		}
		if i < len(sent)-1 && len(f.Payload) != 16384 {
			t.Errorf("frame %d: expected full 16384-byte fragment, got %d", i, len(f.Payload))
		}
	}
	if got := s.State(); got != StateHalfClosedLocal {
		t.Errorf("expected half closed (local), got %s", got)
	}
}

func TestWriteRSTStream(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)

	if err := s.WriteRSTStream(context.Background(), frame.ErrCodeCancel); err == nil {
		t.Error("expected error for RST_STREAM from idle")
	}

	s.setState(StateOpen)
	if err := s.WriteRSTStream(context.Background(), frame.ErrCodeCancel); err != nil {
		t.Fatalf("WriteRSTStream: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("expected closed, got %s", got)
	}
	sent := c.sentFrames()
	if len(sent) != 1 || sent[0].Type != frame.TypeRSTStream {
		t.Fatalf("expected one RST_STREAM, got %+v", sent)
	}
	if code := frame.ErrCode(frame.Uint32(sent[0].Payload)); code != frame.ErrCodeCancel {
		t.Errorf("expected CANCEL on the wire, got %s", code)
	}
}

func TestWriteWindowUpdateValidatesIncrement(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	if err := s.WriteWindowUpdate(context.Background(), 0); err == nil {
		t.Error("expected error for zero increment")
	}
	if err := s.WriteWindowUpdate(context.Background(), frame.MaxWindowSize+1); err == nil {
		t.Error("expected error for increment past 2^31-1")
	}
}

func TestWritePriorityOnRoot(t *testing.T) {
	c := newStubConn(RoleServer)
	if err := c.root.WritePriority(context.Background(), frame.PriorityParam{StreamDep: 1}); err == nil {
		t.Error("expected error for PRIORITY on stream 0")
	}
}
