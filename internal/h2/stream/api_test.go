package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/h2/frame"
)

func TestGetHeadersReturnsQueued(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)

	block, _ := c.EncodeHeaders([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/x"},
	})
	if err := s.HandleFrame(frame.TypeHeaders, frame.FlagEndHeaders, block); err != nil {
		t.Fatal(err)
	}

	fields, err := s.GetHeaders(context.Background())
	if err != nil {
		t.Fatalf("GetHeaders: %v", err)
	}
	if len(fields) != 3 || fields[2].Value != "/x" {
		t.Errorf("unexpected header list: %v", fields)
	}
}

func TestGetHeadersWakesOnArrival(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)

	type result struct {
		fields []hpack.HeaderField
		err    error
	}
	done := make(chan result, 1)
	go func() {
		f, err := s.GetHeaders(context.Background())
		done <- result{f, err}
	}()

	time.Sleep(10 * time.Millisecond)
	block, _ := c.EncodeHeaders([]hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/"},
	})
	if err := s.HandleFrame(frame.TypeHeaders, frame.FlagEndHeaders, block); err != nil {
		t.Fatal(err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("GetHeaders: %v", r.err)
	}
	if len(r.fields) != 3 {
		t.Errorf("expected 3 fields, got %d", len(r.fields))
	}
}

func TestGetHeadersSurfacesReset(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)
	if err := s.HandleFrame(frame.TypeRSTStream, 0, frame.PutUint32(nil, uint32(frame.ErrCodeRefusedStream))); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetHeaders(context.Background())
	var perr *frame.Error
	if !errors.As(err, &perr) || perr.Code != frame.ErrCodeRefusedStream {
		t.Errorf("expected REFUSED_STREAM reset error, got %v", err)
	}
}

func TestGetHeadersCleanCloseIsEOF(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)
	s.setState(StateClosed)

	if _, err := s.GetHeaders(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestGetHeadersTimeout(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := s.GetHeaders(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestGetNextChunkAcksWithWindowUpdates(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)

	if err := s.HandleFrame(frame.TypeData, 0, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	data, err := s.GetNextChunk(context.Background())
	if err != nil {
		t.Fatalf("GetNextChunk: %v", err)
	}
	if !bytes.Equal(data, []byte("0123456789")) {
		t.Errorf("unexpected chunk: %q", data)
	}

	sent := c.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("expected stream and connection WINDOW_UPDATE, got %d frames", len(sent))
	}
	if sent[0].Type != frame.TypeWindowUpdate || sent[0].StreamID != 1 {
		t.Errorf("first frame: expected stream WINDOW_UPDATE, got %+v", sent[0])
	}
	if sent[1].Type != frame.TypeWindowUpdate || sent[1].StreamID != 0 {
		t.Errorf("second frame: expected connection WINDOW_UPDATE, got %+v", sent[1])
	}
	for i, f := range sent {
		if got := frame.Uint32(f.Payload); got != 10 {
			t.Errorf("frame %d: expected increment 10, got %d", i, got)
		}
	}
}

func TestGetNextChunkEndOfStream(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)

	if err := s.HandleFrame(frame.TypeData, frame.FlagEndStream, []byte("tail")); err != nil {
		t.Fatal(err)
	}

	if data, err := s.GetNextChunk(context.Background()); err != nil || string(data) != "tail" {
		t.Fatalf("expected tail chunk, got %q, %v", data, err)
	}
	if _, err := s.GetNextChunk(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
	// The queue stays drained afterwards.
	if _, err := s.GetNextChunk(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF on drained half-closed stream, got %v", err)
	}
}

func TestGetNextChunkSurfacesReset(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)
	if err := s.HandleFrame(frame.TypeRSTStream, 0, frame.PutUint32(nil, uint32(frame.ErrCodeCancel))); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetNextChunk(context.Background())
	var perr *frame.Error
	if !errors.As(err, &perr) || perr.Code != frame.ErrCodeCancel {
		t.Errorf("expected CANCEL reset error, got %v", err)
	}
}

func TestChunkDoubleAck(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	chunk := &Chunk{stream: s, OriginalLength: 5, Data: []byte("abcde")}

	if err := chunk.Ack(context.Background(), false); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := chunk.Ack(context.Background(), false); !errors.Is(err, ErrChunkAcked) {
		t.Errorf("expected ErrChunkAcked, got %v", err)
	}
}

func TestChunkAckWithoutWindowUpdate(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	chunk := &Chunk{stream: s, OriginalLength: 5, Data: []byte("abcde")}

	if err := chunk.Ack(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if sent := c.sentFrames(); len(sent) != 0 {
		t.Errorf("expected no frames, got %d", len(sent))
	}
}

func TestShutdownResetsAndRefundsCredit(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	s.setState(StateOpen)

	if err := s.HandleFrame(frame.TypeData, 0, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := s.HandleFrame(frame.TypeData, frame.FlagEndStream, make([]byte, 20)); err != nil {
		t.Fatal(err)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("expected closed, got %s", got)
	}

	sent := c.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("expected RST_STREAM plus one connection WINDOW_UPDATE, got %d frames", len(sent))
	}
	if sent[0].Type != frame.TypeRSTStream {
		t.Errorf("expected RST_STREAM first, got %s", sent[0].Type)
	}
	if code := frame.ErrCode(frame.Uint32(sent[0].Payload)); code != frame.ErrCodeNo {
		t.Errorf("expected NO_ERROR reset, got %s", code)
	}
	if sent[1].Type != frame.TypeWindowUpdate || sent[1].StreamID != 0 {
		t.Errorf("expected connection WINDOW_UPDATE, got %+v", sent[1])
	}
	if got := frame.Uint32(sent[1].Payload); got != 30 {
		t.Errorf("expected combined increment 30, got %d", got)
	}
}

func TestShutdownIdleStreamIsSilent(t *testing.T) {
	c := newStubConn(RoleServer)
	s := c.newStream(1)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sent := c.sentFrames(); len(sent) != 0 {
		t.Errorf("expected no frames for an idle shutdown, got %d", len(sent))
	}
}
