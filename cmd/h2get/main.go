// Package main provides a minimal HTTP/2 client: dial a cleartext h2c
// endpoint, issue one GET, and print the response.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/pkg/h2stream"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:8080", "server address")
		path      = flag.String("path", "/", "request path")
		authority = flag.String("authority", "", "value for :authority (defaults to addr)")
		timeout   = flag.Duration("timeout", 10*time.Second, "overall request timeout")
		verbose   = flag.Bool("v", false, "log connection events")
	)
	flag.Parse()

	cfg := h2stream.DefaultConfig()
	if *verbose {
		cfg.Logger = log.New(os.Stderr, "h2get ", log.LstdFlags)
	}
	if *authority == "" {
		*authority = *addr
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := h2stream.Dial(ctx, "tcp", *addr, cfg)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer client.Close()

	s, err := client.NewStream()
	if err != nil {
		log.Fatalf("open stream: %v", err)
	}

	req := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: *path},
		{Name: ":authority", Value: *authority},
	}
	if err := s.WriteHeaders(ctx, req, true); err != nil {
		log.Fatalf("write request: %v", err)
	}

	resp, err := s.GetHeaders(ctx)
	if err != nil {
		log.Fatalf("read response headers: %v", err)
	}
	for _, h := range resp {
		fmt.Fprintf(os.Stderr, "%s: %s\n", h.Name, h.Value)
	}

	for {
		chunk, err := s.GetNextChunk(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("read body: %v", err)
		}
		os.Stdout.Write(chunk)
	}

	if err := client.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
