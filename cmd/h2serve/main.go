// Package main runs a minimal cleartext h2c server: every stream receives a
// fixed text body.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/zazzel/h2stream/internal/date"
	"github.com/zazzel/h2stream/pkg/h2stream"
)

func main() {
	var (
		addr    = flag.String("addr", ":8080", "listen address")
		body    = flag.String("body", "hello from h2serve\n", "response body")
		verbose = flag.Bool("v", false, "log requests and connection events")
	)
	flag.Parse()

	cfg := h2stream.DefaultConfig()
	cfg.Addr = *addr
	if *verbose {
		cfg.Logger = log.New(os.Stderr, "h2serve ", log.LstdFlags)
	}

	stopDate := date.StartTicker()
	defer stopDate()

	payload := []byte(*body)
	handler := func(ctx context.Context, s *h2stream.Stream) {
		req, err := s.GetHeaders(ctx)
		if err != nil {
			return
		}
		if *verbose {
			method, path := "", ""
			for _, h := range req {
				switch h.Name {
				case ":method":
					method = h.Value
				case ":path":
					path = h.Value
				}
			}
			cfg.Logger.Printf("%s %s stream=%d", method, path, s.ID)
		}

		resp := []hpack.HeaderField{
			{Name: ":status", Value: "200"},
			{Name: "content-type", Value: "text/plain; charset=utf-8"},
			{Name: "content-length", Value: strconv.Itoa(len(payload))},
			{Name: "date", Value: date.Value()},
		}
		if err := s.WriteHeaders(ctx, resp, false); err != nil {
			return
		}
		if err := s.WriteChunk(ctx, payload, true); err != nil {
			return
		}
	}

	srv, err := h2stream.NewServer(handler, cfg)
	if err != nil {
		log.Fatalf("configure server: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil {
			log.Fatalf("serve: %v", err)
		}
	case <-sig:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Printf("stop: %v", err)
		}
	}
}
