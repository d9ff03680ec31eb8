// Package date caches the RFC1123 date header value so response paths avoid
// formatting a timestamp per request.
package date

import (
	"sync/atomic"
	"time"
)

const refreshInterval = 500 * time.Millisecond

var current atomic.Pointer[string]

// StartTicker begins refreshing the cached value and returns a stop function.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(refreshInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func update() {
	s := time.Now().UTC().Format(time.RFC1123)
	current.Store(&s)
}

// Value returns the cached date header value, formatting one directly if the
// ticker has not been started.
func Value() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(time.RFC1123)
}
