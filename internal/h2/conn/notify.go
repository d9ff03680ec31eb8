package conn

import "sync"

// notify is a level-triggered broadcast wake primitive, the connection-side
// twin of the stream package's notifier. Waiters must re-check their
// predicate after waking.
type notify struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notify) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notify) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}
