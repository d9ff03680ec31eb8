package stream

import "sync"

// notifier is a level-triggered broadcast wake primitive. A waiter grabs the
// current channel with wait and blocks on it; broadcast closes that channel,
// releasing every waiter at once. Waiters must re-check their predicate after
// waking.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}
