package fabric

import "sync"

// mailbox is an unbounded FIFO of closures run by a node loop. Posts never
// block so an action holding control can post to its own node.
type mailbox struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return nil, false
	}
	fn := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	return fn, true
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
