package connection

import "sync"

// mailbox is the unbounded event queue of a connection loop. Posting never
// blocks, so callbacks running on the loop may submit more work.
type mailbox struct {
	mu      sync.Mutex
	events  []func()
	stopped bool
	wake    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// post queues fn for the loop. It reports false once the loop has stopped
// accepting events.
func (b *mailbox) post(fn func()) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.events = append(b.events, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

func (b *mailbox) take() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// stop refuses further events and returns the ones still queued.
func (b *mailbox) stop() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	out := b.events
	b.events = nil
	return out
}
