package events

import (
	"context"
	"sync"

	xerrors "AccountGuard/internal/errors"
)

// MemoryPublisher buffers events in process memory, mainly for tests and the
// default single-node configuration.
type MemoryPublisher struct {
	mu     sync.Mutex
	buf    []Event
	max    int
	closed bool
}

// NewMemoryPublisher creates a buffer holding at most size events; older
// entries are discarded first.
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 256
	}
	return &MemoryPublisher{max: size}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return xerrors.New(xerrors.CodePublishFailure, "publisher closed")
	}
	p.buf = append(p.buf, event)
	if len(p.buf) > p.max {
		p.buf = p.buf[len(p.buf)-p.max:]
	}
	return nil
}

// Events returns a snapshot of the buffered events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.buf...)
}

// Close implements Publisher.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
