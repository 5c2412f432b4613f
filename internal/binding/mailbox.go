package binding

import "sync"

// Mailbox queues replies produced on binding goroutines until the next Iterate.
// It is safe for concurrent use.
type Mailbox struct {
	mu      sync.Mutex
	pending []func(Handler)
}

// Post queues fn for delivery. It never blocks.
func (m *Mailbox) Post(fn func(Handler)) {
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
}

// Drain delivers the replies queued before the call to h, in posting order,
// and returns how many were delivered. Replies posted while draining wait for
// the next call.
func (m *Mailbox) Drain(h Handler) int {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for i, fn := range batch {
		fn(h)
		batch[i] = nil
	}
	return len(batch)
}

// Len returns the number of queued replies.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// BufferPool hands out Borrowed sample buffers backed by a sync.Pool.
type BufferPool struct {
	pool sync.Pool
}

// Borrow copies samples into a pooled buffer.
func (p *BufferPool) Borrow(samples []float32) Borrowed {
	b, _ := p.pool.Get().(*pooledBuffer)
	if b == nil {
		b = &pooledBuffer{owner: p}
	}
	b.data = append(b.data[:0], samples...)
	b.released = false
	return b
}

type pooledBuffer struct {
	data     []float32
	owner    *BufferPool
	released bool
}

func (b *pooledBuffer) Samples() []float32 {
	if b.released {
		return nil
	}
	return b.data
}

func (b *pooledBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.owner.pool.Put(b)
}
