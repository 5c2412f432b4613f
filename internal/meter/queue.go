package meter

import "github.com/go-audio/audio"

// SampleQueue buffers captured blocks between delivery and the next Update.
//
// The queue is unbounded: every sample must be leveled for the peak display to be
// accurate, and the scheduler drains it at a fixed minimum rate. It is not safe
// for concurrent use; deliveries and drains both happen on the update goroutine.
type SampleQueue struct {
	blocks []*audio.Float32Buffer
}

// Push appends one block. The queue takes ownership of b.
func (q *SampleQueue) Push(b *audio.Float32Buffer) {
	q.blocks = append(q.blocks, b)
}

// DrainAll removes and returns every queued block in delivery order.
func (q *SampleQueue) DrainAll() []*audio.Float32Buffer {
	out := q.blocks
	q.blocks = nil
	return out
}

// Len returns the number of queued blocks.
func (q *SampleQueue) Len() int {
	return len(q.blocks)
}
