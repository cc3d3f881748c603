package hookz

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// Buffer holds completed traces until a transport drains them.
// When full, adding a trace evicts the oldest one. Add never blocks.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Buffer struct {
	traces   *queue.Queue
	capacity int
	mu       sync.Mutex
	dropped  atomic.Int64
	late     atomic.Int64
	// onDrop is called outside the lock for every evicted trace.
	onDrop func(Trace)
}

// NewBuffer creates a buffer holding up to capacity traces.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		traces:   queue.New(),
		capacity: capacity,
	}
}

// Add stores a deep copy of trace, evicting the oldest trace when full.
func (b *Buffer) Add(trace Trace) {
	trace = trace.clone()

	b.mu.Lock()
	var evicted []Trace
	for b.traces.Length() >= b.capacity {
		evicted = append(evicted, b.traces.Remove().(Trace))
	}
	b.traces.Add(trace)
	b.mu.Unlock()

	if len(evicted) > 0 {
		b.dropped.Add(int64(len(evicted)))
		if b.onDrop != nil {
			for _, t := range evicted {
				b.onDrop(t)
			}
		}
	}
}

// Drain returns every buffered trace, oldest first, and empties the buffer.
// The returned slice is owned by the caller.
func (b *Buffer) Drain() []Trace {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.traces.Length()
	if n == 0 {
		return nil
	}
	out := make([]Trace, 0, n)
	for b.traces.Length() > 0 {
		out = append(out, b.traces.Remove().(Trace))
	}
	return out
}

// Peek returns a copy of the oldest trace without removing it.
func (b *Buffer) Peek() (Trace, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.traces.Length() == 0 {
		return Trace{}, false
	}
	return b.traces.Peek().(Trace).clone(), true
}

// Count returns the number of buffered traces.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.traces.Length()
}

// Capacity returns the maximum number of buffered traces.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// DroppedCount returns how many traces were evicted by overflow.
func (b *Buffer) DroppedCount() int64 {
	return b.dropped.Load()
}

// LateCount returns how many child spans closed after their trace completed.
func (b *Buffer) LateCount() int64 {
	return b.late.Load()
}

func (b *Buffer) recordLate() {
	b.late.Add(1)
}

// Reset discards buffered traces and zeroes the counters.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.traces = queue.New()
	b.dropped.Store(0)
	b.late.Store(0)
}
