package relay

import "sync"

// SendQueue is the outbound buffer for one session. It is a ring that
// doubles when it reaches 70% of its current capacity, but never beyond
// a hard maximum: once the maximum depth is reached Enqueue reports
// failure so the caller can tear the slow session down instead of
// blocking the publisher.
type SendQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      [][]byte
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	max      int
	closed   bool

	// Stats
	totalEnqueued int64
	totalDequeued int64
	resizeCount   int
}

// NewSendQueue creates a queue bounded at max messages.
func NewSendQueue(max int) *SendQueue {
	if max < 1 {
		max = 1
	}
	initial := 16
	if initial > max {
		initial = max
	}
	q := &SendQueue{
		buf:      make([][]byte, initial),
		capacity: initial,
		max:      max,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a message to the queue. Returns false when the queue is
// closed or already holds max messages.
func (q *SendQueue) Enqueue(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.count == q.max {
		return false
	}

	// Grow at 70% capacity, up to the maximum
	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && q.capacity < q.max {
		q.grow()
	}

	q.buf[q.tail] = msg
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalEnqueued++

	q.cond.Signal()
	return true
}

// Dequeue removes and returns the oldest message. Blocks until a
// message is available or the queue is closed. Returns nil and false
// once the queue is closed and drained.
func (q *SendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 && q.closed {
		return nil, false
	}

	msg := q.buf[q.head]
	q.buf[q.head] = nil // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalDequeued++

	return msg, true
}

// TryDequeue attempts to dequeue without blocking.
func (q *SendQueue) TryDequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil, false
	}

	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalDequeued++

	return msg, true
}

// Close closes the queue. After closing, Enqueue returns false.
// Dequeuers drain remaining messages and then receive the closed signal.
func (q *SendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the current number of queued messages.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the current ring capacity.
func (q *SendQueue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Stats returns queue statistics.
func (q *SendQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:         q.count,
		Capacity:      q.capacity,
		Max:           q.max,
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		ResizeCount:   q.resizeCount,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Depth         int
	Capacity      int
	Max           int
	TotalEnqueued int64
	TotalDequeued int64
	ResizeCount   int
}

// grow doubles the ring capacity, clamped to max. Must be called with
// the lock held.
func (q *SendQueue) grow() {
	newCapacity := q.capacity * 2
	if newCapacity > q.max {
		newCapacity = q.max
	}
	if newCapacity == q.capacity {
		return
	}
	newBuf := make([][]byte, newCapacity)

	// Copy existing messages to the new ring
	if q.count > 0 {
		if q.head < q.tail {
			// Contiguous: [head...tail)
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
