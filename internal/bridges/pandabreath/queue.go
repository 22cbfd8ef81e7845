package pandabreath

import "sync/atomic"

// DefaultQueueSize is the reading buffer between a transport and its poller.
const DefaultQueueSize = 256

// Queue hands readings from one transport goroutine to one polling
// goroutine in FIFO order.
//
// It must have exactly one producer and one consumer. Push never blocks: when
// the buffer is full the oldest reading is evicted, so the most recent
// reading always survives until the next Drain.
type Queue struct {
	ch      chan Reading
	evicted atomic.Uint64
}

// NewQueue creates a queue holding up to size readings.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Reading, size)}
}

// Push appends r, evicting the oldest reading if the queue is full.
func (q *Queue) Push(r Reading) {
	for {
		select {
		case q.ch <- r:
			return
		default:
		}

		select {
		case <-q.ch:
			q.evicted.Add(1)
		default:
		}
	}
}

// Drain removes the readings queued when it was called, in arrival order,
// and returns the last of them. n is zero when the queue was empty.
func (q *Queue) Drain() (last Reading, n int) {
	pending := len(q.ch)
	for range pending {
		select {
		case r := <-q.ch:
			last = r
			n++
		default:
			return last, n
		}
	}
	return last, n
}

// Len returns the number of queued readings.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Evicted returns how many readings were discarded because the consumer
// fell behind.
func (q *Queue) Evicted() uint64 {
	return q.evicted.Load()
}
