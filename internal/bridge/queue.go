package bridge

import "sync"

// queue is a FIFO of byte chunks with one producer and one consumer
type queue struct {
	mu     sync.Mutex
	chunks [][]byte
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

// Push appends a chunk and wakes the consumer
func (q *queue) Push(chunk []byte) {
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a chunk is available or done is closed
func (q *queue) Pop(done <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.chunks) > 0 {
			chunk := q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.mu.Unlock()
			return chunk, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-done:
			return nil, false
		}
	}
}

// Len returns the number of queued chunks
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}
