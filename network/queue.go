package network

import (
	"sync"

	"filerelay/protocol"
)

// frameQueue is an unbounded FIFO so the read loop never blocks on a slow session.
type frameQueue struct {
	mu     sync.Mutex
	frames []protocol.Frame
	notify chan struct{}
	closed bool
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

// push appends a frame. It reports false once the queue is closed.
func (q *frameQueue) push(frame protocol.Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks for the next frame. ok is false once the queue is closed or done fires.
func (q *frameQueue) pop(done <-chan struct{}) (protocol.Frame, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return protocol.Frame{}, false
		}
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.frames[0] = protocol.Frame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return frame, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-done:
			return protocol.Frame{}, false
		}
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
