package transport

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of frames. Push never blocks, which lets a
// single threaded owner hand frames to a writer goroutine without stalling.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	closer chan struct{}
	closed bool
}

func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		closer: make(chan struct{}),
	}
}

// Push appends a frame. It reports false once the queue is closed.
func (q *Queue) Push(frame []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, frame)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest frame, waiting for one if the queue is empty. It
// returns ErrClosed after Close, even when frames are left.
func (q *Queue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.items) > 0 {
			frame := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return frame, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closer:
		case <-q.notify:
		}
	}
}

// Close drops pending frames and wakes every Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.closer)
}

// Drain sends every frame to t, in order, until the queue or the transport
// is closed. It waits for t to be ready before the first send.
func (q *Queue) Drain(ctx context.Context, t Transport) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closer:
		return ErrClosed
	case <-t.Ready():
	}
	for {
		frame, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		if err := t.Send(ctx, frame); err != nil {
			return err
		}
	}
}
