package transport

import (
	"context"
	"sync"
)

// PipeEnd is one side of an in-memory transport pair.
type PipeEnd struct {
	ready     chan struct{}
	readyOnce sync.Once
	in        *Queue
	peer      *PipeEnd
}

var _ Transport = &PipeEnd{}

// Pipe returns two connected, open ends.
func Pipe() (*PipeEnd, *PipeEnd) {
	a, b := DeferredPipe()
	a.Open()
	b.Open()
	return a, b
}

// DeferredPipe returns two connected ends that are not ready until Open is
// called on each.
func DeferredPipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{ready: make(chan struct{}), in: NewQueue()}
	b := &PipeEnd{ready: make(chan struct{}), in: NewQueue()}
	a.peer, b.peer = b, a
	return a, b
}

// Open fires Ready.
func (p *PipeEnd) Open() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *PipeEnd) Ready() <-chan struct{} {
	return p.ready
}

func (p *PipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.peer.in.Push(frame) {
		return ErrClosed
	}
	return nil
}

func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	return p.in.Pop(ctx)
}

// Close shuts both directions, as a dropped socket would.
func (p *PipeEnd) Close() error {
	p.in.Close()
	p.peer.in.Close()
	return nil
}
