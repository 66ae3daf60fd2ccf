package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const closeGracePeriod = time.Second

// Conn adapts a websocket connection to Transport. Frames are text messages.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	sent      *uint64
	received  *uint64
}

var _ Transport = &Conn{}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(MessageSizeLimit)
	return &Conn{
		ws:       ws,
		closed:   make(chan struct{}),
		sent:     new(uint64),
		received: new(uint64),
	}
}

func (c *Conn) Ready() <-chan struct{} {
	return Opened()
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "writing websocket frame")
	}
	atomic.AddUint64(c.sent, uint64(len(frame)))
	return nil
}

// Receive reads the next text or binary message. Context cancellation is
// only observed between frames; close the Conn to interrupt a blocked read.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		typ, b, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrClosed
			}
			return nil, errors.Wrap(err, "reading websocket frame")
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		atomic.AddUint64(c.received, uint64(len(b)))
		return b, nil
	}
}

// Close sends a normal closure and tears the connection down.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = c.ws.Close()
	})
	return err
}

// Stats returns the bytes written and read so far.
func (c *Conn) Stats() (sent, received uint64) {
	return atomic.LoadUint64(c.sent), atomic.LoadUint64(c.received)
}
