package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client abstracts a connected subscriber so the hub can be tested without
// real sockets.
type Client interface {
	// Send delivers one event to the client.
	Send(event *Event) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the client's address for logging.
	RemoteAddr() string
}

// writeTimeout bounds how long the writer waits on one socket write.
const writeTimeout = 10 * time.Second

// sendBuffer is how many events may queue for a client before the hub
// gives up on it as a slow consumer.
const sendBuffer = 64

var (
	errClientClosed   = errors.New("client connection closed")
	errSendBufferFull = errors.New("client send buffer full")
)

// WebSocketClient wraps a websocket connection. Events are queued on a
// buffered channel and written by a dedicated goroutine, so a wedged
// socket never stalls a broadcast holding an encounter lock. Queue order
// is write order.
type WebSocketClient struct {
	conn *websocket.Conn
	out  chan *Event
	done chan struct{}
	once sync.Once
}

// NewWebSocketClient wraps the connection and starts its writer.
func NewWebSocketClient(conn *websocket.Conn) *WebSocketClient {
	c := &WebSocketClient{
		conn: conn,
		out:  make(chan *Event, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues the event for the writer. It never blocks: a client whose
// buffer is full is closed rather than allowed to stall its encounters.
func (c *WebSocketClient) Send(event *Event) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.out <- event:
		return nil
	default:
		c.Close()
		return errSendBufferFull
	}
}

func (c *WebSocketClient) writeLoop() {
	for {
		select {
		case event := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadCommand blocks until the next command frame arrives.
func (c *WebSocketClient) ReadCommand() (*Command, error) {
	var cmd Command
	if err := c.conn.ReadJSON(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// Close stops the writer and closes the websocket connection. Safe to call
// more than once.
func (c *WebSocketClient) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

// RemoteAddr returns the remote address as a string.
func (c *WebSocketClient) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
