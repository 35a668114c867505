package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// ErrConnClosed is returned when writing to a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is a client connection to one relay.
// Reads must happen from a single goroutine; writes are serialized internally.
type Conn struct {
	url  string
	ws   *websocket.Conn
	mu   sync.Mutex
	once sync.Once
	done chan struct{}
}

// Dial opens a websocket connection to a relay.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.EnableCompression = true

	header := http.Header{}
	header.Set("User-Agent", "tillsync")

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	return &Conn{
		url:  url,
		ws:   ws,
		done: make(chan struct{}),
	}, nil
}

// URL returns the relay url.
func (c *Conn) URL() string {
	return c.url
}

// Write sends one encoded frame.
func (c *Conn) Write(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Read blocks until the next frame arrives.
// Frames that fail to parse are reported with ErrMalformedFrame and the
// connection stays usable.
func (c *Conn) Read() (Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}

	return ParseFrame(data)
}

// Ping sends a websocket ping control frame.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(DefaultWriteTimeout))
}

// Close sends a close frame and closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error

	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()

		err = c.ws.Close()
	})

	return err
}
