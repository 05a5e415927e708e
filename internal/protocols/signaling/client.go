package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Signaling errors.
var (
	// ErrSignalingTimeout is returned when the signaling socket does not
	// open within the handshake timeout.
	ErrSignalingTimeout = errors.New("signaling: connection timeout")
)

const writeTimeout = 5 * time.Second

// Conn is an open signaling connection. Reads are single-consumer;
// writes are safe from multiple goroutines.
type Conn struct {
	ws *websocket.Conn

	writeMutex sync.Mutex
}

// Dial opens the signaling socket. A handshake that does not complete
// within timeout fails with ErrSignalingTimeout.
func Dial(ctx context.Context, rawURL string, timeout time.Duration) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	ws, _, err := dialer.DialContext(dialCtx, rawURL, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrSignalingTimeout, rawURL)
		}
		return nil, err
	}

	return &Conn{ws: ws}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Send writes one signaling frame.
func (c *Conn) Send(msg Message) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return c.ws.WriteJSON(msg)
}

// Read blocks until the next frame or a socket error.
func (c *Conn) Read() (Message, error) {
	var msg Message
	err := c.ws.ReadJSON(&msg)
	return msg, err
}

// Close closes the underlying socket.
func (c *Conn) Close() {
	c.ws.WriteControl(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.ws.Close()
}
