// ABOUTME: Frame-level wrapper around a gorilla websocket connection.
// ABOUTME: Serializes writes and separates malformed frames from transport errors.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// ErrMalformedFrame wraps frames that could not be decoded. The connection
// is still usable; callers skip the frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Socket reads and writes frames on a websocket. A websocket allows one
// concurrent writer, so WriteFrame is guarded by a mutex; ReadFrame must only
// be called from a single goroutine.
type Socket struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

// NewSocket wraps conn.
func NewSocket(conn *websocket.Conn) *Socket {
	return &Socket{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// WriteFrame encodes f and sends it as a text message.
func (s *Socket) WriteFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks for the next frame. Errors wrapping ErrMalformedFrame
// are recoverable; anything else means the socket is gone.
func (s *Socket) ReadFrame() (*Frame, error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected message type %d", ErrMalformedFrame, msgType)
	}
	f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// SetReadDeadline bounds the next ReadFrame. The zero time disables it.
func (s *Socket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Close sends a normal-closure control frame, best effort, and closes the
// underlying connection. Safe to call concurrently with WriteFrame.
func (s *Socket) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
