// ABOUTME: Tests for the websocket frame wrapper against an httptest server.
// ABOUTME: Covers round trips, malformed frames and concurrent writers.

package protocol

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoPair returns a client Socket connected to a server that hands its own
// raw connection to serve.
func echoPair(t *testing.T, serve func(conn *websocket.Conn)) *Socket {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	sock := NewSocket(conn)
	t.Cleanup(func() { sock.Close() })
	return sock
}

func TestSocketRoundTrip(t *testing.T) {
	sock := echoPair(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})

	require.NoError(t, sock.WriteFrame(Chunk("task-1", "hello")))
	f, err := sock.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TypeAgentChunk, f.Type)
	assert.Equal(t, "task-1", f.TaskID)
	assert.Equal(t, "hello", f.Chunk)
	assert.NotEmpty(t, sock.RemoteAddr())
}

func TestSocketMalformedFrames(t *testing.T) {
	sock := echoPair(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"taskId":"x"}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		_, _, _ = conn.ReadMessage()
	})

	for i := 0; i < 3; i++ {
		_, err := sock.ReadFrame()
		assert.ErrorIs(t, err, ErrMalformedFrame)
	}

	f, err := sock.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TypePong, f.Type)
}

func TestSocketClosedPeer(t *testing.T) {
	sock := echoPair(t, func(conn *websocket.Conn) {})

	_, err := sock.ReadFrame()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedFrame)
}

func TestSocketConcurrentWriters(t *testing.T) {
	received := make(chan string, 100)
	sock := echoPair(t, func(conn *websocket.Conn) {
		for i := 0; i < 100; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := Decode(data)
			if err != nil {
				return
			}
			received <- f.TaskID
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sock.WriteFrame(Ping()))
		}()
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		<-received
	}
}
