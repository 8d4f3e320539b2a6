// ABOUTME: Tests for Connection task correlation over a mock socket.
// ABOUTME: Covers dispatch, frame routing, cancellation and disconnect.

package agent

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/protocol"
	"github.com/2389/agent-relay/internal/task"
)

// mockSocket implements FrameWriter for testing.
type mockSocket struct {
	mu       sync.Mutex
	sent     []*protocol.Frame
	writeErr error
	closed   bool
}

func (m *mockSocket) WriteFrame(f *protocol.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.sent = append(m.sent, f)
	return nil
}

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSocket) frames() []*protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Frame, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockSocket) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestConnection(id string) (*Connection, *mockSocket) {
	sock := &mockSocket{}
	conn := NewConnection(ConnectionParams{ID: id, Socket: sock, Logger: slog.Default()})
	return conn, sock
}

// collect drains a stream into a slice of events.
func collect(t *testing.T, s *task.Stream) []task.Event {
	t.Helper()
	var events []task.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timeout waiting for stream to close")
			return nil
		}
	}
}

func TestConnectionDispatchSendsTaskFrame(t *testing.T) {
	conn, sock := newTestConnection("agent-1")
	s := task.NewStream("task-1")

	conn.Dispatch(&TaskRequest{
		ConversationID:   "conv-1",
		ConversationType: "direct",
		Content:          "hello",
		Members:          []string{"alice"},
	}, s)

	sent := sock.frames()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.TypeTask, sent[0].Type)
	assert.Equal(t, "task-1", sent[0].TaskID)
	assert.Equal(t, "conv-1", sent[0].ConversationID)
	assert.Equal(t, "hello", sent[0].Content)
	assert.Equal(t, []string{"alice"}, sent[0].Members)
	assert.Equal(t, 1, conn.PendingCount())
}

func TestConnectionRoutesFrames(t *testing.T) {
	conn, _ := newTestConnection("agent-1")
	s := task.NewStream("task-1")
	conn.Dispatch(&TaskRequest{Content: "hi"}, s)

	assert.True(t, conn.HandleFrame(protocol.Chunk("task-1", "Hel")))
	assert.True(t, conn.HandleFrame(protocol.Chunk("task-1", "lo")))
	assert.True(t, conn.HandleFrame(protocol.Complete("task-1", "Hello", []string{"bob"})))

	events := collect(t, s)
	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
	assert.Equal(t, task.KindComplete, events[2].Kind)
	assert.Equal(t, "Hello", events[2].Text)
	assert.Equal(t, []string{"bob"}, events[2].Mentions)
	assert.Equal(t, 0, conn.PendingCount())
}

func TestConnectionDispatchRejectsTaskIDInFlight(t *testing.T) {
	conn, sock := newTestConnection("agent-1")
	first := task.NewStream("dup")
	second := task.NewStream("dup")

	conn.Dispatch(&TaskRequest{Content: "one"}, first)
	conn.Dispatch(&TaskRequest{Content: "two"}, second)

	events := collect(t, second)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgDuplicateTask, events[0].Text)
	assert.Len(t, sock.frames(), 1, "only the first task reaches the agent")

	second.Cancel()
	assert.Equal(t, 1, conn.PendingCount())
	assert.True(t, conn.HandleComplete("dup", "done", nil))

	events = collect(t, first)
	require.Len(t, events, 1)
	assert.Equal(t, task.KindComplete, events[0].Kind)
	assert.Equal(t, "done", events[0].Text)
}

func TestConnectionAgentError(t *testing.T) {
	conn, _ := newTestConnection("agent-1")
	s := task.NewStream("task-1")
	conn.Dispatch(&TaskRequest{}, s)

	assert.True(t, conn.HandleFrame(protocol.Error("task-1", "model overloaded")))

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, task.KindError, events[0].Kind)
	assert.Equal(t, "model overloaded", events[0].Text)
}

func TestConnectionIgnoresUnknownTask(t *testing.T) {
	conn, _ := newTestConnection("agent-1")

	assert.False(t, conn.HandleFrame(protocol.Chunk("nope", "x")))
	assert.False(t, conn.HandleFrame(protocol.Complete("nope", "x", nil)))
	assert.False(t, conn.HandleFrame(protocol.Error("nope", "x")))
	assert.False(t, conn.HandleFrame(protocol.Ping()))
}

func TestConnectionLateFramesAfterCompletion(t *testing.T) {
	conn, _ := newTestConnection("agent-1")
	s := task.NewStream("task-1")
	conn.Dispatch(&TaskRequest{}, s)

	require.True(t, conn.HandleComplete("task-1", "done", nil))
	assert.False(t, conn.HandleChunk("task-1", "late"))
	assert.False(t, conn.HandleError("task-1", "late"))

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].Text)
}

func TestConnectionCancelSendsCancelFrame(t *testing.T) {
	conn, sock := newTestConnection("agent-1")
	s := task.NewStream("task-1")
	conn.Dispatch(&TaskRequest{}, s)

	s.Cancel()

	sent := sock.frames()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.TypeCancel, sent[1].Type)
	assert.Equal(t, "task-1", sent[1].TaskID)
	assert.Equal(t, 0, conn.PendingCount())

	// Replies that race the cancel are dropped.
	assert.False(t, conn.HandleChunk("task-1", "late"))

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgStreamCancelled, events[0].Text)
}

func TestConnectionCancelAfterCompletionSendsNothing(t *testing.T) {
	conn, sock := newTestConnection("agent-1")
	s := task.NewStream("task-1")
	conn.Dispatch(&TaskRequest{}, s)

	conn.HandleComplete("task-1", "ok", nil)
	s.Cancel()

	assert.Len(t, sock.frames(), 1)
}

func TestConnectionDispatchAlreadyResolvedStream(t *testing.T) {
	conn, sock := newTestConnection("agent-1")
	s := task.NewStream("task-1")
	s.Cancel()

	conn.Dispatch(&TaskRequest{}, s)

	assert.Empty(t, sock.frames())
	assert.Equal(t, 0, conn.PendingCount())
}

func TestConnectionWriteFailureFailsTask(t *testing.T) {
	conn, sock := newTestConnection("agent-1")
	sock.writeErr = errors.New("broken pipe")
	s := task.NewStream("task-1")

	conn.Dispatch(&TaskRequest{}, s)

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgAgentDisconnected, events[0].Text)
	assert.Equal(t, 0, conn.PendingCount())
}

func TestConnectionCloseFailsPending(t *testing.T) {
	conn, sock := newTestConnection("agent-1")
	s1 := task.NewStream("task-1")
	s2 := task.NewStream("task-2")
	conn.Dispatch(&TaskRequest{}, s1)
	conn.Dispatch(&TaskRequest{}, s2)
	conn.HandleChunk("task-1", "partial")

	conn.Close()
	conn.Close()

	events := collect(t, s1)
	require.Len(t, events, 2)
	assert.Equal(t, "partial", events[0].Text)
	assert.Equal(t, task.MsgAgentDisconnected, events[1].Text)

	events = collect(t, s2)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgAgentDisconnected, events[0].Text)

	assert.True(t, sock.isClosed())

	s3 := task.NewStream("task-3")
	conn.Dispatch(&TaskRequest{}, s3)
	events = collect(t, s3)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgAgentDisconnected, events[0].Text)
}

func TestNewConnectionDefaultsSkills(t *testing.T) {
	conn, _ := newTestConnection("agent-1")
	assert.NotNil(t, conn.Skills)
	assert.Empty(t, conn.Skills)
}
