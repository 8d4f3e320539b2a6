// ABOUTME: Represents a single authenticated agent on a pull connection.
// ABOUTME: Correlates outbound task frames with inbound agent_* frames by task id.

package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-relay/internal/metrics"
	"github.com/2389/agent-relay/internal/protocol"
	"github.com/2389/agent-relay/internal/task"
)

// FrameWriter is the outbound half of an agent socket. Implementations must
// be safe for concurrent use.
type FrameWriter interface {
	WriteFrame(f *protocol.Frame) error
	Close() error
}

// TaskRequest is the payload of a task frame, minus the task id.
type TaskRequest struct {
	ConversationID   string
	ConversationType string
	Content          string
	Members          []string
	ReplyTo          string
	History          []protocol.HistoryMessage
	Attachments      []protocol.Attachment
}

func (r *TaskRequest) frame(taskID string) *protocol.Frame {
	return &protocol.Frame{
		Type:             protocol.TypeTask,
		TaskID:           taskID,
		ConversationID:   r.ConversationID,
		ConversationType: r.ConversationType,
		Content:          r.Content,
		Members:          r.Members,
		ReplyTo:          r.ReplyTo,
		History:          r.History,
		Attachments:      r.Attachments,
	}
}

// Connection represents a connected agent and the tasks it still owes us.
type Connection struct {
	ID          string
	Skills      []protocol.Skill
	RemoteAddr  string
	ConnectedAt time.Time

	socket  FrameWriter
	pending map[string]*task.Stream
	closed  bool
	mu      sync.Mutex
	logger  *slog.Logger
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID         string
	Skills     []protocol.Skill
	RemoteAddr string
	Socket     FrameWriter
	Logger     *slog.Logger
}

// NewConnection creates a new Connection for an authenticated agent.
func NewConnection(p ConnectionParams) *Connection {
	skills := p.Skills
	if skills == nil {
		skills = []protocol.Skill{}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:          p.ID,
		Skills:      skills,
		RemoteAddr:  p.RemoteAddr,
		ConnectedAt: time.Now(),
		socket:      p.Socket,
		pending:     make(map[string]*task.Stream),
		logger:      logger.With("agent_id", p.ID),
	}
}

// Send writes a frame to the agent.
func (c *Connection) Send(f *protocol.Frame) error {
	if err := c.socket.WriteFrame(f); err != nil {
		return err
	}
	metrics.RecordFrame("out", f.Type)
	return nil
}

// Dispatch sends a task frame and routes the agent's replies into s. The
// pending entry is recorded before the frame is written so a fast reply is
// never lost. Cancelling s withdraws the task and tells the agent.
func (c *Connection) Dispatch(req *TaskRequest, s *task.Stream) {
	taskID := s.ID()

	select {
	case <-s.Done():
		return
	default:
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Fail(task.MsgAgentDisconnected)
		return
	}
	if _, dup := c.pending[taskID]; dup {
		c.mu.Unlock()
		c.logger.Warn("task id already in flight", "task_id", taskID)
		s.Fail(task.MsgDuplicateTask)
		return
	}
	c.pending[taskID] = s
	c.mu.Unlock()

	s.OnCancel(func() { c.cancelTask(taskID) })

	if err := c.Send(req.frame(taskID)); err != nil {
		c.logger.Warn("failed to send task", "task_id", taskID, "error", err)
		if c.take(taskID) != nil {
			s.Fail(task.MsgAgentDisconnected)
		}
		return
	}

	c.logger.Debug("task sent to agent", "task_id", taskID)
}

// HandleFrame routes an inbound agent_* frame to its pending task. Frames
// for unknown or already-resolved tasks are ignored and reported as false.
func (c *Connection) HandleFrame(f *protocol.Frame) bool {
	switch f.Type {
	case protocol.TypeAgentChunk:
		return c.HandleChunk(f.TaskID, f.Chunk)
	case protocol.TypeAgentComplete:
		return c.HandleComplete(f.TaskID, f.Content, f.Mentions)
	case protocol.TypeAgentError:
		return c.HandleError(f.TaskID, f.Error)
	}
	return false
}

// HandleChunk forwards a chunk; the task stays pending.
func (c *Connection) HandleChunk(taskID, chunk string) bool {
	c.mu.Lock()
	s, ok := c.pending[taskID]
	c.mu.Unlock()

	if !ok {
		c.unknownTask("agent_chunk", taskID)
		return false
	}
	s.Chunk(chunk)
	return true
}

// HandleComplete resolves the task with the agent's full reply.
func (c *Connection) HandleComplete(taskID, content string, mentions []string) bool {
	s := c.take(taskID)
	if s == nil {
		c.unknownTask("agent_complete", taskID)
		return false
	}
	s.Complete(content, mentions...)
	return true
}

// HandleError resolves the task with the agent's error message.
func (c *Connection) HandleError(taskID, message string) bool {
	s := c.take(taskID)
	if s == nil {
		c.unknownTask("agent_error", taskID)
		return false
	}
	s.Fail(message)
	return true
}

// PendingCount returns the number of tasks awaiting a terminal frame.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending task with MsgAgentDisconnected and closes the
// socket. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*task.Stream)
	c.mu.Unlock()

	for taskID, s := range pending {
		c.logger.Debug("failing pending task", "task_id", taskID)
		s.Fail(task.MsgAgentDisconnected)
	}

	if err := c.socket.Close(); err != nil {
		c.logger.Debug("socket close", "error", err)
	}
}

func (c *Connection) take(taskID string) *task.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.pending[taskID]
	if !ok {
		return nil
	}
	delete(c.pending, taskID)
	return s
}

func (c *Connection) cancelTask(taskID string) {
	if c.take(taskID) == nil {
		return
	}
	if err := c.Send(protocol.Cancel(taskID)); err != nil {
		c.logger.Debug("cancel frame not delivered", "task_id", taskID, "error", err)
	}
}

func (c *Connection) unknownTask(frameType, taskID string) {
	c.logger.Debug("frame for unknown task", "type", frameType, "task_id", taskID)
}
