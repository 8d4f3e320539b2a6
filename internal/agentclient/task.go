// ABOUTME: A task received over the pull connection and its reply helpers.
// ABOUTME: Each task may send any number of chunks and exactly one terminal frame.

package agentclient

import (
	"errors"
	"strings"
	"sync"

	"github.com/2389/agent-relay/internal/protocol"
)

// ErrTaskFinished is returned when replying to a task that already sent its
// terminal frame.
var ErrTaskFinished = errors.New("task already finished")

// frameSender is the outbound half of the session a task arrived on.
type frameSender interface {
	WriteFrame(f *protocol.Frame) error
}

// Task is a unit of work pushed by the gateway.
type Task struct {
	ID               string
	ConversationID   string
	ConversationType string
	Content          string
	Members          []string
	ReplyTo          string
	History          []protocol.HistoryMessage
	Attachments      []protocol.Attachment

	out      frameSender
	mu       sync.Mutex
	text     strings.Builder
	finished bool
}

func newTask(f *protocol.Frame, out frameSender) *Task {
	return &Task{
		ID:               f.TaskID,
		ConversationID:   f.ConversationID,
		ConversationType: f.ConversationType,
		Content:          f.Content,
		Members:          f.Members,
		ReplyTo:          f.ReplyTo,
		History:          f.History,
		Attachments:      f.Attachments,
		out:              out,
	}
}

// SendChunk streams a fragment of the reply. Empty chunks are not sent.
func (t *Task) SendChunk(text string) error {
	if text == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return ErrTaskFinished
	}
	if err := t.out.WriteFrame(protocol.Chunk(t.ID, text)); err != nil {
		return err
	}
	t.text.WriteString(text)
	return nil
}

// SendComplete sends the full reply and finishes the task.
func (t *Task) SendComplete(content string, mentions ...string) error {
	return t.finish(protocol.Complete(t.ID, content, mentions))
}

// SendError reports failure and finishes the task.
func (t *Task) SendError(message string) error {
	return t.finish(protocol.Error(t.ID, message))
}

// Text returns the concatenation of every chunk sent so far.
func (t *Task) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// Finished reports whether a terminal frame was sent.
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Task) finish(f *protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return ErrTaskFinished
	}
	t.finished = true
	return t.out.WriteFrame(f)
}
