// ABOUTME: JSON frames exchanged over the pull-connection websocket.
// ABOUTME: Shared by the gateway-side handler and the agent-side client.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeAgentAuth     = "agent_auth"     // agent -> server
	TypeAuthOK        = "auth_ok"        // server -> agent
	TypeAuthError     = "auth_error"     // server -> agent
	TypePing          = "ping"           // agent -> server
	TypePong          = "pong"           // server -> agent
	TypeTask          = "task"           // server -> agent
	TypeCancel        = "cancel"         // server -> agent
	TypeAgentChunk    = "agent_chunk"    // agent -> server
	TypeAgentComplete = "agent_complete" // agent -> server
	TypeAgentError    = "agent_error"    // agent -> server
)

// ErrMissingType is returned by Decode for frames without a type.
var ErrMissingType = errors.New("frame has no type")

// Skill is a capability advertised by an agent when it authenticates.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HistoryMessage is one prior message of the conversation sent with a task.
type HistoryMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Attachment references a file attached to the task's message.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// Frame is the union of every frame on the wire. Only the fields that belong
// to Type are populated.
type Frame struct {
	Type string `json:"type"`

	// agent_auth
	AgentID     string  `json:"agentId,omitempty"`
	SecretToken string  `json:"secretToken,omitempty"`
	Skills      []Skill `json:"skills,omitempty"`

	// auth_error, agent_error
	Error string `json:"error,omitempty"`

	// task, cancel, agent_*
	TaskID string `json:"taskId,omitempty"`

	// task
	ConversationID   string           `json:"conversationId,omitempty"`
	ConversationType string           `json:"conversationType,omitempty"`
	Members          []string         `json:"members,omitempty"`
	ReplyTo          string           `json:"replyTo,omitempty"`
	History          []HistoryMessage `json:"history,omitempty"`
	Attachments      []Attachment     `json:"attachments,omitempty"`

	// task, agent_complete
	Content string `json:"content,omitempty"`

	// agent_chunk
	Chunk string `json:"chunk,omitempty"`

	// agent_complete
	Mentions []string `json:"mentions,omitempty"`
}

// Decode parses a frame. Unknown types decode fine; callers decide whether
// to ignore them.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	return &f, nil
}

// Auth builds an agent_auth frame.
func Auth(agentID, secretToken string, skills []Skill) *Frame {
	return &Frame{Type: TypeAgentAuth, AgentID: agentID, SecretToken: secretToken, Skills: skills}
}

// AuthOK builds an auth_ok frame.
func AuthOK() *Frame {
	return &Frame{Type: TypeAuthOK}
}

// AuthError builds an auth_error frame.
func AuthError(reason string) *Frame {
	return &Frame{Type: TypeAuthError, Error: reason}
}

// Ping builds a ping frame.
func Ping() *Frame {
	return &Frame{Type: TypePing}
}

// Pong builds a pong frame.
func Pong() *Frame {
	return &Frame{Type: TypePong}
}

// Cancel builds a cancel frame for a task.
func Cancel(taskID string) *Frame {
	return &Frame{Type: TypeCancel, TaskID: taskID}
}

// Chunk builds an agent_chunk frame.
func Chunk(taskID, chunk string) *Frame {
	return &Frame{Type: TypeAgentChunk, TaskID: taskID, Chunk: chunk}
}

// Complete builds an agent_complete frame.
func Complete(taskID, content string, mentions []string) *Frame {
	return &Frame{Type: TypeAgentComplete, TaskID: taskID, Content: content, Mentions: mentions}
}

// Error builds an agent_error frame.
func Error(taskID, message string) *Frame {
	return &Frame{Type: TypeAgentError, TaskID: taskID, Error: message}
}
