// ABOUTME: Wire types for the A2A tasks/sendSubscribe request and its SSE events.
// ABOUTME: ParseEvent turns one "data:" line into a classified event or reports it unusable.

package a2a

import (
	"encoding/json"
	"strings"
)

// Task states the client acts on. Everything else is ignored.
const (
	StateWorking   = "working"
	StateCompleted = "completed"
)

const (
	wellKnownSuffix = "/.well-known/agent.json"
	tasksSendSuffix = "/tasks/send"
	methodSubscribe = "tasks/sendSubscribe"
)

type (
	rpcRequest struct {
		JSONRPC string     `json:"jsonrpc"`
		ID      string     `json:"id"`
		Method  string     `json:"method"`
		Params  sendParams `json:"params"`
	}

	sendParams struct {
		ID      string  `json:"id"`
		Message Message `json:"message"`
	}

	// Message is an A2A message made of ordered parts.
	Message struct {
		Role  string `json:"role"`
		Parts []Part `json:"parts"`
	}

	// Part is a single message or artifact part. Only text parts matter here.
	Part struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}

	// Artifact is an output artifact attached to a task result.
	Artifact struct {
		Parts []Part `json:"parts"`
	}

	// TaskStatus is the status snapshot carried by each event.
	TaskStatus struct {
		State   string   `json:"state"`
		Message *Message `json:"message,omitempty"`
	}

	taskResult struct {
		Status    *TaskStatus `json:"status"`
		Artifacts []Artifact  `json:"artifacts,omitempty"`
	}

	eventEnvelope struct {
		Result *taskResult `json:"result"`
	}
)

// Event is a parsed SSE event: the task state plus the text parts that
// apply to it, in the order they were sent. Each text is a cumulative
// snapshot, not an increment.
type Event struct {
	State string
	Texts []string
}

// TasksURL derives the task submission URL from an agent card URL by
// replacing the well-known descriptor suffix with /tasks/send. URLs without
// the suffix are returned unchanged.
func TasksURL(endpoint string) string {
	return strings.Replace(endpoint, wellKnownSuffix, tasksSendSuffix, 1)
}

func newSubscribeRequest(taskID, content string) rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      taskID,
		Method:  methodSubscribe,
		Params: sendParams{
			ID: taskID,
			Message: Message{
				Role:  "user",
				Parts: []Part{{Type: "text", Text: content}},
			},
		},
	}
}

// ParseEvent parses a single SSE line. It returns false for lines that are
// not data lines and for data lines whose payload is not valid JSON; callers
// skip those without failing the stream.
//
// For "working" events the texts come from result.status.message.parts. For
// "completed" events they come from the same place when the message carries
// a parts list, and otherwise from result.artifacts[0].parts. The artifact
// fallback is deliberately not applied to "working" events; agents seen so
// far only attach artifacts on completion.
func ParseEvent(line string) (Event, bool) {
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return Event{}, false
	}
	payload = strings.TrimPrefix(payload, " ")

	var env eventEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Event{}, false
	}
	if env.Result == nil || env.Result.Status == nil {
		return Event{}, true
	}

	status := env.Result.Status
	ev := Event{State: status.State}

	switch status.State {
	case StateWorking:
		if status.Message != nil {
			ev.Texts = textParts(status.Message.Parts)
		}
	case StateCompleted:
		switch {
		case status.Message != nil && status.Message.Parts != nil:
			ev.Texts = textParts(status.Message.Parts)
		case len(env.Result.Artifacts) > 0:
			ev.Texts = textParts(env.Result.Artifacts[0].Parts)
		}
	}
	return ev, true
}

func textParts(parts []Part) []string {
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return texts
}
