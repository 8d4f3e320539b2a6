// ABOUTME: HTTP API handlers for dispatching tasks to agents with SSE responses.
// ABOUTME: Provides POST /api/send, GET /api/agents and usage statistics endpoints.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/dispatch"
	"github.com/2389/agent-relay/internal/protocol"
	"github.com/2389/agent-relay/internal/store"
	"github.com/2389/agent-relay/internal/task"
)

// SendMessageRequest is the JSON request body for POST /api/send.
type SendMessageRequest struct {
	AgentID          string                    `json:"agent_id"`
	Content          string                    `json:"content"`
	ConversationID   string                    `json:"conversation_id,omitempty"`
	ConversationType string                    `json:"conversation_type,omitempty"`
	Members          []string                  `json:"members,omitempty"`
	ReplyTo          string                    `json:"reply_to,omitempty"`
	History          []protocol.HistoryMessage `json:"history,omitempty"`
	Attachments      []protocol.Attachment     `json:"attachments,omitempty"`
	RequestID        string                    `json:"request_id,omitempty"`
}

// AgentInfoResponse is the JSON response for GET /api/agents.
type AgentInfoResponse struct {
	ID           string           `json:"id"`
	Skills       []protocol.Skill `json:"skills"`
	RemoteAddr   string           `json:"remote_addr,omitempty"`
	ConnectedAt  string           `json:"connected_at"`
	PendingTasks int              `json:"pending_tasks"`
}

// TaskUsageResponse is one entry of GET /api/agents/{id}/usage.
type TaskUsageResponse struct {
	TaskID         string `json:"task_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Transport      string `json:"transport"`
	Outcome        string `json:"outcome"`
	Error          string `json:"error,omitempty"`
	ChunkCount     int    `json:"chunk_count"`
	ResponseBytes  int    `json:"response_bytes"`
	DurationMs     int64  `json:"duration_ms"`
	CreatedAt      string `json:"created_at"`
}

// UsageStatsResponse is the JSON response for GET /api/stats/usage.
type UsageStatsResponse struct {
	TaskCount      int64   `json:"task_count"`
	CompletedCount int64   `json:"completed_count"`
	ErrorCount     int64   `json:"error_count"`
	CancelledCount int64   `json:"cancelled_count"`
	ResponseBytes  int64   `json:"response_bytes"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

// handleListAgents handles GET /api/agents requests.
// It returns a JSON array of all agents holding a pull connection.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents := g.registry.List()
	response := make([]AgentInfoResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, AgentInfoResponse{
			ID:           a.ID,
			Skills:       a.Skills,
			RemoteAddr:   a.RemoteAddr,
			ConnectedAt:  a.ConnectedAt.UTC().Format(time.RFC3339),
			PendingTasks: a.PendingTasks,
		})
	}

	g.sendJSON(w, http.StatusOK, response)
}

// handleSendMessage handles POST /api/send requests.
// It dispatches the task and streams the agent's reply as SSE events:
// started, then any number of chunk events, then one complete or error.
//
// Responsibilities:
//  1. Parse JSON body - agent_id and content are required
//  2. Claim request_id - a replay within the dedupe TTL gets 409
//  3. Consult the gate - a rejection gets 429
//  4. Dispatch - pull connection, external endpoint, or "Agent offline"
//  5. Stream events until the terminal one; a client disconnect cancels the task
//  6. Record usage for the finished task
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before dispatching (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	taskID := uuid.New().String()
	dedupeKey := ""
	if req.RequestID != "" {
		dedupeKey = req.AgentID + "/" + req.RequestID
		if original, dup := g.dedupe.Claim(dedupeKey, taskID); dup {
			g.sendJSON(w, http.StatusConflict, map[string]string{
				"error":   "duplicate request_id",
				"task_id": original,
			})
			return
		}
	}

	dreq := &dispatch.Request{
		AgentID: req.AgentID,
		TaskID:  taskID,
		TaskRequest: agent.TaskRequest{
			ConversationID:   req.ConversationID,
			ConversationType: req.ConversationType,
			Content:          req.Content,
			Members:          req.Members,
			ReplyTo:          req.ReplyTo,
			History:          req.History,
			Attachments:      req.Attachments,
		},
	}

	if g.gate != nil {
		if err := g.gate.Allow(r.Context(), dreq); err != nil {
			if dedupeKey != "" {
				g.dedupe.Release(dedupeKey)
			}
			g.sendJSONError(w, http.StatusTooManyRequests, err.Error())
			return
		}
	}

	started := time.Now()
	s, transport := g.dispatcher.Send(r.Context(), dreq)

	// Set SSE headers
	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{"task_id": taskID})
	flusher.Flush()

	usage := g.streamEvents(w, flusher, s)
	usage.TaskID = taskID
	usage.AgentID = req.AgentID
	usage.ConversationID = req.ConversationID
	usage.Transport = string(transport)
	usage.DurationMs = time.Since(started).Milliseconds()

	g.recordUsage(context.WithoutCancel(r.Context()), usage)
}

// streamEvents writes every stream event as SSE and summarizes the task.
// Write failures are ignored: the request context ends with the client and
// that cancels the stream, which still delivers its terminal event.
func (g *Gateway) streamEvents(w http.ResponseWriter, flusher http.Flusher, s *task.Stream) *store.TaskUsage {
	usage := &store.TaskUsage{}

	for ev := range s.Events() {
		switch ev.Kind {
		case task.KindChunk:
			if s.Cancelled() {
				continue
			}
			usage.ChunkCount++
			usage.ResponseBytes += len(ev.Text)
			g.writeSSEEvent(w, "chunk", map[string]string{"text": ev.Text})
		case task.KindComplete:
			usage.ResponseBytes = len(ev.Text)
			mentions := ev.Mentions
			if mentions == nil {
				mentions = []string{}
			}
			g.writeSSEEvent(w, "complete", map[string]any{
				"content":  ev.Text,
				"mentions": mentions,
			})
		case task.KindError:
			usage.Error = ev.Text
			g.writeSSEEvent(w, "error", map[string]string{"error": ev.Text})
		}
		flusher.Flush()

		if ev.Terminal() {
			usage.Outcome = dispatch.Outcome(ev)
		}
	}
	return usage
}

func (g *Gateway) recordUsage(ctx context.Context, usage *store.TaskUsage) {
	if err := g.store.RecordUsage(ctx, usage); err != nil {
		g.logger.Error("failed to record task usage", "task_id", usage.TaskID, "error", err)
	}
}

// handleAgentUsage handles GET /api/agents/{id}/usage?limit=N.
func (g *Gateway) handleAgentUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agentID, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/usage")
	if !ok || agentID == "" || strings.Contains(agentID, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := g.store.ListAgentUsage(r.Context(), agentID, limit)
	if err != nil {
		g.logger.Error("failed to list agent usage", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]TaskUsageResponse, 0, len(records))
	for _, u := range records {
		response = append(response, TaskUsageResponse{
			TaskID:         u.TaskID,
			ConversationID: u.ConversationID,
			Transport:      u.Transport,
			Outcome:        u.Outcome,
			Error:          u.Error,
			ChunkCount:     u.ChunkCount,
			ResponseBytes:  u.ResponseBytes,
			DurationMs:     u.DurationMs,
			CreatedAt:      u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleUsageStats handles GET /api/stats/usage?agent_id=X&since=RFC3339&until=RFC3339.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filter, err := parseUsageFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to get usage stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, UsageStatsResponse{
		TaskCount:      stats.TaskCount,
		CompletedCount: stats.CompletedCount,
		ErrorCount:     stats.ErrorCount,
		CancelledCount: stats.CancelledCount,
		ResponseBytes:  stats.ResponseBytes,
		AvgDurationMs:  stats.AvgDurationMs,
	})
}

func parseUsageFilter(r *http.Request) (store.UsageFilter, error) {
	var filter store.UsageFilter
	q := r.URL.Query()

	if v := q.Get("agent_id"); v != "" {
		filter.AgentID = &v
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid since: expected RFC3339")
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("invalid until: expected RFC3339")
		}
		filter.Until = &t
	}
	return filter, nil
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	if err := sse.Encode(w, sse.Event{Event: event, Data: data}); err != nil {
		g.logger.Debug("failed to write SSE event", "event", event, "error", err)
	}
}

// sendJSON writes a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// parseSendRequest parses and validates a SendMessageRequest from the given reader.
// Returns an error if the JSON is invalid or required fields (agent_id, content) are missing.
func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.AgentID == "" {
		return nil, errors.New("agent_id is required")
	}

	if req.Content == "" {
		return nil, errors.New("content is required")
	}

	return &req, nil
}
