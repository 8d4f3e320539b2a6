// ABOUTME: Streams one task to an externally hosted A2A agent over HTTP + SSE.
// ABOUTME: Reconciles cumulative snapshots into deltas and fires exactly one terminal callback.

package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/agent-relay/internal/delta"
	"github.com/2389/agent-relay/internal/task"
)

type (
	// Option configures the Client.
	Option func(*Client)

	// Client calls external agents. It is safe for concurrent use.
	Client struct {
		http    *http.Client
		headers http.Header
		logger  *slog.Logger
	}
)

// statusError reports a non-success HTTP response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return strconv.Itoa(e.code)
}

// WithHTTPClient overrides the underlying *http.Client. The client should not
// set an overall Timeout: streams stay open for as long as the agent works.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		cl.headers.Add(name, value)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// New constructs a Client.
func New(opts ...Option) *Client {
	cl := &Client{
		http:    &http.Client{},
		headers: make(http.Header),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{}
	}
	return cl
}

// StreamTask submits content to the agent described by endpoint (its agent
// card URL) and blocks until the stream ends. OnChunk receives each newly
// appended piece of text; then exactly one of OnComplete or OnError fires.
//
// Cancelling ctx aborts the request and resolves the task with
// "Stream cancelled", which takes precedence over network error reporting.
func (c *Client) StreamTask(ctx context.Context, endpoint, content, taskID string, cb task.Callbacks) {
	if ctx.Err() != nil {
		fireError(cb, task.MsgStreamCancelled)
		return
	}

	full, err := c.stream(ctx, endpoint, content, taskID, cb.OnChunk)
	if err != nil {
		if ctx.Err() != nil {
			fireError(cb, task.MsgStreamCancelled)
			return
		}
		c.logger.Warn("external agent stream failed",
			"task_id", taskID,
			"endpoint", endpoint,
			"error", err,
		)
		fireError(cb, fmt.Sprintf("%s: %s", task.MsgAgentUnreachable, err.Error()))
		return
	}

	if cb.OnComplete != nil {
		cb.OnComplete(full)
	}
}

// stream performs the request and consumes the event stream, returning the
// accumulated full text on a clean end of stream.
func (c *Client) stream(ctx context.Context, endpoint, content, taskID string, onChunk func(string)) (string, error) {
	body, err := json.Marshal(newSubscribeRequest(taskID, content))
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TasksURL(endpoint), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	if resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.Body == nil {
		return "", &statusError{code: resp.StatusCode}
	}

	c.logger.Debug("external agent stream opened", "task_id", taskID, "endpoint", endpoint)

	// bufio keeps the partial trailing line between reads; only complete
	// lines reach handleLine.
	reader := bufio.NewReader(resp.Body)
	var acc delta.Accumulator
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return acc.Text(), nil
			}
			return "", err
		}
		c.handleLine(taskID, strings.TrimRight(line, "\r\n"), &acc, onChunk)
	}
}

func (c *Client) handleLine(taskID, line string, acc *delta.Accumulator, onChunk func(string)) {
	if !strings.HasPrefix(line, "data:") {
		return
	}
	ev, ok := ParseEvent(line)
	if !ok {
		c.logger.Debug("skipping malformed event", "task_id", taskID)
		return
	}
	if ev.State != StateWorking && ev.State != StateCompleted {
		return
	}
	for _, text := range ev.Texts {
		if d := acc.Push(text); d != "" && onChunk != nil {
			onChunk(d)
		}
	}
}

func fireError(cb task.Callbacks, message string) {
	if cb.OnError != nil {
		cb.OnError(message)
	}
}
