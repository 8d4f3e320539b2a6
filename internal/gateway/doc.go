// Package gateway orchestrates the agent-relay server components.
//
// # Overview
//
// The gateway owns the HTTP server, the SQLite store, the registry of agents
// holding a pull connection and the task dispatcher. Agents either dial in
// over a websocket (pull transport) or are reached at the A2A endpoint on
// their store record (external transport).
//
// # Endpoints
//
//   - GET /agent/connect - agent pull connection (websocket)
//   - POST /api/send - dispatch a task, reply streamed as SSE
//   - GET /api/agents - agents holding a pull connection
//   - GET /api/agents/{id}/usage - recent task usage for an agent
//   - GET /api/stats/usage - aggregate usage, filterable by agent and time
//   - GET /health - liveness
//   - GET /health/ready - 200 once at least one agent is connected
//   - GET /metrics - Prometheus metrics when metrics.enabled is set
//
// # Pull Connections
//
// The first frame on /agent/connect must be agent_auth within
// agents.heartbeat_timeout. The secretToken is either the agent's stored
// secret (bcrypt) or a signed agent token when auth.jwt_secret is set.
// After auth_ok the agent is registered, superseding any older connection
// for the same id. Every inbound frame extends the read deadline; silence
// past the heartbeat timeout drops the connection and fails its pending
// tasks with "Agent disconnected".
//
// # SSE Events
//
// POST /api/send answers with:
//
//	event:started   data:{"task_id": "..."}
//	event:chunk     data:{"text": "..."}
//	event:complete  data:{"content": "...", "mentions": [...]}
//	event:error     data:{"error": "..."}
//
// A client that disconnects cancels its task. A request_id seen within
// api.dedupe_ttl for the same agent is answered with 409 and the original
// task id.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown closes the registry first, which disconnects agents and resolves
// their pending tasks, then drains the HTTP server and closes the store.
package gateway
