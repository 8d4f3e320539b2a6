// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package splits persistence into small interfaces:
//
//   - AgentStore: agent directory records (endpoint, owner, secret hash)
//   - UsageRecorder: the single write callers make after a task resolves
//   - UsageStore: usage queries and aggregate statistics
//   - Store: all of the above plus Close
//
// SQLiteStore implements every interface in a single struct. MockStore is an
// in-memory equivalent for tests.
//
// # Schema
//
//	agents(id, name, owner_id, endpoint, secret_hash, created_at, updated_at)
//	task_usage(id, task_id, agent_id, conversation_id, transport, outcome,
//	           error, chunk_count, response_bytes, duration_ms, created_at)
//
// Timestamps are stored as RFC 3339 text in UTC. The database runs in WAL
// mode with a busy timeout so readers never block the single writer.
package store
