// Package agent tracks agents that hold a pull connection to the gateway.
//
// # Registry
//
// The Registry maps agent ids to their live Connection:
//
//	reg := agent.NewRegistry(logger)
//	reg.Open()
//	defer reg.Close()
//
// Key operations:
//
//   - Register(conn): add a connection, superseding any older one for the same agent
//   - Release(conn): remove conn if it is still current
//   - Unregister(agentID): remove whatever connection the agent holds
//   - IsConnected(agentID), GetSkills(agentID), List()
//   - Dispatch(agentID, req, stream): send a task or fail with "Agent not connected"
//
// # Task Correlation
//
// Each Connection keeps a map of pending task ids to task.Stream values:
//
//  1. Dispatch records the stream, then writes a task frame
//  2. agent_chunk frames are forwarded without resolving the task
//  3. agent_complete and agent_error remove the entry and resolve the stream
//  4. Cancelling the stream removes the entry and sends a cancel frame
//  5. Closing the connection fails every remaining entry with "Agent disconnected"
//
// Frames for unknown task ids are logged at debug level and dropped.
//
// # Thread Safety
//
// Registry and Connection are safe for concurrent use. Map updates complete
// before any socket I/O, and stream callbacks run outside the locks.
package agent
