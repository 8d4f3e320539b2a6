// ABOUTME: Tests for the Registry of pull connections.
// ABOUTME: Validates supersession, identity-checked release and dispatch.

package agent

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/protocol"
	"github.com/2389/agent-relay/internal/task"
)

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(slog.Default())
	reg.Open()
	t.Cleanup(reg.Close)
	return reg
}

func TestRegistryRejectsBeforeOpen(t *testing.T) {
	reg := NewRegistry(nil)
	conn, _ := newTestConnection("agent-1")

	_, err := reg.Register(conn)
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.False(t, reg.IsConnected("agent-1"))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := openRegistry(t)
	conn := NewConnection(ConnectionParams{
		ID:     "agent-1",
		Skills: []protocol.Skill{{Name: "search", Description: "web search"}},
		Socket: &mockSocket{},
	})

	prev, err := reg.Register(conn)
	require.NoError(t, err)
	assert.Nil(t, prev)

	assert.True(t, reg.IsConnected("agent-1"))
	assert.False(t, reg.IsConnected("agent-2"))
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, "search", reg.GetSkills("agent-1")[0].Name)

	got, ok := reg.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestRegistryGetSkillsUnknownAgent(t *testing.T) {
	reg := openRegistry(t)
	skills := reg.GetSkills("ghost")
	assert.NotNil(t, skills)
	assert.Empty(t, skills)
}

func TestRegistrySupersedesOlderConnection(t *testing.T) {
	reg := openRegistry(t)
	oldConn, oldSock := newTestConnection("agent-1")
	newConn, newSock := newTestConnection("agent-1")

	_, err := reg.Register(oldConn)
	require.NoError(t, err)

	s := task.NewStream("task-1")
	reg.Dispatch("agent-1", &TaskRequest{}, s)

	prev, err := reg.Register(newConn)
	require.NoError(t, err)
	assert.Same(t, oldConn, prev)
	assert.True(t, oldSock.isClosed())
	assert.False(t, newSock.isClosed())

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgAgentDisconnected, events[0].Text)

	// The superseded socket's read loop ends and releases its connection;
	// the new one must survive.
	assert.False(t, reg.Release(oldConn))
	assert.True(t, reg.IsConnected("agent-1"))

	current, _ := reg.Get("agent-1")
	assert.Same(t, newConn, current)
}

func TestRegistryReregisterSameConnection(t *testing.T) {
	reg := openRegistry(t)
	conn, sock := newTestConnection("agent-1")

	_, err := reg.Register(conn)
	require.NoError(t, err)
	prev, err := reg.Register(conn)
	require.NoError(t, err)

	assert.Nil(t, prev)
	assert.False(t, sock.isClosed())
}

func TestRegistryReleaseFailsPending(t *testing.T) {
	reg := openRegistry(t)
	conn, sock := newTestConnection("agent-1")
	_, err := reg.Register(conn)
	require.NoError(t, err)

	s := task.NewStream("task-1")
	reg.Dispatch("agent-1", &TaskRequest{}, s)

	assert.True(t, reg.Release(conn))
	assert.False(t, reg.IsConnected("agent-1"))
	assert.True(t, sock.isClosed())

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgAgentDisconnected, events[0].Text)
}

func TestRegistryUnregister(t *testing.T) {
	reg := openRegistry(t)
	conn, _ := newTestConnection("agent-1")
	_, err := reg.Register(conn)
	require.NoError(t, err)

	s := task.NewStream("task-1")
	reg.Dispatch("agent-1", &TaskRequest{}, s)

	reg.Unregister("agent-1")
	reg.Unregister("agent-1")

	assert.Equal(t, 0, reg.Count())
	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgAgentDisconnected, events[0].Text)
}

func TestRegistryDispatchNotConnected(t *testing.T) {
	reg := openRegistry(t)
	s := task.NewStream("task-1")

	reg.Dispatch("ghost", &TaskRequest{Content: "hi"}, s)

	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, task.KindError, events[0].Kind)
	assert.Equal(t, task.MsgAgentNotConnected, events[0].Text)
}

func TestRegistryCloseDropsEverything(t *testing.T) {
	reg := NewRegistry(slog.Default())
	reg.Open()

	conn, sock := newTestConnection("agent-1")
	_, err := reg.Register(conn)
	require.NoError(t, err)
	s := task.NewStream("task-1")
	reg.Dispatch("agent-1", &TaskRequest{}, s)

	reg.Close()

	assert.Equal(t, 0, reg.Count())
	assert.True(t, sock.isClosed())
	events := collect(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, task.MsgAgentDisconnected, events[0].Text)

	_, err = reg.Register(conn)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistryListSorted(t *testing.T) {
	reg := openRegistry(t)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		conn, _ := newTestConnection(id)
		_, err := reg.Register(conn)
		require.NoError(t, err)
	}

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, "bravo", infos[1].ID)
	assert.Equal(t, "charlie", infos[2].ID)
	assert.NotNil(t, infos[0].Skills)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := openRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"a", "b", "c", "d"}[i%4]
			conn, _ := newTestConnection(id)
			if _, err := reg.Register(conn); err != nil {
				t.Errorf("register: %v", err)
				return
			}
			reg.IsConnected(id)
			reg.List()
			reg.Release(conn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Count())
}
