package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTopologyMove(t *testing.T) {
	topology := NewNetworkTopology(NewMemoryProjectStore())
	projectId := NewId()
	role1 := NewId()
	role2 := NewId()

	conn := newTestConn()
	topology.OnConnect(conn, "alice")

	err := topology.SetClientState(conn.ClientId(), projectId, role1, "alice")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(topology.GetSocketsAt(projectId, role1)))
	assert.Equal(t, 0, len(topology.GetSocketsAt(projectId, role2)))

	situation := topology.GetClient(conn.ClientId())
	assert.NotEqual(t, nil, situation)
	assert.Equal(t, role1, situation.RoleId)
	assert.Equal(t, "alice", situation.Username)

	// moving removes the socket from the previous role
	err = topology.SetClientState(conn.ClientId(), projectId, role2, "")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(topology.GetSocketsAt(projectId, role1)))
	assert.Equal(t, 1, len(topology.GetSocketsAt(projectId, role2)))
	assert.Equal(t, 1, len(topology.GetSocketsAtProject(projectId)))

	// the username sticks when unset on a move
	situation = topology.GetClient(conn.ClientId())
	assert.Equal(t, "alice", situation.Username)
}

func TestTopologyDisconnect(t *testing.T) {
	topology := NewNetworkTopology(NewMemoryProjectStore())
	projectId := NewId()
	roleId := NewId()

	conn := newTestConn()
	topology.OnConnect(conn, "")
	topology.SetClientState(conn.ClientId(), projectId, roleId, "")

	callCount := 0
	topology.AddDisconnectCallback(conn.ClientId(), func() {
		callCount += 1
	})

	removedCount := 0
	unsub := topology.AddDisconnectCallback(conn.ClientId(), func() {
		removedCount += 1
	})
	unsub()

	topology.OnDisconnect(conn.ClientId())
	assert.Equal(t, 1, callCount)
	assert.Equal(t, 0, removedCount)
	assert.Equal(t, nil, topology.GetClient(conn.ClientId()))
	assert.Equal(t, 0, len(topology.GetSocketsAt(projectId, roleId)))

	// disconnect is idempotent
	topology.OnDisconnect(conn.ClientId())
	assert.Equal(t, 1, callCount)

	// observers added after the fact fire immediately
	lateCount := 0
	topology.AddDisconnectCallback(conn.ClientId(), func() {
		lateCount += 1
	})
	assert.Equal(t, 1, lateCount)

	err := topology.SetClientState(conn.ClientId(), projectId, roleId, "")
	assert.Equal(t, ErrClientNotConnected, err)
}

func TestTopologyEvict(t *testing.T) {
	topology := NewNetworkTopology(NewMemoryProjectStore())
	projectId := NewId()
	roleId := NewId()

	conn := newTestConn()
	topology.OnConnect(conn, "alice")
	topology.SetClientState(conn.ClientId(), projectId, roleId, "alice")

	err := topology.Evict(conn.ClientId())
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(conn.Messages(MessageTypeEvicted)))
	assert.Equal(t, 0, len(topology.GetSocketsAt(projectId, roleId)))

	// the socket is still connected, just not in a room
	situation := topology.GetClient(conn.ClientId())
	assert.NotEqual(t, nil, situation)
	assert.Equal(t, Id{}, situation.ProjectId)

	err = topology.Evict(NewId())
	assert.Equal(t, ErrClientNotConnected, err)
}

func TestTopologyRoomState(t *testing.T) {
	projects := NewMemoryProjectStore()
	topology := NewNetworkTopology(projects)

	metadata, err := projects.CreateProject("brian", "test-room")
	assert.Equal(t, nil, err)
	role, err := projects.AddRole(metadata.ProjectId, "role")
	assert.Equal(t, nil, err)
	role2, err := projects.AddRole(metadata.ProjectId, "role2")
	assert.Equal(t, nil, err)

	a := newTestConn()
	b := newTestConn()
	topology.OnConnect(a, "brian")
	topology.OnConnect(b, "cassie")
	topology.SetClientState(a.ClientId(), metadata.ProjectId, role.RoleId, "brian")
	topology.SetClientState(b.ClientId(), metadata.ProjectId, role.RoleId, "cassie")

	state, err := topology.RoomState(metadata.ProjectId)
	assert.Equal(t, nil, err)
	assert.Equal(t, "brian", state.Owner)
	assert.Equal(t, "test-room", state.Name)
	assert.Equal(t, 2, len(state.Roles))
	assert.Equal(t, 2, len(state.Roles[role.RoleId.String()].Occupants))
	assert.Equal(t, 0, len(state.Roles[role2.RoleId.String()].Occupants))

	// moves push the room state to everyone in the project
	before := len(a.Messages(MessageTypeRoomRoles))
	topology.SetClientState(b.ClientId(), metadata.ProjectId, role2.RoleId, "")
	assert.Equal(t, before+1, len(a.Messages(MessageTypeRoomRoles)))
}
