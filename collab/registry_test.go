package collab

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestRegistry(t *testing.T) (*PublicRoleRegistry, *NetworkTopology, *ProjectMetadata, *RoleMetadata, *RoleMetadata) {
	projects := NewMemoryProjectStore()
	topology := NewNetworkTopology(projects)
	registry := NewPublicRoleRegistryWithDefaults(topology, projects)

	metadata, err := projects.CreateProject("brian", "test-room")
	assert.Equal(t, nil, err)
	role, err := projects.AddRole(metadata.ProjectId, "role")
	assert.Equal(t, nil, err)
	role2, err := projects.AddRole(metadata.ProjectId, "role2")
	assert.Equal(t, nil, err)

	return registry, topology, metadata, role, role2
}

func TestRegistryLookUp(t *testing.T) {
	registry, topology, metadata, role, _ := newTestRegistry(t)

	conn := newTestConn()
	topology.OnConnect(conn, "brian")
	topology.SetClientState(conn.ClientId(), metadata.ProjectId, role.RoleId, "brian")

	id, err := registry.Register(conn.ClientId())
	assert.Equal(t, nil, err)
	assert.Equal(t, DefaultPublicRoleRegistrySettings().IdLength, len(id))

	found := registry.LookUp(id)
	assert.NotEqual(t, nil, found)
	assert.Equal(t, conn.ClientId(), found.ClientId())

	assert.Equal(t, nil, registry.LookUp("no-such-id"))
}

func TestRegistryStaleness(t *testing.T) {
	registry, topology, metadata, role, role2 := newTestRegistry(t)

	conn := newTestConn()
	topology.OnConnect(conn, "brian")
	topology.SetClientState(conn.ClientId(), metadata.ProjectId, role.RoleId, "brian")

	id, err := registry.Register(conn.ClientId())
	assert.Equal(t, nil, err)

	// the socket changed role. the entry was never unregistered,
	// but the lookup must read not-found.
	topology.SetClientState(conn.ClientId(), metadata.ProjectId, role2.RoleId, "")
	assert.Equal(t, nil, registry.LookUp(id))
	assert.Equal(t, 1, registry.EntryCount())

	// moving back revalidates the entry
	topology.SetClientState(conn.ClientId(), metadata.ProjectId, role.RoleId, "")
	assert.NotEqual(t, nil, registry.LookUp(id))
}

func TestRegistryReregister(t *testing.T) {
	registry, topology, metadata, role, _ := newTestRegistry(t)

	conn := newTestConn()
	topology.OnConnect(conn, "brian")
	topology.SetClientState(conn.ClientId(), metadata.ProjectId, role.RoleId, "brian")

	id1, err := registry.Register(conn.ClientId())
	assert.Equal(t, nil, err)
	id2, err := registry.Register(conn.ClientId())
	assert.Equal(t, nil, err)

	// at most one entry per socket
	assert.Equal(t, 1, registry.EntryCount())
	if id1 != id2 {
		assert.Equal(t, nil, registry.LookUp(id1))
	}
	assert.NotEqual(t, nil, registry.LookUp(id2))
}

func TestRegistryDisconnectCleanup(t *testing.T) {
	registry, topology, metadata, role, _ := newTestRegistry(t)

	conn := newTestConn()
	topology.OnConnect(conn, "brian")
	topology.SetClientState(conn.ClientId(), metadata.ProjectId, role.RoleId, "brian")

	id, err := registry.Register(conn.ClientId())
	assert.Equal(t, nil, err)

	topology.OnDisconnect(conn.ClientId())
	assert.Equal(t, nil, registry.LookUp(id))
	assert.Equal(t, 0, registry.EntryCount())

	// unregister after cleanup is a no-op
	registry.Unregister(conn.ClientId())
	assert.Equal(t, 0, registry.EntryCount())
}

func TestRegistryUniqueIds(t *testing.T) {
	registry, topology, metadata, role, _ := newTestRegistry(t)

	n := 10000
	ids := make([]string, n)

	wg := sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		conn := newTestConn()
		topology.OnConnect(conn, "")
		topology.SetClientState(conn.ClientId(), metadata.ProjectId, role.RoleId, "")

		wg.Add(1)
		go func(i int, clientId Id) {
			defer wg.Done()
			id, err := registry.Register(clientId)
			if err == nil {
				ids[i] = id
			}
		}(i, conn.ClientId())
	}
	wg.Wait()

	uniqueIds := map[string]bool{}
	for _, id := range ids {
		assert.NotEqual(t, "", id)
		uniqueIds[id] = true
	}
	assert.Equal(t, n, len(uniqueIds))
}
