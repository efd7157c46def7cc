package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestProjectStore(t *testing.T) {
	projects := NewMemoryProjectStore()

	metadata, err := projects.CreateProject("brian", "test-room")
	assert.Equal(t, nil, err)
	assert.Equal(t, "brian", metadata.Owner)
	assert.Equal(t, "test-room", metadata.Name)
	assert.Equal(t, true, metadata.Transient)

	// names are unique per owner, not globally
	_, err = projects.CreateProject("brian", "test-room")
	assert.Equal(t, ErrDuplicateProjectName, err)
	_, err = projects.CreateProject("cassie", "test-room")
	assert.Equal(t, nil, err)

	err = projects.PersistProject(metadata.ProjectId)
	assert.Equal(t, nil, err)
	metadata, err = projects.GetProjectMetadata(metadata.ProjectId)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, metadata.Transient)

	err = projects.RemoveProject(metadata.ProjectId)
	assert.Equal(t, nil, err)
	_, err = projects.GetProjectMetadata(metadata.ProjectId)
	assert.Equal(t, ErrProjectNotFound, err)

	// removing frees the name for the owner
	_, err = projects.CreateProject("brian", "test-room")
	assert.Equal(t, nil, err)
}

func TestProjectStoreRoles(t *testing.T) {
	projects := NewMemoryProjectStore()

	metadata, err := projects.CreateProject("brian", "test-room")
	assert.Equal(t, nil, err)

	role, err := projects.AddRole(metadata.ProjectId, "stage")
	assert.Equal(t, nil, err)

	roleId, err := projects.GetRoleId(metadata.ProjectId, "stage")
	assert.Equal(t, nil, err)
	assert.Equal(t, role.RoleId, roleId)

	// the role id is stable across renames
	err = projects.RenameRole(metadata.ProjectId, role.RoleId, "lobby")
	assert.Equal(t, nil, err)
	roleId, err = projects.GetRoleId(metadata.ProjectId, "lobby")
	assert.Equal(t, nil, err)
	assert.Equal(t, role.RoleId, roleId)
	_, err = projects.GetRoleId(metadata.ProjectId, "stage")
	assert.Equal(t, ErrRoleNotFound, err)

	// a clone is a distinct role with its own id
	clonedRole, err := projects.CloneRole(metadata.ProjectId, role.RoleId, "lobby copy")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, role.RoleId, clonedRole.RoleId)

	metadata, err = projects.GetProjectMetadata(metadata.ProjectId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(metadata.Roles))

	err = projects.RemoveRole(metadata.ProjectId, clonedRole.RoleId)
	assert.Equal(t, nil, err)
	err = projects.RemoveRole(metadata.ProjectId, clonedRole.RoleId)
	assert.Equal(t, ErrRoleNotFound, err)
}

func TestProjectStoreCopies(t *testing.T) {
	projects := NewMemoryProjectStore()

	metadata, err := projects.CreateProject("brian", "test-room")
	assert.Equal(t, nil, err)
	role, err := projects.AddRole(metadata.ProjectId, "stage")
	assert.Equal(t, nil, err)

	// mutating returned metadata must not leak into the store
	metadata, err = projects.GetProjectMetadata(metadata.ProjectId)
	assert.Equal(t, nil, err)
	metadata.Roles[role.RoleId].Name = "mutated"

	metadata, err = projects.GetProjectMetadata(metadata.ProjectId)
	assert.Equal(t, nil, err)
	assert.Equal(t, "stage", metadata.Roles[role.RoleId].Name)
}
