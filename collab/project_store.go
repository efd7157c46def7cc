package collab

import (
	"errors"
	"sync"

	"golang.org/x/exp/maps"
)

var ErrProjectNotFound = errors.New("project not found")
var ErrRoleNotFound = errors.New("role not found")
var ErrDuplicateProjectName = errors.New("project name already in use by owner")

type RoleMetadata struct {
	RoleId Id     `json:"roleId"`
	Name   string `json:"name"`
}

type ProjectMetadata struct {
	ProjectId Id     `json:"projectId"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	// projects are created transient and persisted explicitly
	Transient bool                 `json:"transient"`
	Roles     map[Id]*RoleMetadata `json:"roles"`
}

// persisted project metadata and role directory.
// role ids are opaque, minted at role creation, and never reused.
// renames keep the role id. clones mint a new role id.
type ProjectStore interface {
	CreateProject(owner string, name string) (*ProjectMetadata, error)
	GetProjectMetadata(projectId Id) (*ProjectMetadata, error)
	PersistProject(projectId Id) error
	RemoveProject(projectId Id) error
	AddRole(projectId Id, name string) (*RoleMetadata, error)
	RemoveRole(projectId Id, roleId Id) error
	RenameRole(projectId Id, roleId Id, name string) error
	CloneRole(projectId Id, roleId Id, name string) (*RoleMetadata, error)
	GetRoleId(projectId Id, name string) (Id, error)
}

type memoryProjectStore struct {
	stateLock sync.Mutex
	projects  map[Id]*ProjectMetadata
	// owner -> name -> project id
	ownerNames map[string]map[string]Id
}

func NewMemoryProjectStore() ProjectStore {
	return &memoryProjectStore{
		projects:   map[Id]*ProjectMetadata{},
		ownerNames: map[string]map[string]Id{},
	}
}

func (self *memoryProjectStore) CreateProject(owner string, name string) (*ProjectMetadata, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	names, ok := self.ownerNames[owner]
	if !ok {
		names = map[string]Id{}
		self.ownerNames[owner] = names
	}
	if _, ok := names[name]; ok {
		return nil, ErrDuplicateProjectName
	}

	project := &ProjectMetadata{
		ProjectId: NewId(),
		Owner:     owner,
		Name:      name,
		Transient: true,
		Roles:     map[Id]*RoleMetadata{},
	}
	self.projects[project.ProjectId] = project
	names[name] = project.ProjectId
	return copyProjectMetadata(project), nil
}

func (self *memoryProjectStore) GetProjectMetadata(projectId Id) (*ProjectMetadata, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return copyProjectMetadata(project), nil
}

func (self *memoryProjectStore) PersistProject(projectId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return ErrProjectNotFound
	}
	project.Transient = false
	return nil
}

func (self *memoryProjectStore) RemoveProject(projectId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return ErrProjectNotFound
	}
	delete(self.projects, projectId)
	if names, ok := self.ownerNames[project.Owner]; ok {
		delete(names, project.Name)
		if len(names) == 0 {
			delete(self.ownerNames, project.Owner)
		}
	}
	return nil
}

func (self *memoryProjectStore) AddRole(projectId Id, name string) (*RoleMetadata, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return nil, ErrProjectNotFound
	}
	role := &RoleMetadata{
		RoleId: NewId(),
		Name:   name,
	}
	project.Roles[role.RoleId] = role
	roleCopy := *role
	return &roleCopy, nil
}

func (self *memoryProjectStore) RemoveRole(projectId Id, roleId Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return ErrProjectNotFound
	}
	if _, ok := project.Roles[roleId]; !ok {
		return ErrRoleNotFound
	}
	delete(project.Roles, roleId)
	return nil
}

// the role id is stable across renames
func (self *memoryProjectStore) RenameRole(projectId Id, roleId Id, name string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return ErrProjectNotFound
	}
	role, ok := project.Roles[roleId]
	if !ok {
		return ErrRoleNotFound
	}
	role.Name = name
	return nil
}

// a clone gets a new role id. action history does not follow the clone.
func (self *memoryProjectStore) CloneRole(projectId Id, roleId Id, name string) (*RoleMetadata, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return nil, ErrProjectNotFound
	}
	if _, ok := project.Roles[roleId]; !ok {
		return nil, ErrRoleNotFound
	}
	clonedRole := &RoleMetadata{
		RoleId: NewId(),
		Name:   name,
	}
	project.Roles[clonedRole.RoleId] = clonedRole
	roleCopy := *clonedRole
	return &roleCopy, nil
}

func (self *memoryProjectStore) GetRoleId(projectId Id, name string) (Id, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	project, ok := self.projects[projectId]
	if !ok {
		return Id{}, ErrProjectNotFound
	}
	for _, role := range project.Roles {
		if role.Name == name {
			return role.RoleId, nil
		}
	}
	return Id{}, ErrRoleNotFound
}

func copyProjectMetadata(project *ProjectMetadata) *ProjectMetadata {
	projectCopy := *project
	projectCopy.Roles = map[Id]*RoleMetadata{}
	for _, roleId := range maps.Keys(project.Roles) {
		roleCopy := *project.Roles[roleId]
		projectCopy.Roles[roleId] = &roleCopy
	}
	return &projectCopy
}
