package collab

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

var ErrClientNotConnected = errors.New("client not connected")

// the transport surface the topology needs from a connected socket.
// Send is fire-and-forget. sending to a closed socket is a no-op.
type ClientConn interface {
	ClientId() Id
	Send(message *Message) bool
}

// a socket's current attachment plus identity.
// ephemeral. exists only while the socket is connected.
type ClientSituation struct {
	ClientId  Id
	ProjectId Id
	RoleId    Id
	Username  string
}

func (self *ClientSituation) Address() RoleAddress {
	return RoleAddress{
		ProjectId: self.ProjectId,
		RoleId:    self.RoleId,
	}
}

type topologyEntry struct {
	conn                ClientConn
	situation           ClientSituation
	disconnectCallbacks *CallbackList[func()]
}

// tracks which sockets are currently attached to which (project, role) pair
// for the lifetime of the process.
// an explicit service object. constructed once and passed by handle.
type NetworkTopology struct {
	projects ProjectStore

	stateLock sync.Mutex
	entries   map[Id]*topologyEntry
}

func NewNetworkTopology(projects ProjectStore) *NetworkTopology {
	return &NetworkTopology{
		projects: projects,
		entries:  map[Id]*topologyEntry{},
	}
}

func (self *NetworkTopology) OnConnect(conn ClientConn, username string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clientId := conn.ClientId()
	if _, ok := self.entries[clientId]; ok {
		// already connected
		return
	}
	if username == "" {
		// anonymous sockets are identified by their client id
		username = clientId.String()
	}
	self.entries[clientId] = &topologyEntry{
		conn: conn,
		situation: ClientSituation{
			ClientId: clientId,
			Username: username,
		},
		disconnectCallbacks: NewCallbackList[func()](),
	}
	glog.V(1).Infof("[tp]connect %s\n", clientId)
}

// removes the socket from its situation set and fires the disconnect
// observers exactly once, in registration order.
// failing to remove the socket would corrupt broadcast membership
// for the life of the process.
func (self *NetworkTopology) OnDisconnect(clientId Id) {
	self.stateLock.Lock()
	entry, ok := self.entries[clientId]
	if !ok {
		self.stateLock.Unlock()
		glog.V(1).Infof("[tp]disconnect %s already removed\n", clientId)
		return
	}
	delete(self.entries, clientId)
	projectId := entry.situation.ProjectId
	self.stateLock.Unlock()

	glog.V(1).Infof("[tp]disconnect %s\n", clientId)
	for _, disconnectCallback := range entry.disconnectCallbacks.Get() {
		func() {
			defer func() {
				if err := recover(); err != nil {
					glog.Infof("[tp]disconnect callback error %s = %s\n", clientId, err)
				}
			}()
			disconnectCallback()
		}()
	}

	if (projectId != Id{}) {
		self.OnRoomUpdate(projectId)
	}
}

// registers an observer for the socket's disconnect. returns an unsubscribe.
// if the socket is already gone the callback is invoked immediately.
func (self *NetworkTopology) AddDisconnectCallback(clientId Id, disconnectCallback func()) func() {
	self.stateLock.Lock()
	entry, ok := self.entries[clientId]
	self.stateLock.Unlock()

	if !ok {
		disconnectCallback()
		return func() {}
	}
	callbackId := entry.disconnectCallbacks.Add(disconnectCallback)
	return func() {
		entry.disconnectCallbacks.Remove(callbackId)
	}
}

// the current situation, or nil if the socket is not connected
func (self *NetworkTopology) GetClient(clientId Id) *ClientSituation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[clientId]
	if !ok {
		return nil
	}
	situation := entry.situation
	return &situation
}

func (self *NetworkTopology) GetConn(clientId Id) ClientConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[clientId]
	if !ok {
		return nil
	}
	return entry.conn
}

// the live set of sockets whose situation matches. order is unspecified.
func (self *NetworkTopology) GetSocketsAt(projectId Id, roleId Id) []ClientConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conns := []ClientConn{}
	for _, entry := range self.entries {
		if entry.situation.ProjectId == projectId && entry.situation.RoleId == roleId {
			conns = append(conns, entry.conn)
		}
	}
	return conns
}

func (self *NetworkTopology) GetSocketsAtProject(projectId Id) []ClientConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conns := []ClientConn{}
	for _, entry := range self.entries {
		if entry.situation.ProjectId == projectId {
			conns = append(conns, entry.conn)
		}
	}
	return conns
}

// atomically moves the socket to (projectId, roleId).
// there is no window where the socket is at two roles or at zero roles.
func (self *NetworkTopology) SetClientState(clientId Id, projectId Id, roleId Id, username string) error {
	self.stateLock.Lock()
	entry, ok := self.entries[clientId]
	if !ok {
		self.stateLock.Unlock()
		glog.Infof("[tp]could not set client state for %s\n", clientId)
		return ErrClientNotConnected
	}
	previousProjectId := entry.situation.ProjectId
	entry.situation.ProjectId = projectId
	entry.situation.RoleId = roleId
	if username != "" {
		entry.situation.Username = username
	}
	self.stateLock.Unlock()

	if (previousProjectId != Id{}) && previousProjectId != projectId {
		self.OnRoomUpdate(previousProjectId)
	}
	self.OnRoomUpdate(projectId)
	return nil
}

// removes the socket from its role and tells it so.
// the socket stays connected with no project attachment.
func (self *NetworkTopology) Evict(clientId Id) error {
	self.stateLock.Lock()
	entry, ok := self.entries[clientId]
	if !ok {
		self.stateLock.Unlock()
		return ErrClientNotConnected
	}
	previousProjectId := entry.situation.ProjectId
	entry.situation.ProjectId = Id{}
	entry.situation.RoleId = Id{}
	conn := entry.conn
	self.stateLock.Unlock()

	glog.V(1).Infof("[tp]evict %s\n", clientId)
	conn.Send(&Message{Type: MessageTypeEvicted})
	if (previousProjectId != Id{}) {
		self.OnRoomUpdate(previousProjectId)
	}
	return nil
}

func (self *NetworkTopology) ClientCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

type RoomOccupant struct {
	ClientId Id     `json:"clientId"`
	Username string `json:"username,omitempty"`
}

type RoomRole struct {
	Name      string          `json:"name"`
	Occupants []*RoomOccupant `json:"occupants"`
}

type RoomState struct {
	Version   int64                `json:"version"`
	ProjectId Id                   `json:"id"`
	Owner     string               `json:"owner"`
	Name      string               `json:"name"`
	Roles     map[string]*RoomRole `json:"roles"`
}

// the role/occupant listing for a project
func (self *NetworkTopology) RoomState(projectId Id) (*RoomState, error) {
	metadata, err := self.projects.GetProjectMetadata(projectId)
	if err != nil {
		return nil, err
	}

	roleIds := maps.Keys(metadata.Roles)
	sort.Slice(roleIds, func(i int, j int) bool {
		return roleIds[i].String() < roleIds[j].String()
	})

	roles := map[string]*RoomRole{}
	for _, roleId := range roleIds {
		occupants := []*RoomOccupant{}
		for _, conn := range self.GetSocketsAt(projectId, roleId) {
			situation := self.GetClient(conn.ClientId())
			if situation == nil {
				continue
			}
			occupants = append(occupants, &RoomOccupant{
				ClientId: situation.ClientId,
				Username: situation.Username,
			})
		}
		roles[roleId.String()] = &RoomRole{
			Name:      metadata.Roles[roleId].Name,
			Occupants: occupants,
		}
	}

	return &RoomState{
		Version:   time.Now().UnixMilli(),
		ProjectId: projectId,
		Owner:     metadata.Owner,
		Name:      metadata.Name,
		Roles:     roles,
	}, nil
}

// pushes the room state to every socket in the project
func (self *NetworkTopology) OnRoomUpdate(projectId Id) {
	state, err := self.RoomState(projectId)
	if err != nil {
		// transient projects may have no stored metadata
		glog.V(1).Infof("[tp]no room state for %s = %s\n", projectId, err)
		return
	}

	conns := self.GetSocketsAtProject(projectId)
	glog.V(1).Infof("[tp]room update %s to %d clients\n", projectId, len(conns))
	for _, conn := range conns {
		conn.Send(&Message{
			Type: MessageTypeRoomRoles,
			Room: state,
		})
	}
}
