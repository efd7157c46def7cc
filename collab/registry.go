package collab

import (
	mathrand "math/rand"
	"strings"
	"sync"

	"github.com/golang/glog"
)

type PublicRoleRegistrySettings struct {
	// digits in a freshly generated id. grows by one per collision.
	IdLength int
}

func DefaultPublicRoleRegistrySettings() *PublicRoleRegistrySettings {
	return &PublicRoleRegistrySettings{
		IdLength: 5,
	}
}

// the (owner, project name, role id) a socket occupied when it registered.
// an entry is only as good as this snapshot:
// once the socket's live situation stops matching, lookups read not-found,
// even though the entry still physically exists until disconnect
// or re-registration.
type roleFingerprint struct {
	owner       string
	projectName string
	roleId      Id
}

type publicRoleEntry struct {
	id          string
	clientId    Id
	fingerprint roleFingerprint

	unsubDisconnect func()
}

// ephemeral process-wide rendezvous registry mapping a short random numeric
// id to a live socket and its room situation.
// an explicit service object. constructed once and passed by handle.
type PublicRoleRegistry struct {
	topology *NetworkTopology
	projects ProjectStore

	settings *PublicRoleRegistrySettings

	stateLock sync.Mutex
	entries   map[string]*publicRoleEntry
	// at most one id per socket
	clientEntries map[Id]*publicRoleEntry
}

func NewPublicRoleRegistryWithDefaults(topology *NetworkTopology, projects ProjectStore) *PublicRoleRegistry {
	return NewPublicRoleRegistry(topology, projects, DefaultPublicRoleRegistrySettings())
}

func NewPublicRoleRegistry(topology *NetworkTopology, projects ProjectStore, settings *PublicRoleRegistrySettings) *PublicRoleRegistry {
	return &PublicRoleRegistry{
		topology:      topology,
		projects:      projects,
		settings:      settings,
		entries:       map[string]*publicRoleEntry{},
		clientEntries: map[Id]*publicRoleEntry{},
	}
}

// registers the socket's current situation under a fresh numeric id.
// any prior entry for the socket is replaced.
// the entry is cleaned up when the socket disconnects.
func (self *PublicRoleRegistry) Register(clientId Id) (string, error) {
	situation := self.topology.GetClient(clientId)
	if situation == nil {
		return "", ErrClientNotConnected
	}
	fingerprint, err := self.fingerprint(situation)
	if err != nil {
		return "", err
	}

	self.Unregister(clientId)

	unsubDisconnect := self.topology.AddDisconnectCallback(clientId, func() {
		self.Unregister(clientId)
	})

	self.stateLock.Lock()
	idLength := self.settings.IdLength
	var id string
	for {
		id = randomNumericId(idLength)
		if _, taken := self.entries[id]; !taken {
			break
		}
		idLength += 1
	}
	entry := &publicRoleEntry{
		id:              id,
		clientId:        clientId,
		fingerprint:     *fingerprint,
		unsubDisconnect: unsubDisconnect,
	}
	self.entries[id] = entry
	self.clientEntries[clientId] = entry
	self.stateLock.Unlock()

	glog.V(1).Infof("[rg]register %s as %s\n", clientId, id)
	return id, nil
}

// the socket registered under id, or nil if there is no entry or the
// socket's current situation no longer matches the registration snapshot
func (self *PublicRoleRegistry) LookUp(id string) ClientConn {
	self.stateLock.Lock()
	entry, ok := self.entries[id]
	self.stateLock.Unlock()
	if !ok {
		return nil
	}

	situation := self.topology.GetClient(entry.clientId)
	if situation == nil {
		return nil
	}
	fingerprint, err := self.fingerprint(situation)
	if err != nil {
		return nil
	}
	if *fingerprint != entry.fingerprint {
		// the socket left the room or changed role. stale data protection.
		return nil
	}
	return self.topology.GetConn(entry.clientId)
}

// idempotent
func (self *PublicRoleRegistry) Unregister(clientId Id) {
	self.stateLock.Lock()
	entry, ok := self.clientEntries[clientId]
	if ok {
		delete(self.clientEntries, clientId)
		delete(self.entries, entry.id)
	}
	self.stateLock.Unlock()

	if ok && entry.unsubDisconnect != nil {
		// avoid double invocation on a later disconnect
		entry.unsubDisconnect()
	}
}

// for test harnesses only
func (self *PublicRoleRegistry) Reset() {
	self.stateLock.Lock()
	entries := self.entries
	self.entries = map[string]*publicRoleEntry{}
	self.clientEntries = map[Id]*publicRoleEntry{}
	self.stateLock.Unlock()

	for _, entry := range entries {
		if entry.unsubDisconnect != nil {
			entry.unsubDisconnect()
		}
	}
}

func (self *PublicRoleRegistry) EntryCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}

func (self *PublicRoleRegistry) fingerprint(situation *ClientSituation) (*roleFingerprint, error) {
	metadata, err := self.projects.GetProjectMetadata(situation.ProjectId)
	if err != nil {
		return nil, err
	}
	return &roleFingerprint{
		owner:       metadata.Owner,
		projectName: metadata.Name,
		roleId:      situation.RoleId,
	}, nil
}

func randomNumericId(length int) string {
	digits := strings.Builder{}
	for i := 0; i < length; i += 1 {
		digits.WriteByte(byte('0' + mathrand.Intn(10)))
	}
	return digits.String()
}
