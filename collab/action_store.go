package collab

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// an action already exists for the (project, role, actionId).
// the caller was expected to validate ordering upstream, so this is a controller bug.
var ErrDuplicateActionId = errors.New("duplicate action id")

// the requested catch-up window has been trimmed or cleared.
// this is a hard error and not an empty result,
// because silently returning an incomplete catch-up would desynchronize the client.
var ErrMissingHistory = errors.New("missing action history")

// a discrete ordered edit submitted against one role
type Action struct {
	ProjectId   Id              `json:"projectId"`
	RoleId      Id              `json:"roleId"`
	ActionId    uint64          `json:"actionId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedBy Id              `json:"submittedBy"`
	Time        time.Time       `json:"time"`
	Cleared     bool            `json:"cleared,omitempty"`
}

func (self *Action) Address() RoleAddress {
	return RoleAddress{
		ProjectId: self.ProjectId,
		RoleId:    self.RoleId,
	}
}

// append-only per-(project, role) store of accepted edit actions.
// the latest action id (head) is tracked explicitly,
// independent of what is physically stored,
// since the log may be trimmed or a role loaded from a snapshot
// that embeds a starting action id.
type ActionStore interface {
	// the action id must be caller-supplied and already validated for ordering
	Store(action *Action) error
	// non-cleared actions with actionId > actionId, in increasing order.
	// `ErrMissingHistory` when the retained history cannot fill the gap.
	// an empty result when actionId >= head is not an error.
	GetActionsAfter(projectId Id, roleId Id, actionId uint64) ([]*Action, error)
	// marks actions with actionId > actionId stored at or before asOf as cleared.
	// returns the count cleared.
	ClearActionsAfter(projectId Id, roleId Id, actionId uint64, asOf time.Time) (int, error)
	SetLatestActionId(projectId Id, roleId Id, actionId uint64) error
	GetLatestActionId(projectId Id, roleId Id) (uint64, error)
	// drops actions stored before the cutoff. returns the count dropped.
	Compact(before time.Time) (int, error)
	Close() error
}

type memoryActionStore struct {
	stateLock sync.Mutex
	// address -> action id -> action
	actions map[RoleAddress]map[uint64]*Action
	// address -> high-water mark
	heads map[RoleAddress]uint64
}

func NewMemoryActionStore() ActionStore {
	return &memoryActionStore{
		actions: map[RoleAddress]map[uint64]*Action{},
		heads:   map[RoleAddress]uint64{},
	}
}

func (self *memoryActionStore) Store(action *Action) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	address := action.Address()
	roleActions, ok := self.actions[address]
	if !ok {
		roleActions = map[uint64]*Action{}
		self.actions[address] = roleActions
	}
	// a cleared action may be superseded by a new action with the same id
	if existing, ok := roleActions[action.ActionId]; ok && !existing.Cleared {
		return ErrDuplicateActionId
	}

	storedAction := *action
	if storedAction.Time.IsZero() {
		storedAction.Time = time.Now()
	}
	storedAction.Cleared = false
	roleActions[action.ActionId] = &storedAction
	return nil
}

func (self *memoryActionStore) GetActionsAfter(projectId Id, roleId Id, actionId uint64) ([]*Action, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	address := RoleAddress{ProjectId: projectId, RoleId: roleId}
	actions := []*Action{}
	for _, action := range self.actions[address] {
		if !action.Cleared && actionId < action.ActionId {
			actionCopy := *action
			actions = append(actions, &actionCopy)
		}
	}
	sort.Slice(actions, func(i int, j int) bool {
		return actions[i].ActionId < actions[j].ActionId
	})

	if len(actions) == 0 {
		if actionId < self.heads[address] {
			return nil, ErrMissingHistory
		}
		return actions, nil
	}
	if actionId+1 < actions[0].ActionId {
		return nil, ErrMissingHistory
	}
	return actions, nil
}

func (self *memoryActionStore) ClearActionsAfter(projectId Id, roleId Id, actionId uint64, asOf time.Time) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	address := RoleAddress{ProjectId: projectId, RoleId: roleId}
	clearedCount := 0
	for _, action := range self.actions[address] {
		if !action.Cleared && actionId < action.ActionId && !action.Time.After(asOf) {
			action.Cleared = true
			clearedCount += 1
		}
	}
	return clearedCount, nil
}

func (self *memoryActionStore) SetLatestActionId(projectId Id, roleId Id, actionId uint64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.heads[RoleAddress{ProjectId: projectId, RoleId: roleId}] = actionId
	return nil
}

func (self *memoryActionStore) GetLatestActionId(projectId Id, roleId Id) (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.heads[RoleAddress{ProjectId: projectId, RoleId: roleId}], nil
}

func (self *memoryActionStore) Compact(before time.Time) (int, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	droppedCount := 0
	for address, roleActions := range self.actions {
		for actionId, action := range roleActions {
			if action.Time.Before(before) {
				delete(roleActions, actionId)
				droppedCount += 1
			}
		}
		if len(roleActions) == 0 {
			delete(self.actions, address)
		}
	}
	return droppedCount, nil
}

func (self *memoryActionStore) Close() error {
	return nil
}
