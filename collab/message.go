package collab

import (
	"encoding/json"
	"fmt"
)

// the client protocol is json text frames with a `type` discriminator

const (
	MessageTypeConnected              = "connected"
	MessageTypeReportVersion          = "report-version"
	MessageTypeSetUuid                = "set-uuid"
	MessageTypePing                   = "ping"
	MessageTypePong                   = "pong"
	MessageTypeUserAction             = "user-action"
	MessageTypeActionRejected         = "action-rejected"
	MessageTypeRequestActions         = "request-actions"
	MessageTypeRequestActionsComplete = "request-actions-complete"
	MessageTypeReloadProject          = "reload-project"
	MessageTypeRequestRoomState       = "request-room-state"
	MessageTypeRoomRoles              = "room-roles"
	MessageTypeEvicted                = "evicted"
)

type Message struct {
	Type      string          `json:"type"`
	ProjectId *Id             `json:"projectId,omitempty"`
	RoleId    *Id             `json:"roleId,omitempty"`
	ActionId  *uint64         `json:"actionId,omitempty"`
	Action    json.RawMessage `json:"action,omitempty"`
	ClientId  *Id             `json:"clientId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Body      string          `json:"body,omitempty"`
	Error     *MessageError   `json:"error,omitempty"`
	Room      *RoomState      `json:"room,omitempty"`
}

type MessageError struct {
	Message  string `json:"message"`
	ActionId uint64 `json:"actionId,omitempty"`
}

func ParseMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return message, nil
}

// the action payload is opaque except for the embedded id
type actionHeader struct {
	Id uint64 `json:"id"`
}

func (self *Message) ActionActionId() (uint64, error) {
	if self.Action == nil {
		return 0, fmt.Errorf("message has no action")
	}
	header := &actionHeader{}
	if err := json.Unmarshal(self.Action, header); err != nil {
		return 0, err
	}
	return header.Id, nil
}

func NewUserActionMessage(action *Action) *Message {
	projectId := action.ProjectId
	roleId := action.RoleId
	return &Message{
		Type:      MessageTypeUserAction,
		ProjectId: &projectId,
		RoleId:    &roleId,
		Action:    action.Payload,
	}
}

func NewActionRejectedMessage(action *Action, latestActionId uint64) *Message {
	projectId := action.ProjectId
	roleId := action.RoleId
	return &Message{
		Type:      MessageTypeActionRejected,
		ProjectId: &projectId,
		RoleId:    &roleId,
		Action:    action.Payload,
		Error: &MessageError{
			Message:  "Concurrent action already accepted.",
			ActionId: latestActionId,
		},
	}
}

func NewRequestActionsCompleteMessage() *Message {
	return &Message{
		Type: MessageTypeRequestActionsComplete,
	}
}

func NewReloadProjectMessage(err error) *Message {
	return &Message{
		Type: MessageTypeReloadProject,
		Error: &MessageError{
			Message: fmt.Sprintf("Could not retrieve latest changes from collaborators. (%s)", err),
		},
	}
}
