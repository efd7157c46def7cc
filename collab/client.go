package collab

import (
	"context"
	"sync"
	"time"

	"encoding/json"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ClientSettings struct {
	WriteTimeout time.Duration
	// app-level pings keep the connection warm
	HeartbeatInterval time.Duration
	// no inbound traffic for this long means the socket is unresponsive
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultClientSettings() *ClientSettings {
	heartbeatInterval := 25 * time.Second
	return &ClientSettings{
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: heartbeatInterval,
		ReadTimeout:       2 * heartbeatInterval,
		SendBufferSize:    256,
	}
}

// one connected websocket.
// owns the serialized writer and the reader dispatch loop.
// implements `ClientConn`.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	topology *NetworkTopology
	sessions *SessionManager

	settings *ClientSettings

	clientId     Id
	authUsername string

	stateLock  sync.Mutex
	registered bool

	send chan *Message
}

func NewClientWithDefaults(
	ctx context.Context,
	ws *websocket.Conn,
	topology *NetworkTopology,
	sessions *SessionManager,
	auth *ClientAuth,
) *Client {
	return NewClient(ctx, ws, topology, sessions, auth, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	ws *websocket.Conn,
	topology *NetworkTopology,
	sessions *SessionManager,
	auth *ClientAuth,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientId := NewId()
	authUsername := ""
	if auth != nil {
		if (auth.ClientId != Id{}) {
			clientId = auth.ClientId
		}
		authUsername = auth.Username
	}

	client := &Client{
		ctx:          cancelCtx,
		cancel:       cancel,
		ws:           ws,
		topology:     topology,
		sessions:     sessions,
		settings:     settings,
		clientId:     clientId,
		authUsername: authUsername,
		send:         make(chan *Message, settings.SendBufferSize),
	}

	if auth != nil && (auth.ClientId != Id{}) {
		// authenticated clients do not need the set-uuid handshake
		client.register()
	}

	go client.run()

	client.Send(&Message{
		Type: MessageTypeReportVersion,
		Body: Version,
	})

	return client
}

func (self *Client) ClientId() Id {
	return self.clientId
}

// fire-and-forget. returns false if the message was not queued.
// sending to a closed socket is a no-op.
func (self *Client) Send(message *Message) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	default:
		// the connection is not draining its buffer. treat it as broken
		// rather than deliver out of order later.
		glog.Infof("[c]%s send overflow\n", self.clientId)
		self.cancel()
		return false
	}
}

func (self *Client) Close() {
	self.cancel()
}

func (self *Client) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Client) register() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.registered {
		return
	}
	self.registered = true
	self.topology.OnConnect(self, self.authUsername)
}

func (self *Client) run() {
	defer func() {
		self.cancel()
		self.stateLock.Lock()
		registered := self.registered
		self.stateLock.Unlock()
		if registered {
			self.topology.OnDisconnect(self.clientId)
		}
		self.ws.Close()
	}()

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}
				messageBytes, err := json.Marshal(message)
				if err != nil {
					glog.Errorf("[c]%s-> marshal error = %s\n", self.clientId, err)
					continue
				}
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
					// a websocket deadline timeout cannot be recovered
					glog.Infof("[c]%s-> error = %s\n", self.clientId, err)
					return
				}
				glog.V(2).Infof("[c]%s-> %s\n", self.clientId, message.Type)
			case <-time.After(self.settings.HeartbeatInterval):
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				pingBytes, _ := json.Marshal(&Message{Type: MessageTypePing})
				if err := self.ws.WriteMessage(websocket.TextMessage, pingBytes); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[c]%s<- error = %s\n", self.clientId, err)
			return
		}

		message, err := ParseMessage(messageBytes)
		if err != nil {
			glog.Infof("[c]%s<- failed to parse message = %s\n", self.clientId, err)
			continue
		}
		glog.V(2).Infof("[c]%s<- %s\n", self.clientId, message.Type)
		self.handleMessage(message)
	}
}

func (self *Client) handleMessage(message *Message) {
	switch message.Type {
	case MessageTypePong:
		// activity already extends the read deadline
	case MessageTypePing:
		self.Send(&Message{Type: MessageTypePong})
	case MessageTypeSetUuid:
		self.handleSetUuid(message)
	case MessageTypeUserAction:
		self.handleUserAction(message)
	case MessageTypeRequestActions:
		self.handleRequestActions(message)
	case MessageTypeRequestRoomState:
		self.handleRequestRoomState()
	default:
		glog.Infof("[c]%s message %s not recognized\n", self.clientId, message.Type)
	}
}

// the client supplies its stable identity once, before joining rooms.
// the identity may not be changed for the life of the socket.
func (self *Client) handleSetUuid(message *Message) {
	self.stateLock.Lock()
	if self.registered {
		self.stateLock.Unlock()
		if message.ClientId == nil || *message.ClientId != self.clientId {
			glog.Infof("[c]%s tried to reset client id\n", self.clientId)
			return
		}
		clientId := self.clientId
		self.Send(&Message{
			Type:     MessageTypeConnected,
			ClientId: &clientId,
		})
		return
	}
	if message.ClientId != nil {
		self.clientId = *message.ClientId
	}
	self.stateLock.Unlock()

	self.register()
	clientId := self.clientId
	self.Send(&Message{
		Type:     MessageTypeConnected,
		ClientId: &clientId,
	})
}

func (self *Client) handleUserAction(message *Message) {
	situation := self.topology.GetClient(self.clientId)
	if situation == nil || (situation.ProjectId == Id{}) {
		glog.Infof("[c]%s user action without a project\n", self.clientId)
		return
	}

	actionId, err := message.ActionActionId()
	if err != nil {
		glog.Infof("[c]%s user action with no id = %s\n", self.clientId, err)
		return
	}

	action := &Action{
		ActionId: actionId,
		Payload:  message.Action,
		Time:     time.Now(),
	}
	if _, err := self.sessions.Submit(self.clientId, situation.Address(), action); err != nil {
		glog.Infof("[c]%s submit %d = %s\n", self.clientId, actionId, err)
	}
}

func (self *Client) handleRequestActions(message *Message) {
	var address RoleAddress
	if message.ProjectId != nil && message.RoleId != nil {
		address = RoleAddress{
			ProjectId: *message.ProjectId,
			RoleId:    *message.RoleId,
		}
	} else if situation := self.topology.GetClient(self.clientId); situation != nil && (situation.ProjectId != Id{}) {
		address = situation.Address()
	} else {
		glog.Infof("[c]%s request actions without a project\n", self.clientId)
		return
	}

	var afterActionId uint64
	if message.ActionId != nil {
		afterActionId = *message.ActionId
	}

	// failures are already reported to this socket by the controller
	if err := self.sessions.RequestActions(self.clientId, address, afterActionId); err != nil {
		glog.V(1).Infof("[c]%s catch-up after %d = %s\n", self.clientId, afterActionId, err)
	}
}

func (self *Client) handleRequestRoomState() {
	situation := self.topology.GetClient(self.clientId)
	if situation == nil || (situation.ProjectId == Id{}) {
		return
	}
	state, err := self.topology.RoomState(situation.ProjectId)
	if err != nil {
		glog.V(1).Infof("[c]%s room state = %s\n", self.clientId, err)
		return
	}
	self.Send(&Message{
		Type: MessageTypeRoomRoles,
		Room: state,
	})
}
