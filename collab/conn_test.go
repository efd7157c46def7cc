package collab

import (
	"sync"
)

// in-memory ClientConn that records everything sent to it
type testConn struct {
	clientId Id

	mutex    sync.Mutex
	messages []*Message
}

func newTestConn() *testConn {
	return &testConn{
		clientId: NewId(),
		messages: []*Message{},
	}
}

func (self *testConn) ClientId() Id {
	return self.clientId
}

func (self *testConn) Send(message *Message) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.messages = append(self.messages, message)
	return true
}

func (self *testConn) Messages(messageType string) []*Message {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	messages := []*Message{}
	for _, message := range self.messages {
		if message.Type == messageType {
			messages = append(messages, message)
		}
	}
	return messages
}

func (self *testConn) MessageCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.messages)
}
