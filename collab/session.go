package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

var ErrSessionsClosed = errors.New("session manager closed")

type SessionSettings struct {
	SequenceBufferSize int
	// sequences retire after this long with no events
	SequenceIdleTimeout time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		SequenceBufferSize:  32,
		SequenceIdleTimeout: 60 * time.Second,
	}
}

type SubmitResult struct {
	Accepted bool
	// the head after the decision. on reject, the id the client must resume from.
	LatestActionId uint64
}

// the per-(project, role) conflict serialization state machine.
// events for one role are processed one at a time in receipt order
// by a single sequence goroutine. distinct roles run in parallel.
type SessionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    ActionStore
	topology *NetworkTopology

	settings *SessionSettings

	mutex     sync.Mutex
	sequences map[RoleAddress]*sessionSequence
}

func NewSessionManagerWithDefaults(ctx context.Context, store ActionStore, topology *NetworkTopology) *SessionManager {
	return NewSessionManager(ctx, store, topology, DefaultSessionSettings())
}

func NewSessionManager(ctx context.Context, store ActionStore, topology *NetworkTopology, settings *SessionSettings) *SessionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionManager{
		ctx:       cancelCtx,
		cancel:    cancel,
		store:     store,
		topology:  topology,
		settings:  settings,
		sequences: map[RoleAddress]*sessionSequence{},
	}
}

// submits an action against (address, action id).
// accepted iff action id == head+1. on accept the action is stored and
// broadcast to every socket currently at the address.
// on reject only the submitter is notified. a reject is a negative ack,
// not an error: the client recovers by resubmitting at the returned head+1.
func (self *SessionManager) Submit(clientId Id, address RoleAddress, action *Action) (*SubmitResult, error) {
	action.ProjectId = address.ProjectId
	action.RoleId = address.RoleId
	action.SubmittedBy = clientId

	event := &sessionEvent{
		clientId:     clientId,
		submitAction: action,
		result:       make(chan *sessionEventResult, 1),
	}
	if !self.queueEvent(address, event) {
		return nil, ErrSessionsClosed
	}
	select {
	case <-self.ctx.Done():
		return nil, ErrSessionsClosed
	case result := <-event.result:
		return result.submit, result.err
	}
}

// streams the actions in (afterActionId, head] to the requesting socket,
// in order, followed by a completion marker.
// actions whose target role no longer matches the requester's live situation
// are dropped silently.
// `ErrMissingHistory` is fatal for the request and reported to the requester.
func (self *SessionManager) RequestActions(clientId Id, address RoleAddress, afterActionId uint64) error {
	event := &sessionEvent{
		clientId:             clientId,
		requestAfterActionId: &afterActionId,
		result:               make(chan *sessionEventResult, 1),
	}
	if !self.queueEvent(address, event) {
		return ErrSessionsClosed
	}
	select {
	case <-self.ctx.Done():
		return ErrSessionsClosed
	case result := <-event.result:
		return result.err
	}
}

func (self *SessionManager) SessionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.sequences)
}

func (self *SessionManager) Close() {
	self.cancel()
}

func (self *SessionManager) queueEvent(address RoleAddress, event *sessionEvent) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	initSequence := func() *sessionSequence {
		sequence, ok := self.sequences[address]
		if ok {
			return sequence
		}
		sequence = newSessionSequence(self.ctx, self.store, self.topology, address, self.settings)
		self.sequences[address] = sequence
		go func() {
			sequence.run()

			self.mutex.Lock()
			defer self.mutex.Unlock()
			// clean up
			if sequence == self.sequences[address] {
				delete(self.sequences, address)
			}
		}()
		return sequence
	}

	for {
		if self.ctx.Err() != nil {
			return false
		}
		sequence := initSequence()
		if sequence.queue(event) {
			return true
		}
		// the sequence closed idle. wait for it to drain, then replace it,
		// so two sequences never process the same role concurrently.
		<-sequence.done
		if sequence == self.sequences[address] {
			delete(self.sequences, address)
		}
	}
}

type sessionEvent struct {
	clientId Id
	// one of
	submitAction         *Action
	requestAfterActionId *uint64

	result chan *sessionEventResult
}

type sessionEventResult struct {
	submit *SubmitResult
	err    error
}

func (self *sessionEvent) respond(submit *SubmitResult, err error) {
	self.result <- &sessionEventResult{
		submit: submit,
		err:    err,
	}
}

// serializes all events for one (project, role).
// the accept/reject decision depends on the shared head counter,
// which must not race.
type sessionSequence struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    ActionStore
	topology *NetworkTopology
	address  RoleAddress

	settings *SessionSettings

	events chan *sessionEvent
	done   chan struct{}

	idleCondition *IdleCondition
}

func newSessionSequence(
	ctx context.Context,
	store ActionStore,
	topology *NetworkTopology,
	address RoleAddress,
	settings *SessionSettings,
) *sessionSequence {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &sessionSequence{
		ctx:           cancelCtx,
		cancel:        cancel,
		store:         store,
		topology:      topology,
		address:       address,
		settings:      settings,
		events:        make(chan *sessionEvent, settings.SequenceBufferSize),
		done:          make(chan struct{}),
		idleCondition: NewIdleCondition(),
	}
}

func (self *sessionSequence) queue(event *sessionEvent) (success bool) {
	if !self.idleCondition.UpdateOpen() {
		success = false
		return
	}
	defer self.idleCondition.UpdateClose()

	select {
	case <-self.ctx.Done():
		success = false
	case self.events <- event:
		success = true
	}
	return
}

func (self *sessionSequence) run() {
	defer close(self.done)
	defer self.cancel()

	for {
		checkpointId := self.idleCondition.Checkpoint()
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			self.handle(event)
		case <-time.After(self.settings.SequenceIdleTimeout):
			if self.idleCondition.Close(checkpointId) {
				// drain events buffered before the close so no caller is left waiting
				for {
					select {
					case event := <-self.events:
						self.handle(event)
					default:
						return
					}
				}
			}
			// else there are pending updates
		}
	}
}

func (self *sessionSequence) handle(event *sessionEvent) {
	switch {
	case event.submitAction != nil:
		self.handleSubmit(event)
	case event.requestAfterActionId != nil:
		self.handleRequestActions(event)
	}
}

func (self *sessionSequence) handleSubmit(event *sessionEvent) {
	action := event.submitAction

	head, err := self.store.GetLatestActionId(self.address.ProjectId, self.address.RoleId)
	if err != nil {
		event.respond(nil, err)
		return
	}

	if action.ActionId != head+1 {
		// strict total order. first writer for a slot wins and every other
		// concurrent submitter must observe the rejection and resubmit
		// against the new head.
		glog.V(1).Infof("[ss]%s reject %d (head %d) from %s\n", self.address, action.ActionId, head, event.clientId)
		if conn := self.topology.GetConn(event.clientId); conn != nil {
			conn.Send(NewActionRejectedMessage(action, head))
		}
		event.respond(&SubmitResult{
			Accepted:       false,
			LatestActionId: head,
		}, nil)
		return
	}

	if err := self.store.Store(action); err != nil {
		// a duplicate here means the upstream ordering check was skipped
		glog.Errorf("[ss]%s store %d = %s\n", self.address, action.ActionId, err)
		event.respond(nil, err)
		return
	}
	if err := self.store.SetLatestActionId(self.address.ProjectId, self.address.RoleId, action.ActionId); err != nil {
		event.respond(nil, err)
		return
	}

	message := NewUserActionMessage(action)
	conns := self.topology.GetSocketsAt(self.address.ProjectId, self.address.RoleId)
	for _, conn := range conns {
		conn.Send(message)
	}
	glog.V(2).Infof("[ss]%s accept %d to %d clients\n", self.address, action.ActionId, len(conns))

	event.respond(&SubmitResult{
		Accepted:       true,
		LatestActionId: action.ActionId,
	}, nil)
}

func (self *sessionSequence) handleRequestActions(event *sessionEvent) {
	afterActionId := *event.requestAfterActionId
	conn := self.topology.GetConn(event.clientId)

	actions, err := self.store.GetActionsAfter(self.address.ProjectId, self.address.RoleId, afterActionId)
	if err != nil {
		// never degrade into a silent partial catch-up
		glog.Infof("[ss]%s catch-up after %d failed = %s\n", self.address, afterActionId, err)
		if conn != nil {
			conn.Send(NewReloadProjectMessage(err))
		}
		event.respond(nil, err)
		return
	}

	sentCount := 0
	for _, action := range actions {
		// the requester may have switched roles mid catch-up.
		// stale replay would corrupt the new role's view.
		situation := self.topology.GetClient(event.clientId)
		if situation == nil || situation.Address() != self.address {
			continue
		}
		if conn != nil {
			conn.Send(NewUserActionMessage(action))
			sentCount += 1
		}
	}
	// the completion marker is the client's signal, even for zero actions
	if conn != nil {
		conn.Send(NewRequestActionsCompleteMessage())
	}
	glog.V(2).Infof("[ss]%s catch-up after %d sent %d of %d\n", self.address, afterActionId, sentCount, len(actions))

	event.respond(nil, nil)
}
