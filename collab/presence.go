package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

// presence and liveness. `joined`/`left` are published explicitly at the
// corresponding lifecycle points. `disconnected_unexpectedly` is never
// published by the client: it is the will payload registered with the
// transport at connect time, emitted by the broker on the client's behalf
// if the connection terminates without a clean disconnect. that deferred
// delivery is the sole failure-detection mechanism for silent peer loss.

type PresenceFunction func(event *PresenceEvent)

type PresenceSettings struct {
	// broker-side grace before the will is published
	WillDelay time.Duration
	// expiry stamped on presence events and the will message
	PresenceExpiry time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		WillDelay:      5 * time.Second,
		PresenceExpiry: 30 * time.Second,
	}
}

type PresenceNotifier struct {
	ctx      context.Context
	flow     *FlowController
	settings *PresenceSettings

	clientId Id
	user     string

	mutex    sync.Mutex
	attached bool
	fileId   Id

	presenceCallbacks *CallbackList[PresenceFunction]
}

func NewPresenceNotifierWithDefaults(ctx context.Context, flow *FlowController, clientId Id, user string) *PresenceNotifier {
	return NewPresenceNotifier(ctx, flow, clientId, user, DefaultPresenceSettings())
}

func NewPresenceNotifier(ctx context.Context, flow *FlowController, clientId Id, user string, settings *PresenceSettings) *PresenceNotifier {
	return &PresenceNotifier{
		ctx:               ctx,
		flow:              flow,
		settings:          settings,
		clientId:          clientId,
		user:              user,
		presenceCallbacks: NewCallbackList[PresenceFunction](),
	}
}

func (self *PresenceNotifier) AddPresenceCallback(presenceCallback PresenceFunction) func() {
	callbackId := self.presenceCallbacks.Add(presenceCallback)
	return func() {
		self.presenceCallbacks.Remove(callbackId)
	}
}

// the deferred testament registered with the transport at connect time.
// it rides the user status topic because no file is joined yet when the
// connection is made
func (self *PresenceNotifier) Will() *Will {
	event := NewPresenceEvent(self.user, self.clientId, PresenceDisconnectedUnexpected, self.settings.PresenceExpiry)
	payload, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	return &Will{
		Topic:   UserStatusTopic(self.clientId),
		Payload: payload,
		QoS:     1,
		Delay:   self.settings.WillDelay,
		Expiry:  self.settings.PresenceExpiry,
	}
}

func (self *PresenceNotifier) Attach(fileId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attached = true
	self.fileId = fileId
}

func (self *PresenceNotifier) Detach() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attached = false
	self.fileId = Id{}
}

func (self *PresenceNotifier) PublishJoined() {
	self.publishPresence(PresenceJoined, 1)
}

// fire-and-forget. a lost `left` is eventually corrected by expiry
func (self *PresenceNotifier) PublishLeft() {
	self.publishPresence(PresenceLeft, 0)
}

func (self *PresenceNotifier) publishPresence(action PresenceAction, qos byte) {
	self.mutex.Lock()
	if !self.attached {
		self.mutex.Unlock()
		return
	}
	fileId := self.fileId
	self.mutex.Unlock()

	event := NewPresenceEvent(self.user, self.clientId, action, self.settings.PresenceExpiry)
	payload, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	self.flow.Enqueue(
		FileStatusTopic(fileId),
		payload,
		&PublishOptions{
			QoS:    qos,
			Expiry: self.settings.PresenceExpiry,
		},
		func(outcome PublishOutcome, err error) {
			if outcome != OutcomePublished {
				glog.Infof("[presence]%s publish %s (%s)\n", action, outcome, err)
			}
		},
	)
}

// routes an inbound presence or will event. events from this client's own
// session are dropped
func (self *PresenceNotifier) HandlePresence(payload []byte) {
	event := &PresenceEvent{}
	if err := json.Unmarshal(payload, event); err != nil {
		glog.Warningf("[presence]discard malformed presence event (%s)\n", err)
		return
	}
	if event.ClientId == self.clientId {
		return
	}
	for _, presenceCallback := range self.presenceCallbacks.Get() {
		HandleError(func() {
			presenceCallback(event)
		})
	}
}
