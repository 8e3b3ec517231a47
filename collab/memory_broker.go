package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// an in-process broker with the transport feature subset the protocol
// needs: topic wildcards, retained last-value delivery with expiry, and
// delayed will publication on unclean detach. no qos redelivery and no
// persistence. used by the tests and by `collabctl demo`.

type retainedEntry struct {
	message  *Message
	storedAt time.Time
}

func (self *retainedEntry) expired(now time.Time) bool {
	if self.message.Expiry <= 0 {
		return false
	}
	return self.storedAt.Add(self.message.Expiry).Before(now)
}

type MemoryBroker struct {
	mutex      sync.Mutex
	closed     bool
	attached   map[Id]*MemoryTransport
	retained   map[string]*retainedEntry
	willTimers map[Id]*time.Timer
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		attached:   map[Id]*MemoryTransport{},
		retained:   map[string]*retainedEntry{},
		willTimers: map[Id]*time.Timer{},
	}
}

func (self *MemoryBroker) OpenTransport() *MemoryTransport {
	return newMemoryTransport(self)
}

// simulates a connection that terminates without a clean disconnect.
// the will, if registered, is published on the client's behalf after
// its delay.
func (self *MemoryBroker) DropTransport(clientId Id) {
	self.mutex.Lock()
	transport, ok := self.attached[clientId]
	if !ok {
		self.mutex.Unlock()
		return
	}
	delete(self.attached, clientId)
	will := transport.will
	if will != nil {
		delay := will.Delay
		willMessage := &Message{
			Topic:   will.Topic,
			Payload: will.Payload,
			QoS:     will.QoS,
			Retain:  will.Retain,
			Expiry:  will.Expiry,
		}
		self.willTimers[clientId] = time.AfterFunc(delay, func() {
			self.mutex.Lock()
			delete(self.willTimers, clientId)
			self.mutex.Unlock()
			self.publish(willMessage)
		})
	}
	self.mutex.Unlock()
	transport.detach()
}

func (self *MemoryBroker) Close() {
	self.mutex.Lock()
	self.closed = true
	attached := self.attached
	self.attached = map[Id]*MemoryTransport{}
	for clientId, timer := range self.willTimers {
		timer.Stop()
		delete(self.willTimers, clientId)
	}
	self.mutex.Unlock()
	for _, transport := range attached {
		transport.detach()
	}
}

func (self *MemoryBroker) connect(transport *MemoryTransport) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return fmt.Errorf("broker closed")
	}
	// a session resumed before the will delay elapsed cancels the will
	if timer, ok := self.willTimers[transport.clientId]; ok {
		timer.Stop()
		delete(self.willTimers, transport.clientId)
	}
	self.attached[transport.clientId] = transport
	return nil
}

func (self *MemoryBroker) disconnect(transport *MemoryTransport) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if current, ok := self.attached[transport.clientId]; ok && current == transport {
		delete(self.attached, transport.clientId)
	}
}

func (self *MemoryBroker) publish(message *Message) {
	now := time.Now()

	self.mutex.Lock()
	if message.Retain {
		if len(message.Payload) == 0 {
			delete(self.retained, message.Topic)
		} else {
			self.retained[message.Topic] = &retainedEntry{
				message:  message,
				storedAt: now,
			}
		}
	}
	recipients := []*MemoryTransport{}
	for _, transport := range self.attached {
		if transport.matches(message.Topic) {
			recipients = append(recipients, transport)
		}
	}
	self.mutex.Unlock()

	for _, transport := range recipients {
		transport.deliver(message)
	}
}

// retained messages matching the filter, minus expired entries
func (self *MemoryBroker) retainedFor(filter string) []*Message {
	now := time.Now()

	self.mutex.Lock()
	defer self.mutex.Unlock()

	messages := []*Message{}
	for topic, entry := range self.retained {
		if entry.expired(now) {
			delete(self.retained, topic)
			continue
		}
		if topicMatch(filter, topic) {
			messages = append(messages, entry.message)
		}
	}
	return messages
}

type MemoryTransport struct {
	broker *MemoryBroker

	mutex         sync.Mutex
	clientId      Id
	connected     bool
	will          *Will
	subscriptions map[string]bool

	running    bool
	deliveries chan *Message
	done       chan struct{}

	receiveCallbacks *CallbackList[ReceiveFunction]
}

func newMemoryTransport(broker *MemoryBroker) *MemoryTransport {
	return &MemoryTransport{
		broker:           broker,
		subscriptions:    map[string]bool{},
		deliveries:       make(chan *Message, 1024),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
}

// serializes inbound delivery so subscriber callbacks observe
// per-(producer, topic) fifo order and cannot deadlock the broker
func (self *MemoryTransport) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case message := <-self.deliveries:
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				HandleError(func() {
					receiveCallback(message)
				})
			}
		}
	}
}

func (self *MemoryTransport) Connect(ctx context.Context, options *ConnectOptions) error {
	self.mutex.Lock()
	self.clientId = options.ClientId
	self.will = options.Will
	self.mutex.Unlock()

	if err := self.broker.connect(self); err != nil {
		return err
	}

	self.mutex.Lock()
	self.connected = true
	// a transport dropped or closed earlier can connect again
	if !self.running {
		self.running = true
		self.done = make(chan struct{})
		go self.run(self.done)
	}
	self.mutex.Unlock()
	return nil
}

func (self *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte, options *PublishOptions) error {
	self.mutex.Lock()
	connected := self.connected
	self.mutex.Unlock()
	if !connected {
		return ErrNotConnected
	}

	message := &Message{
		Topic:   topic,
		Payload: payload,
	}
	if options != nil {
		message.QoS = options.QoS
		message.Retain = options.Retain
		message.ResponseTopic = options.ResponseTopic
		message.CorrelationData = options.CorrelationData
		message.Expiry = options.Expiry
	}
	self.broker.publish(message)
	return nil
}

func (self *MemoryTransport) Subscribe(ctx context.Context, topicFilter string) error {
	self.mutex.Lock()
	if !self.connected {
		self.mutex.Unlock()
		return ErrNotConnected
	}
	self.subscriptions[topicFilter] = true
	self.mutex.Unlock()

	// new subscribers immediately receive the retained value
	for _, message := range self.broker.retainedFor(topicFilter) {
		self.deliver(message)
	}
	return nil
}

func (self *MemoryTransport) Unsubscribe(ctx context.Context, topicFilter string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.subscriptions, topicFilter)
	return nil
}

func (self *MemoryTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

// clean disconnect. the will is discarded
func (self *MemoryTransport) Close() error {
	self.broker.disconnect(self)
	self.detach()
	return nil
}

func (self *MemoryTransport) detach() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.connected = false
	if self.running {
		self.running = false
		close(self.done)
	}
}

func (self *MemoryTransport) matches(topic string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if !self.connected {
		return false
	}
	for filter := range self.subscriptions {
		if topicMatch(filter, topic) {
			return true
		}
	}
	return false
}

func (self *MemoryTransport) deliver(message *Message) {
	select {
	case self.deliveries <- message:
	default:
		glog.Warningf("[broker]delivery buffer full for %s, dropping %s\n", self.clientId, message.Topic)
	}
}
