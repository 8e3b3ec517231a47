package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// last-writer-wins replication for the document content. a single
// retained topic per file acts as a 1-slot mailbox holding the latest
// content; every new subscriber immediately receives the retained value
// as its initial state. whole-document overwrite only, no merge: "last
// writer" means last arrived, not last produced.

type DocumentChangeFunction func(content string)

type DocumentSyncSettings struct {
	// bounds how long a retained register value can outlive its writer,
	// so a long-disconnected subscriber does not resurrect stale content
	RegisterExpiry time.Duration
}

func DefaultDocumentSyncSettings() *DocumentSyncSettings {
	return &DocumentSyncSettings{
		RegisterExpiry: 1 * time.Hour,
	}
}

type DocumentSync struct {
	ctx      context.Context
	flow     *FlowController
	settings *DocumentSyncSettings

	mutex    sync.Mutex
	attached bool
	fileId   Id
	content  string

	changeCallbacks *CallbackList[DocumentChangeFunction]
}

func NewDocumentSyncWithDefaults(ctx context.Context, flow *FlowController) *DocumentSync {
	return NewDocumentSync(ctx, flow, DefaultDocumentSyncSettings())
}

func NewDocumentSync(ctx context.Context, flow *FlowController, settings *DocumentSyncSettings) *DocumentSync {
	return &DocumentSync{
		ctx:             ctx,
		flow:            flow,
		settings:        settings,
		changeCallbacks: NewCallbackList[DocumentChangeFunction](),
	}
}

func (self *DocumentSync) AddChangeCallback(changeCallback DocumentChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *DocumentSync) Attach(fileId Id, content string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attached = true
	self.fileId = fileId
	self.content = content
}

// destroys the local replica. called when the participant leaves
func (self *DocumentSync) Detach() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.attached = false
	self.fileId = Id{}
	self.content = ""
}

func (self *DocumentSync) Content() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.content
}

// sets the local copy and enqueues the retained register publish
func (self *DocumentSync) PublishUpdate(content string, resultCallback PublishResultFunction) error {
	self.mutex.Lock()
	if !self.attached {
		self.mutex.Unlock()
		return ErrNoEditAccess
	}
	self.content = content
	fileId := self.fileId
	self.mutex.Unlock()

	self.flow.Enqueue(
		DocumentRegisterTopic(fileId),
		[]byte(content),
		&PublishOptions{
			QoS:    2,
			Retain: true,
			Expiry: self.settings.RegisterExpiry,
		},
		resultCallback,
	)
	return nil
}

// republishes the current local copy. used when a new participant is
// granted access so they converge without waiting for the next edit
func (self *DocumentSync) PublishSnapshot(resultCallback PublishResultFunction) error {
	self.mutex.Lock()
	if !self.attached {
		self.mutex.Unlock()
		return ErrNoEditAccess
	}
	content := self.content
	self.mutex.Unlock()
	return self.PublishUpdate(content, resultCallback)
}

// applies an inbound register value. replace only if the payload differs
// from the local copy, so applying identical content twice produces one
// observable update
func (self *DocumentSync) HandleUpdate(payload []byte) {
	content := string(payload)

	self.mutex.Lock()
	if !self.attached {
		self.mutex.Unlock()
		return
	}
	if self.content == content {
		self.mutex.Unlock()
		glog.V(2).Infof("[document]identical content, no update\n")
		return
	}
	self.content = content
	self.mutex.Unlock()

	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(content)
		})
	}
}
