package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// one session object owns the connection, the coordination components,
// and the inbound dispatcher. no ambient globals: everything a component
// needs is passed by reference from here.
//
// inbound messages are routed by topic pattern to the owning component,
// one route per concern, rather than one monolithic handler.

type JoinOutcome string

const (
	JoinGranted JoinOutcome = "granted"
	JoinDenied  JoinOutcome = "denied"
	JoinTimeout JoinOutcome = "timeout"
)

type StatusFunction func(text string, severity StatusSeverity)

type SessionSettings struct {
	FlowSettings        *FlowControllerSettings
	CorrelationSettings *CorrelationManagerSettings
	DocumentSettings    *DocumentSyncSettings
	PresenceSettings    *PresenceSettings
	KeepAlive           time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		FlowSettings:        DefaultFlowControllerSettings(),
		CorrelationSettings: DefaultCorrelationManagerSettings(),
		DocumentSettings:    DefaultDocumentSyncSettings(),
		PresenceSettings:    DefaultPresenceSettings(),
		KeepAlive:           30 * time.Second,
	}
}

type route struct {
	filter string
	handle func(message *Message)
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *SessionSettings

	clientId Id
	user     string

	flow        *FlowController
	correlation *CorrelationManager
	document    *DocumentSync
	presence    *PresenceNotifier
	gate        *AccessGate

	statusCallbacks *CallbackList[StatusFunction]

	mutex          sync.Mutex
	connected      bool
	credentials    *Credentials
	transportUnsub func()
	hasFile        bool
	fileId         Id
	isOwner        bool
	hasEditAccess  bool
	fileTopics     []string
	routes         []*route
}

func NewSessionWithDefaults(ctx context.Context, transport Transport, user string) *Session {
	return NewSession(ctx, transport, user, DefaultSessionSettings())
}

func NewSession(ctx context.Context, transport Transport, user string, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientId := NewId()
	flow := NewFlowController(cancelCtx, transport, settings.FlowSettings)
	correlation := NewCorrelationManager(cancelCtx, flow, settings.CorrelationSettings)
	document := NewDocumentSync(cancelCtx, flow, settings.DocumentSettings)
	presence := NewPresenceNotifier(cancelCtx, flow, clientId, user, settings.PresenceSettings)
	gate := NewAccessGate(cancelCtx, flow, document)

	session := &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		transport:       transport,
		settings:        settings,
		clientId:        clientId,
		user:            user,
		flow:            flow,
		correlation:     correlation,
		document:        document,
		presence:        presence,
		gate:            gate,
		statusCallbacks: NewCallbackList[StatusFunction](),
		routes:          []*route{},
	}

	flow.AddBackpressureCallback(func(active bool) {
		if active {
			session.status("outbound queue under load", StatusWarn)
		} else {
			session.status("outbound queue recovered", StatusInfo)
		}
	})

	return session
}

func (self *Session) ClientId() Id {
	return self.clientId
}

func (self *Session) User() string {
	return self.user
}

func (self *Session) FileId() (Id, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fileId, self.hasFile
}

func (self *Session) IsOwner() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.isOwner
}

func (self *Session) HasEditAccess() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.hasEditAccess
}

func (self *Session) Content() string {
	return self.document.Content()
}

func (self *Session) SetDecideFunction(decide DecideFunction) {
	self.gate.SetDecideFunction(decide)
}

func (self *Session) AddDocumentChangeCallback(changeCallback DocumentChangeFunction) func() {
	return self.document.AddChangeCallback(changeCallback)
}

func (self *Session) AddPresenceCallback(presenceCallback PresenceFunction) func() {
	return self.presence.AddPresenceCallback(presenceCallback)
}

func (self *Session) AddBackpressureCallback(backpressureCallback BackpressureFunction) func() {
	return self.flow.AddBackpressureCallback(backpressureCallback)
}

func (self *Session) AddStatusCallback(statusCallback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddGateDecisionCallback(decisionCallback GateDecisionFunction) func() {
	return self.gate.AddDecisionCallback(decisionCallback)
}

// connects the transport with the deferred testament registered, and
// subscribes the wildcard user status family
func (self *Session) Connect(ctx context.Context, credentials *Credentials) error {
	self.mutex.Lock()
	if self.connected {
		self.mutex.Unlock()
		return fmt.Errorf("already connected")
	}
	self.credentials = credentials
	self.mutex.Unlock()

	err := self.transport.Connect(ctx, &ConnectOptions{
		ClientId:    self.clientId,
		Credentials: credentials,
		Will:        self.presence.Will(),
		KeepAlive:   self.settings.KeepAlive,
	})
	if err != nil {
		return err
	}

	transportUnsub := self.transport.AddReceiveCallback(self.receive)

	if err := self.transport.Subscribe(ctx, UserStatusWildcard); err != nil {
		transportUnsub()
		self.transport.Close()
		return err
	}

	self.mutex.Lock()
	self.connected = true
	self.transportUnsub = transportUnsub
	self.routes = []*route{
		{
			filter: UserStatusWildcard,
			handle: func(message *Message) {
				self.presence.HandlePresence(message.Payload)
			},
		},
	}
	self.mutex.Unlock()

	glog.Infof("[session]%s connected as %q\n", self.clientId, self.user)
	self.status("connected to broker", StatusInfo)
	return nil
}

// reconnects after a connection loss. flow control state is bound to the
// connection session, so counters and the queue reset here
func (self *Session) Reconnect(ctx context.Context) error {
	self.mutex.Lock()
	credentials := self.credentials
	if self.transportUnsub != nil {
		self.transportUnsub()
		self.transportUnsub = nil
	}
	self.connected = false
	fileTopics := self.fileTopics
	self.mutex.Unlock()

	self.correlation.Close()
	self.flow.Close()
	self.flow.Reset()
	self.correlation.Reset()

	err := self.transport.Connect(ctx, &ConnectOptions{
		ClientId:    self.clientId,
		Credentials: credentials,
		Will:        self.presence.Will(),
		KeepAlive:   self.settings.KeepAlive,
	})
	if err != nil {
		return err
	}

	transportUnsub := self.transport.AddReceiveCallback(self.receive)
	if err := self.transport.Subscribe(ctx, UserStatusWildcard); err != nil {
		transportUnsub()
		return err
	}
	for _, topic := range fileTopics {
		if err := self.transport.Subscribe(ctx, topic); err != nil {
			return err
		}
	}

	self.mutex.Lock()
	self.connected = true
	self.transportUnsub = transportUnsub
	self.mutex.Unlock()

	self.status("reconnected to broker", StatusInfo)
	return nil
}

// creates a new document with this session as owner. the initial content
// is published to the retained register so joiners converge immediately
func (self *Session) CreateDocument(ctx context.Context, content string) (Id, error) {
	self.mutex.Lock()
	if !self.connected {
		self.mutex.Unlock()
		return Id{}, ErrNotConnected
	}
	if self.hasFile {
		self.mutex.Unlock()
		return Id{}, fmt.Errorf("already joined to %s", self.fileId)
	}
	self.mutex.Unlock()

	fileId := NewId()
	fileTopics := []string{
		EditRequestTopic(fileId),
		DocumentRegisterTopic(fileId),
		FileStatusTopic(fileId),
	}
	for _, topic := range fileTopics {
		if err := self.transport.Subscribe(ctx, topic); err != nil {
			return Id{}, err
		}
	}

	self.document.Attach(fileId, content)
	self.presence.Attach(fileId)

	self.mutex.Lock()
	self.hasFile = true
	self.fileId = fileId
	self.isOwner = true
	self.hasEditAccess = true
	self.fileTopics = fileTopics
	self.routes = append(self.routes,
		&route{
			filter: EditRequestTopic(fileId),
			handle: self.gate.HandleRequest,
		},
		&route{
			filter: DocumentRegisterTopic(fileId),
			handle: func(message *Message) {
				self.document.HandleUpdate(message.Payload)
			},
		},
		&route{
			filter: FileStatusTopic(fileId),
			handle: func(message *Message) {
				self.presence.HandlePresence(message.Payload)
			},
		},
	)
	self.mutex.Unlock()

	if err := self.document.PublishUpdate(content, nil); err != nil {
		return Id{}, err
	}
	self.presence.PublishJoined()

	glog.Infof("[session]%s created file %s\n", self.clientId, fileId)
	self.status("document created, you are the owner", StatusInfo)
	return fileId, nil
}

// requests edit access for an existing document. the outcome is one of
// granted, denied, or timeout; only a grant leaves the session joined
func (self *Session) JoinDocument(ctx context.Context, fileId Id) (JoinOutcome, error) {
	self.mutex.Lock()
	if !self.connected {
		self.mutex.Unlock()
		return "", ErrNotConnected
	}
	if self.hasFile {
		self.mutex.Unlock()
		return "", fmt.Errorf("already joined to %s", self.fileId)
	}
	self.mutex.Unlock()

	responseTopic := EditResponseTopic(self.clientId, fileId)
	fileTopics := []string{
		responseTopic,
		DocumentRegisterTopic(fileId),
		FileStatusTopic(fileId),
	}
	for _, topic := range fileTopics {
		if err := self.transport.Subscribe(ctx, topic); err != nil {
			return "", err
		}
	}

	// the retained register applies as initial state as soon as the
	// subscription lands
	self.document.Attach(fileId, "")
	self.presence.Attach(fileId)

	self.mutex.Lock()
	joinRoutes := []*route{
		{
			filter: responseTopic,
			handle: func(message *Message) {
				self.correlation.HandleResponse(message.CorrelationData, message.Payload)
			},
		},
		{
			filter: DocumentRegisterTopic(fileId),
			handle: func(message *Message) {
				self.document.HandleUpdate(message.Payload)
			},
		},
		{
			filter: FileStatusTopic(fileId),
			handle: func(message *Message) {
				self.presence.HandlePresence(message.Payload)
			},
		},
	}
	self.routes = append(self.routes, joinRoutes...)
	self.fileTopics = fileTopics
	self.mutex.Unlock()

	requestPayload, err := json.Marshal(&EditRequestPayload{
		Username: self.user,
	})
	if err != nil {
		panic(err)
	}

	cleanup := func() {
		for _, topic := range fileTopics {
			self.transport.Unsubscribe(ctx, topic)
		}
		self.document.Detach()
		self.presence.Detach()
		self.mutex.Lock()
		self.removeRoutes(joinRoutes)
		self.fileTopics = nil
		self.mutex.Unlock()
	}

	result, err := self.correlation.Request(ctx, EditRequestTopic(fileId), requestPayload, responseTopic)
	if err != nil {
		cleanup()
		self.status(fmt.Sprintf("edit access request failed (%s)", err), StatusError)
		return "", err
	}
	if result.Timeout {
		cleanup()
		self.status("edit access request timed out", StatusWarn)
		return JoinTimeout, nil
	}
	if string(result.Payload) != DecisionGranted {
		cleanup()
		self.status("edit access denied", StatusWarn)
		return JoinDenied, nil
	}

	self.mutex.Lock()
	self.hasFile = true
	self.fileId = fileId
	self.isOwner = false
	self.hasEditAccess = true
	self.mutex.Unlock()

	self.presence.PublishJoined()

	glog.Infof("[session]%s joined file %s\n", self.clientId, fileId)
	self.status("edit access granted", StatusInfo)
	return JoinGranted, nil
}

// pushes a local edit into the flow controller toward the retained
// register. queue-full and stale-drop surface as status notifications,
// not errors: the document view degrades to last known good content
func (self *Session) Edit(content string) error {
	self.mutex.Lock()
	if !self.hasEditAccess {
		self.mutex.Unlock()
		return ErrNoEditAccess
	}
	self.mutex.Unlock()

	return self.document.PublishUpdate(content, func(outcome PublishOutcome, err error) {
		switch outcome {
		case OutcomePublished:
		case OutcomeRejected:
			self.status("edit not sent: outbound queue full", StatusWarn)
		case OutcomeDropped:
			self.status("edit dropped: stale before dispatch", StatusWarn)
		default:
			self.status(fmt.Sprintf("edit publish failed (%s)", err), StatusError)
		}
	})
}

// leaves the current document: explicit `left` presence, unsubscribe,
// and destruction of the local replica
func (self *Session) Leave(ctx context.Context) error {
	self.mutex.Lock()
	if !self.hasFile {
		self.mutex.Unlock()
		return fmt.Errorf("not joined")
	}
	fileId := self.fileId
	fileTopics := self.fileTopics
	self.hasFile = false
	self.fileId = Id{}
	self.isOwner = false
	self.hasEditAccess = false
	self.fileTopics = nil
	self.mutex.Unlock()

	self.presence.PublishLeft()

	for _, topic := range fileTopics {
		if err := self.transport.Unsubscribe(ctx, topic); err != nil {
			glog.Infof("[session]unsubscribe %s failed (%s)\n", topic, err)
		}
	}

	self.document.Detach()
	self.presence.Detach()

	self.mutex.Lock()
	self.resetRoutes()
	self.mutex.Unlock()

	glog.Infof("[session]%s left file %s\n", self.clientId, fileId)
	self.status("left document", StatusInfo)
	return nil
}

// full teardown: cancels all pending requests, fails the queued
// publishes, and cleanly disconnects so the will is discarded
func (self *Session) Close() {
	self.mutex.Lock()
	if self.transportUnsub != nil {
		self.transportUnsub()
		self.transportUnsub = nil
	}
	connected := self.connected
	self.connected = false
	self.hasFile = false
	self.hasEditAccess = false
	self.isOwner = false
	self.fileTopics = nil
	self.mutex.Unlock()

	self.correlation.Close()
	self.flow.Close()
	self.document.Detach()
	self.presence.Detach()
	if connected {
		self.transport.Close()
	}
	self.cancel()
	glog.Infof("[session]%s closed\n", self.clientId)
}

// must be called inside the state mutex
func (self *Session) resetRoutes() {
	self.routes = []*route{
		{
			filter: UserStatusWildcard,
			handle: func(message *Message) {
				self.presence.HandlePresence(message.Payload)
			},
		},
	}
}

// must be called inside the state mutex
func (self *Session) removeRoutes(removed []*route) {
	nextRoutes := make([]*route, 0, len(self.routes))
	for _, existing := range self.routes {
		keep := true
		for _, r := range removed {
			if existing == r {
				keep = false
				break
			}
		}
		if keep {
			nextRoutes = append(nextRoutes, existing)
		}
	}
	self.routes = nextRoutes
}

// ReceiveFunction. routes by topic pattern to the owning component
func (self *Session) receive(message *Message) {
	self.mutex.Lock()
	routes := make([]*route, len(self.routes))
	copy(routes, self.routes)
	self.mutex.Unlock()

	for _, r := range routes {
		if topicMatch(r.filter, message.Topic) {
			handle := r.handle
			HandleError(func() {
				handle(message)
			})
		}
	}
}

func (self *Session) status(text string, severity StatusSeverity) {
	for _, statusCallback := range self.statusCallbacks.Get() {
		HandleError(func() {
			statusCallback(text, severity)
		})
	}
}
