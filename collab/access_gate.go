package collab

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// owner-side authority over edit access. each inbound request carries a
// response address and correlation data; the decision comes from an
// external callback (a human approval dialog in the reference ui) and is
// published back to the embedded response address.
//
// requests are handled independently with no concurrency limit, and a
// grant does not revoke anyone else's: multiple approved editors write
// to the same last-writer-wins register. broadcast-overwrite is the
// intended behavior, not an omission.

type DecideFunction func(requesterUsername string) bool

type GateDecisionFunction func(requesterUsername string, approved bool)

type AccessGate struct {
	ctx      context.Context
	flow     *FlowController
	document *DocumentSync

	mutex  sync.Mutex
	decide DecideFunction

	decisionCallbacks *CallbackList[GateDecisionFunction]
}

func NewAccessGate(ctx context.Context, flow *FlowController, document *DocumentSync) *AccessGate {
	return &AccessGate{
		ctx:               ctx,
		flow:              flow,
		document:          document,
		decisionCallbacks: NewCallbackList[GateDecisionFunction](),
	}
}

func (self *AccessGate) SetDecideFunction(decide DecideFunction) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.decide = decide
}

func (self *AccessGate) AddDecisionCallback(decisionCallback GateDecisionFunction) func() {
	callbackId := self.decisionCallbacks.Add(decisionCallback)
	return func() {
		self.decisionCallbacks.Remove(callbackId)
	}
}

// handles one inbound edit request. a malformed request (missing response
// address or correlation data, or an undecodable body) is discarded with
// a logged anomaly and no response.
func (self *AccessGate) HandleRequest(message *Message) {
	if message.ResponseTopic == "" || len(message.CorrelationData) == 0 {
		glog.Warningf("[gate]discard request missing response metadata on %s\n", message.Topic)
		return
	}
	request := &EditRequestPayload{}
	if err := json.Unmarshal(message.Payload, request); err != nil {
		glog.Warningf("[gate]discard malformed request on %s (%s)\n", message.Topic, err)
		return
	}

	self.mutex.Lock()
	decide := self.decide
	self.mutex.Unlock()
	if decide == nil {
		glog.Warningf("[gate]no decide function set, discard request from %q\n", request.Username)
		return
	}

	// each request is decided on its own goroutine. the external decision
	// blocks this request only
	go HandleError(func() {
		approved := false
		HandleError(func() {
			approved = decide(request.Username)
		})
		self.respond(message, request.Username, approved)
	})
}

func (self *AccessGate) respond(message *Message, requesterUsername string, approved bool) {
	decision := DecisionDenied
	if approved {
		decision = DecisionGranted
	}
	glog.Infof("[gate]%s edit access for %q\n", decision, requesterUsername)

	self.flow.Enqueue(
		message.ResponseTopic,
		[]byte(decision),
		&PublishOptions{
			QoS:             1,
			CorrelationData: message.CorrelationData,
		},
		func(outcome PublishOutcome, err error) {
			if outcome != OutcomePublished {
				glog.Warningf("[gate]decision publish for %q %s (%s)\n", requesterUsername, outcome, err)
			}
		},
	)

	if approved {
		// republish the register so the admitted participant converges
		// immediately instead of waiting for the next edit
		if err := self.document.PublishSnapshot(nil); err != nil {
			glog.Warningf("[gate]snapshot publish after grant failed (%s)\n", err)
		}
	}

	for _, decisionCallback := range self.decisionCallbacks.Get() {
		HandleError(func() {
			decisionCallback(requesterUsername, approved)
		})
	}
}
