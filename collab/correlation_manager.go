package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// tracks outstanding request/response pairs by correlation id. each
// pending entry resolves exactly once: matching response, deadline
// expiry, or session teardown, whichever fires first.

type RequestResult struct {
	Payload []byte
	Timeout bool
	Err     error
}

type pendingRequest struct {
	correlationId Id
	createdAt     time.Time
	deadlineTimer *time.Timer
	result        chan *RequestResult
}

type CorrelationManagerSettings struct {
	RequestTimeout time.Duration
}

func DefaultCorrelationManagerSettings() *CorrelationManagerSettings {
	return &CorrelationManagerSettings{
		RequestTimeout: 10 * time.Second,
	}
}

type CorrelationManager struct {
	ctx      context.Context
	flow     *FlowController
	settings *CorrelationManagerSettings

	mutex   sync.Mutex
	closed  bool
	pending map[Id]*pendingRequest
}

func NewCorrelationManagerWithDefaults(ctx context.Context, flow *FlowController) *CorrelationManager {
	return NewCorrelationManager(ctx, flow, DefaultCorrelationManagerSettings())
}

func NewCorrelationManager(ctx context.Context, flow *FlowController, settings *CorrelationManagerSettings) *CorrelationManager {
	return &CorrelationManager{
		ctx:      ctx,
		flow:     flow,
		settings: settings,
		pending:  map[Id]*pendingRequest{},
	}
}

// publishes the request with the response topic and a fresh 128-bit
// correlation id embedded as request metadata, and registers a pending
// entry with a deadline. a publish failure surfaces immediately and
// bypasses the timeout path.
func (self *CorrelationManager) SendRequest(topic string, payload []byte, responseTopic string) (<-chan *RequestResult, error) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return nil, ErrSessionClosed
	}
	correlationId := NewId()
	if _, ok := self.pending[correlationId]; ok {
		// 128-bit ids do not collide among outstanding requests
		self.mutex.Unlock()
		return nil, fmt.Errorf("correlation id collision: %s", correlationId)
	}
	request := &pendingRequest{
		correlationId: correlationId,
		createdAt:     time.Now(),
		result:        make(chan *RequestResult, 1),
	}
	self.pending[correlationId] = request
	request.deadlineTimer = time.AfterFunc(self.settings.RequestTimeout, func() {
		self.expire(correlationId)
	})
	self.mutex.Unlock()

	var syncErr error
	ok := self.flow.Enqueue(
		topic,
		payload,
		&PublishOptions{
			QoS:             1,
			ResponseTopic:   responseTopic,
			CorrelationData: correlationId.Bytes(),
		},
		func(outcome PublishOutcome, err error) {
			if outcome != OutcomePublished {
				syncErr = err
				self.fail(correlationId, err)
			}
		},
	)
	if !ok {
		// rejected synchronously. the entry is already removed by `fail`
		return nil, syncErr
	}
	return request.result, nil
}

// blocking wrapper around `SendRequest`
func (self *CorrelationManager) Request(ctx context.Context, topic string, payload []byte, responseTopic string) (*RequestResult, error) {
	result, err := self.SendRequest(topic, payload, responseTopic)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-result:
		if r.Err != nil {
			return nil, r.Err
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// routes an inbound response to its pending entry. correlation data for
// an unknown id, including ids minted by another session, is ignored.
func (self *CorrelationManager) HandleResponse(correlationData []byte, payload []byte) {
	correlationId, err := IdFromBytes(correlationData)
	if err != nil {
		glog.V(1).Infof("[correlation]ignore response with malformed correlation data (%s)\n", err)
		return
	}
	request := self.remove(correlationId)
	if request == nil {
		glog.V(1).Infof("[correlation]ignore response for unknown id %s\n", correlationId)
		return
	}
	request.result <- &RequestResult{
		Payload: payload,
	}
}

func (self *CorrelationManager) expire(correlationId Id) {
	request := self.remove(correlationId)
	if request == nil {
		return
	}
	glog.V(1).Infof("[correlation]request %s timed out\n", correlationId)
	request.result <- &RequestResult{
		Timeout: true,
	}
}

func (self *CorrelationManager) fail(correlationId Id, err error) {
	request := self.remove(correlationId)
	if request == nil {
		return
	}
	request.result <- &RequestResult{
		Err: err,
	}
}

// delete-before-deliver under the state mutex guarantees at-most-once
// resolution
func (self *CorrelationManager) remove(correlationId Id) *pendingRequest {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	request, ok := self.pending[correlationId]
	if !ok {
		return nil
	}
	delete(self.pending, correlationId)
	if request.deadlineTimer != nil {
		request.deadlineTimer.Stop()
	}
	return request
}

func (self *CorrelationManager) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending)
}

// resolves every outstanding request with `ErrSessionClosed` so that no
// stale callback fires after teardown
func (self *CorrelationManager) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	drained := maps.Values(self.pending)
	maps.Clear(self.pending)
	self.mutex.Unlock()

	for _, request := range drained {
		if request.deadlineTimer != nil {
			request.deadlineTimer.Stop()
		}
		request.result <- &RequestResult{
			Err: ErrSessionClosed,
		}
	}
}

// re-arms a closed manager after a reconnect
func (self *CorrelationManager) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = false
}
