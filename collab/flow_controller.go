package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the flow controller decouples bursty producers (keystrokes) from
// transport capacity. outgoing publishes pass through a bounded fifo
// queue with a concurrency cap, a dispatch rate limit, and age-based
// drop. fifo preserves the causal order of a single producer's edits.

type PublishOutcome int

const (
	OutcomePublished PublishOutcome = iota
	// the queue was at capacity. reported synchronously
	OutcomeRejected
	// the message aged past the stale threshold before dispatch
	OutcomeDropped
	// the transport publish failed. retry is the caller's policy
	OutcomeFailed
)

func (self PublishOutcome) String() string {
	switch self {
	case OutcomePublished:
		return "published"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDropped:
		return "dropped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type PublishResultFunction func(outcome PublishOutcome, err error)

type BackpressureFunction func(active bool)

type FlowControllerSettings struct {
	MaxQueueSize           int
	MaxConcurrentPublishes int
	PublishRateLimit       time.Duration
	StaleAge               time.Duration
	BackpressureThreshold  int
	PublishTimeout         time.Duration
}

func DefaultFlowControllerSettings() *FlowControllerSettings {
	return &FlowControllerSettings{
		MaxQueueSize:           50,
		MaxConcurrentPublishes: 4,
		PublishRateLimit:       50 * time.Millisecond,
		StaleAge:               30 * time.Second,
		BackpressureThreshold:  16,
		PublishTimeout:         15 * time.Second,
	}
}

type queuedMessage struct {
	messageId      Id
	topic          string
	payload        []byte
	options        *PublishOptions
	enqueuedAt     time.Time
	resultCallback PublishResultFunction
}

type FlowController struct {
	ctx       context.Context
	transport Transport
	settings  *FlowControllerSettings

	mutex              sync.Mutex
	closed             bool
	queue              []*queuedMessage
	activePublishes    int
	backpressureActive bool
	lastDispatchAt     time.Time
	recheckTimer       *time.Timer

	backpressureCallbacks *CallbackList[BackpressureFunction]
}

func NewFlowControllerWithDefaults(ctx context.Context, transport Transport) *FlowController {
	return NewFlowController(ctx, transport, DefaultFlowControllerSettings())
}

func NewFlowController(ctx context.Context, transport Transport, settings *FlowControllerSettings) *FlowController {
	return &FlowController{
		ctx:                   ctx,
		transport:             transport,
		settings:              settings,
		queue:                 []*queuedMessage{},
		backpressureCallbacks: NewCallbackList[BackpressureFunction](),
	}
}

func (self *FlowController) AddBackpressureCallback(backpressureCallback BackpressureFunction) func() {
	callbackId := self.backpressureCallbacks.Add(backpressureCallback)
	return func() {
		self.backpressureCallbacks.Remove(callbackId)
	}
}

// appends to the queue and triggers the dispatch loop. returns false and
// reports `OutcomeRejected` synchronously when the queue is at capacity.
// the result callback fires exactly once with the final outcome.
func (self *FlowController) Enqueue(topic string, payload []byte, options *PublishOptions, resultCallback PublishResultFunction) bool {
	safeResultCallback := func(outcome PublishOutcome, err error) {
		if resultCallback != nil {
			HandleError(func() {
				resultCallback(outcome, err)
			})
		}
	}

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		safeResultCallback(OutcomeFailed, ErrSessionClosed)
		return false
	}
	if self.settings.MaxQueueSize <= len(self.queue) {
		self.mutex.Unlock()
		safeResultCallback(OutcomeRejected, ErrQueueFull)
		return false
	}
	message := &queuedMessage{
		messageId:      NewId(),
		topic:          topic,
		payload:        payload,
		options:        options,
		enqueuedAt:     time.Now(),
		resultCallback: safeResultCallback,
	}
	self.queue = append(self.queue, message)
	signalOn := false
	if !self.backpressureActive && self.settings.BackpressureThreshold <= len(self.queue) {
		self.backpressureActive = true
		signalOn = true
	}
	self.mutex.Unlock()

	if signalOn {
		glog.Infof("[flow]backpressure active\n")
		self.signalBackpressure(true)
	}
	self.dispatch()
	return true
}

// blocking wrapper around `Enqueue`
func (self *FlowController) EnqueueAwait(ctx context.Context, topic string, payload []byte, options *PublishOptions) (PublishOutcome, error) {
	type publishResult struct {
		outcome PublishOutcome
		err     error
	}
	result := make(chan publishResult, 1)
	self.Enqueue(topic, payload, options, func(outcome PublishOutcome, err error) {
		result <- publishResult{
			outcome: outcome,
			err:     err,
		}
	})
	select {
	case r := <-result:
		return r.outcome, r.err
	case <-ctx.Done():
		return OutcomeFailed, ctx.Err()
	}
}

// pops the oldest message whenever a concurrency slot is free and the
// rate limit allows; otherwise re-checks after the remaining delay.
// triggered on enqueue and on publish completion.
func (self *FlowController) dispatch() {
	for {
		self.mutex.Lock()
		if self.closed || len(self.queue) == 0 {
			self.mutex.Unlock()
			return
		}
		if self.settings.MaxConcurrentPublishes <= self.activePublishes {
			self.mutex.Unlock()
			return
		}
		now := time.Now()
		if !self.lastDispatchAt.IsZero() {
			if elapsed := now.Sub(self.lastDispatchAt); elapsed < self.settings.PublishRateLimit {
				remaining := self.settings.PublishRateLimit - elapsed
				if self.recheckTimer == nil {
					self.recheckTimer = time.AfterFunc(remaining, func() {
						self.mutex.Lock()
						self.recheckTimer = nil
						self.mutex.Unlock()
						self.dispatch()
					})
				}
				self.mutex.Unlock()
				return
			}
		}

		message := self.queue[0]
		self.queue = self.queue[1:]
		stale := self.settings.StaleAge < now.Sub(message.enqueuedAt)
		if !stale {
			self.activePublishes += 1
			self.lastDispatchAt = now
		}
		signalOff := false
		if self.backpressureActive && len(self.queue) <= self.settings.BackpressureThreshold/2 {
			self.backpressureActive = false
			signalOff = true
		}
		self.mutex.Unlock()

		if signalOff {
			glog.Infof("[flow]backpressure inactive\n")
			self.signalBackpressure(false)
		}
		if stale {
			// stale drops do not consume a concurrency slot or a rate slot
			glog.V(1).Infof("[flow]drop stale message %s for %s\n", message.messageId, message.topic)
			message.resultCallback(OutcomeDropped, ErrMessageStale)
			continue
		}
		go self.publish(message)
	}
}

func (self *FlowController) publish(message *queuedMessage) {
	publishCtx, cancel := context.WithTimeout(self.ctx, self.settings.PublishTimeout)
	defer cancel()
	err := self.transport.Publish(publishCtx, message.topic, message.payload, message.options)

	self.mutex.Lock()
	// a `Reset` may have zeroed the counters while this publish was in flight
	if 0 < self.activePublishes {
		self.activePublishes -= 1
	}
	self.mutex.Unlock()

	if err != nil {
		message.resultCallback(OutcomeFailed, err)
	} else {
		message.resultCallback(OutcomePublished, nil)
	}
	self.dispatch()
}

func (self *FlowController) signalBackpressure(active bool) {
	for _, backpressureCallback := range self.backpressureCallbacks.Get() {
		HandleError(func() {
			backpressureCallback(active)
		})
	}
}

func (self *FlowController) QueueSize() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.queue)
}

func (self *FlowController) ActivePublishes() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.activePublishes
}

func (self *FlowController) IsBackpressureActive() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.backpressureActive
}

// fails every queued entry and stops dispatch. part of session teardown,
// so that no stale callback fires after the session is gone.
func (self *FlowController) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	drained := self.queue
	self.queue = []*queuedMessage{}
	if self.recheckTimer != nil {
		self.recheckTimer.Stop()
		self.recheckTimer = nil
	}
	signalOff := self.backpressureActive
	self.backpressureActive = false
	self.mutex.Unlock()

	if signalOff {
		self.signalBackpressure(false)
	}
	for _, message := range drained {
		message.resultCallback(OutcomeFailed, ErrSessionClosed)
	}
}

// re-arms a closed controller after a reconnect. the queue and counters
// are reset; lifecycle state is bound to the connection session.
func (self *FlowController) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.closed = false
	self.queue = []*queuedMessage{}
	self.activePublishes = 0
	self.backpressureActive = false
	self.lastDispatchAt = time.Time{}
}
