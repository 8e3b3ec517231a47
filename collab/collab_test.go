package collab

import (
	"context"
	"encoding/json"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// transport stub that records publishes and defers to a hook
type testTransport struct {
	mutex     sync.Mutex
	publishFn func(message *Message) error
	published []*Message
}

func newTestTransport(publishFn func(message *Message) error) *testTransport {
	return &testTransport{
		publishFn: publishFn,
	}
}

func (self *testTransport) Connect(ctx context.Context, options *ConnectOptions) error {
	return nil
}

func (self *testTransport) Publish(ctx context.Context, topic string, payload []byte, options *PublishOptions) error {
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
	self.mutex.Lock()
	self.published = append(self.published, message)
	publishFn := self.publishFn
	self.mutex.Unlock()
	if publishFn != nil {
		return publishFn(message)
	}
	return nil
}

func (self *testTransport) Subscribe(ctx context.Context, topicFilter string) error {
	return nil
}

func (self *testTransport) Unsubscribe(ctx context.Context, topicFilter string) error {
	return nil
}

func (self *testTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	return func() {}
}

func (self *testTransport) Close() error {
	return nil
}

func (self *testTransport) Published() []*Message {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	published := make([]*Message, len(self.published))
	copy(published, self.published)
	return published
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if endTime.Before(time.Now()) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b := NewId()
	test1.B = &b

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	parsed, err := ParseId(test1.A.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, test1.A)
}

func TestIdOrder(t *testing.T) {
	// ulids from the same source are ordered by create time
	a := NewId()
	for i := 0; i < 1024; i++ {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		a = b
	}
}

func TestTopicMatch(t *testing.T) {
	fileId := NewId()
	clientId := NewId()

	assert.Equal(t, topicMatch(EditRequestTopic(fileId), EditRequestTopic(fileId)), true)
	assert.Equal(t, topicMatch(EditRequestTopic(fileId), EditRequestTopic(NewId())), false)

	assert.Equal(t, topicMatch(UserStatusWildcard, UserStatusTopic(clientId)), true)
	assert.Equal(t, topicMatch(UserStatusWildcard, FileStatusTopic(fileId)), false)
	assert.Equal(t, topicMatch(UserStatusWildcard, "user/a/b/status"), false)

	assert.Equal(t, topicMatch("file/#", DocumentRegisterTopic(fileId)), true)
	assert.Equal(t, topicMatch("file/#", UserStatusTopic(clientId)), false)
	assert.Equal(t, topicMatch("file/+/status", FileStatusTopic(fileId)), true)
	assert.Equal(t, topicMatch("file/+/status", DocumentRegisterTopic(fileId)), false)

	// a filter longer than the topic does not match
	assert.Equal(t, topicMatch("file/a/status", "file/a"), false)
	// a topic longer than the filter does not match
	assert.Equal(t, topicMatch("file/a", "file/a/status"), false)
}
