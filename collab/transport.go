package collab

import (
	"context"
	"strings"
	"time"
)

// the transport is a pub/sub message bus with topic hierarchies, wildcard
// subscription, qos tiers, retained last-value delivery, per-message
// expiry, and a deferred testament bound to the connection. clients never
// communicate directly.

type Message struct {
	Topic           string
	Payload         []byte
	QoS             byte
	Retain          bool
	ResponseTopic   string
	CorrelationData []byte
	Expiry          time.Duration
}

type PublishOptions struct {
	QoS             byte
	Retain          bool
	ResponseTopic   string
	CorrelationData []byte
	Expiry          time.Duration
}

// published by the broker on the client's behalf if the connection drops
// without a clean disconnect, after `Delay`
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Delay   time.Duration
	Expiry  time.Duration
}

type Credentials struct {
	Username string
	Password string
}

type ConnectOptions struct {
	ClientId    Id
	Credentials *Credentials
	Will        *Will
	KeepAlive   time.Duration
}

type ReceiveFunction func(message *Message)

type Transport interface {
	// registers the will (deferred testament) at connect time
	Connect(ctx context.Context, options *ConnectOptions) error
	Publish(ctx context.Context, topic string, payload []byte, options *PublishOptions) error
	Subscribe(ctx context.Context, topicFilter string) error
	Unsubscribe(ctx context.Context, topicFilter string) error
	// the returned function unsubscribes the callback
	AddReceiveCallback(receiveCallback ReceiveFunction) func()
	// clean disconnect. the will is discarded
	Close() error
}

// mqtt-style topic filter match with `+` and `#` wildcards
func topicMatch(filter string, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")
	for i, filterLevel := range filterLevels {
		if filterLevel == "#" {
			return true
		}
		if len(topicLevels) <= i {
			return false
		}
		if filterLevel != "+" && filterLevel != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
