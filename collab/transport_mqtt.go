package collab

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/eclipse/paho.golang/paho"

	"github.com/gorilla/websocket"
)

// mqtt 5 transport adapter. the reference deployment is a mosquitto
// websocket listener, so `ws://`/`wss://` urls dial via gorilla and hand
// the wrapped conn to paho; `tcp://`/`ssl://` dial directly.

type MqttTransportSettings struct {
	ConnectTimeout time.Duration
	PacketTimeout  time.Duration
}

func DefaultMqttTransportSettings() *MqttTransportSettings {
	return &MqttTransportSettings{
		ConnectTimeout: 15 * time.Second,
		PacketTimeout:  15 * time.Second,
	}
}

type MqttTransport struct {
	brokerUrl string
	settings  *MqttTransportSettings

	mutex     sync.Mutex
	connected bool
	client    *paho.Client
	conn      net.Conn

	receiveCallbacks *CallbackList[ReceiveFunction]
}

func NewMqttTransportWithDefaults(brokerUrl string) *MqttTransport {
	return NewMqttTransport(brokerUrl, DefaultMqttTransportSettings())
}

func NewMqttTransport(brokerUrl string, settings *MqttTransportSettings) *MqttTransport {
	return &MqttTransport{
		brokerUrl:        brokerUrl,
		settings:         settings,
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
}

func (self *MqttTransport) Connect(ctx context.Context, options *ConnectOptions) error {
	dialCtx, cancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
	defer cancel()

	conn, err := dialBroker(dialCtx, self.brokerUrl)
	if err != nil {
		return err
	}

	client := paho.NewClient(paho.ClientConfig{
		Conn:          conn,
		Router:        paho.NewSingleHandlerRouter(self.receive),
		PacketTimeout: self.settings.PacketTimeout,
		OnClientError: func(err error) {
			glog.Infof("[mqtt]client error (%s)\n", err)
		},
		OnServerDisconnect: func(disconnect *paho.Disconnect) {
			glog.Infof("[mqtt]server disconnect reason=%d\n", disconnect.ReasonCode)
		},
	})

	connect := &paho.Connect{
		ClientID:   options.ClientId.String(),
		CleanStart: true,
		KeepAlive:  uint16(options.KeepAlive / time.Second),
	}
	if options.Credentials != nil {
		connect.Username = options.Credentials.Username
		connect.UsernameFlag = true
		connect.Password = []byte(options.Credentials.Password)
		connect.PasswordFlag = true
	}
	if will := options.Will; will != nil {
		connect.WillMessage = &paho.WillMessage{
			Retain:  will.Retain,
			QoS:     will.QoS,
			Topic:   will.Topic,
			Payload: will.Payload,
		}
		willDelay := uint32(will.Delay / time.Second)
		willExpiry := uint32(will.Expiry / time.Second)
		connect.WillProperties = &paho.WillProperties{
			WillDelayInterval: &willDelay,
		}
		if 0 < willExpiry {
			connect.WillProperties.MessageExpiry = &willExpiry
		}
	}

	connack, err := client.Connect(dialCtx, connect)
	if err != nil {
		conn.Close()
		return err
	}
	if connack.ReasonCode != 0 {
		conn.Close()
		return fmt.Errorf("connect refused: reason=%d", connack.ReasonCode)
	}

	self.mutex.Lock()
	self.connected = true
	self.client = client
	self.conn = conn
	self.mutex.Unlock()
	return nil
}

func (self *MqttTransport) Publish(ctx context.Context, topic string, payload []byte, options *PublishOptions) error {
	self.mutex.Lock()
	client := self.client
	connected := self.connected
	self.mutex.Unlock()
	if !connected {
		return ErrNotConnected
	}

	publish := &paho.Publish{
		Topic:   topic,
		Payload: payload,
	}
	if options != nil {
		publish.QoS = options.QoS
		publish.Retain = options.Retain
		properties := &paho.PublishProperties{}
		hasProperties := false
		if options.ResponseTopic != "" {
			properties.ResponseTopic = options.ResponseTopic
			hasProperties = true
		}
		if 0 < len(options.CorrelationData) {
			properties.CorrelationData = options.CorrelationData
			hasProperties = true
		}
		if 0 < options.Expiry {
			expiry := uint32(options.Expiry / time.Second)
			properties.MessageExpiry = &expiry
			hasProperties = true
		}
		if hasProperties {
			publish.Properties = properties
		}
	}

	_, err := client.Publish(ctx, publish)
	return err
}

func (self *MqttTransport) Subscribe(ctx context.Context, topicFilter string) error {
	self.mutex.Lock()
	client := self.client
	connected := self.connected
	self.mutex.Unlock()
	if !connected {
		return ErrNotConnected
	}

	_, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{
				Topic: topicFilter,
				QoS:   2,
			},
		},
	})
	return err
}

func (self *MqttTransport) Unsubscribe(ctx context.Context, topicFilter string) error {
	self.mutex.Lock()
	client := self.client
	connected := self.connected
	self.mutex.Unlock()
	if !connected {
		return ErrNotConnected
	}

	_, err := client.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{topicFilter},
	})
	return err
}

func (self *MqttTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

// clean disconnect. the broker discards the will
func (self *MqttTransport) Close() error {
	self.mutex.Lock()
	client := self.client
	conn := self.conn
	connected := self.connected
	self.connected = false
	self.client = nil
	self.conn = nil
	self.mutex.Unlock()

	if !connected {
		return nil
	}
	err := client.Disconnect(&paho.Disconnect{
		ReasonCode: 0,
	})
	if conn != nil {
		conn.Close()
	}
	return err
}

func (self *MqttTransport) receive(publish *paho.Publish) {
	message := &Message{
		Topic:   publish.Topic,
		Payload: publish.Payload,
		QoS:     publish.QoS,
		Retain:  publish.Retain,
	}
	if properties := publish.Properties; properties != nil {
		message.ResponseTopic = properties.ResponseTopic
		message.CorrelationData = properties.CorrelationData
		if properties.MessageExpiry != nil {
			message.Expiry = time.Duration(*properties.MessageExpiry) * time.Second
		}
	}
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		HandleError(func() {
			receiveCallback(message)
		})
	}
}

func dialBroker(ctx context.Context, brokerUrl string) (net.Conn, error) {
	u, err := url.Parse(brokerUrl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws", "wss":
		dialer := &websocket.Dialer{
			Proxy:        http.ProxyFromEnvironment,
			Subprotocols: []string{"mqtt"},
		}
		wsConn, _, err := dialer.DialContext(ctx, brokerUrl, nil)
		if err != nil {
			return nil, err
		}
		return newWsNetConn(wsConn), nil
	case "tcp", "mqtt":
		dialer := &net.Dialer{}
		return dialer.DialContext(ctx, "tcp", u.Host)
	case "ssl", "tls", "mqtts":
		dialer := &tls.Dialer{}
		return dialer.DialContext(ctx, "tcp", u.Host)
	default:
		return nil, fmt.Errorf("unsupported broker url scheme %q", u.Scheme)
	}
}

// adapts a gorilla websocket connection to `net.Conn` so paho can read
// the mqtt stream out of binary websocket frames
type wsNetConn struct {
	conn *websocket.Conn

	readMutex sync.Mutex
	reader    interface {
		Read([]byte) (int, error)
	}
}

func newWsNetConn(conn *websocket.Conn) *wsNetConn {
	return &wsNetConn{
		conn: conn,
	}
}

func (self *wsNetConn) Read(b []byte) (int, error) {
	self.readMutex.Lock()
	defer self.readMutex.Unlock()

	for {
		if self.reader == nil {
			messageType, reader, err := self.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			self.reader = reader
		}
		n, err := self.reader.Read(b)
		if err != nil {
			// frame exhausted, advance to the next one
			self.reader = nil
			if 0 < n {
				return n, nil
			}
			continue
		}
		return n, nil
	}
}

func (self *wsNetConn) Write(b []byte) (int, error) {
	if err := self.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (self *wsNetConn) Close() error {
	return self.conn.Close()
}

func (self *wsNetConn) LocalAddr() net.Addr {
	return self.conn.LocalAddr()
}

func (self *wsNetConn) RemoteAddr() net.Addr {
	return self.conn.RemoteAddr()
}

func (self *wsNetConn) SetDeadline(t time.Time) error {
	if err := self.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return self.conn.SetWriteDeadline(t)
}

func (self *wsNetConn) SetReadDeadline(t time.Time) error {
	return self.conn.SetReadDeadline(t)
}

func (self *wsNetConn) SetWriteDeadline(t time.Time) error {
	return self.conn.SetWriteDeadline(t)
}
