package bull

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"bull-bridge/internal/domain"
)

const (
	pushRetryInterval    = 15 * time.Second
	pushMaxRetryInterval = 120 * time.Second
	pushPublishTimeout   = 10 * time.Second
	pushDisconnectQuiet  = 250

	methodProperties = "thing.properties"
	methodStatus     = "thing.status"
)

// TokenSource exposes the session identity the push connection authenticates
// with. Values are read on every (re)connect.
type TokenSource interface {
	OpenID() string
	AccessToken() string
}

// Updater receives decoded property changes.
type Updater interface {
	ApplyUpdate(iotID, identifier string, value any) bool
}

// MQTTClient is the part of the paho client the bridge drives.
type MQTTClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
}

type ClientFactory func(opts *paho.ClientOptions) MQTTClient

func newPahoClient(opts *paho.ClientOptions) MQTTClient {
	return paho.NewClient(opts)
}

// PushBridge keeps the vendor's push connection open and routes inbound
// property and status events to the registry.
type PushBridge struct {
	broker  string
	tokens  TokenSource
	updates Updater
	logger  *slog.Logger
	factory ClientFactory

	mu       sync.Mutex
	client   MQTTClient
	clientID string
	state    domain.PushState
	stopped  bool
	done     chan struct{}
}

type PushOption func(*PushBridge)

// WithClientFactory replaces the MQTT client constructor.
func WithClientFactory(f ClientFactory) PushOption {
	return func(b *PushBridge) {
		b.factory = f
	}
}

func NewPushBridge(broker string, tokens TokenSource, updates Updater, logger *slog.Logger, opts ...PushOption) *PushBridge {
	if broker == "" {
		broker = DefaultBroker
	}
	b := &PushBridge{
		broker:  broker,
		tokens:  tokens,
		updates: updates,
		logger:  logger,
		factory: newPahoClient,
		state:   domain.PushDisconnected,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start opens the connection in the background. Connect and reconnect
// retries are left to the transport and continue until Stop.
func (b *PushBridge) Start(ctx context.Context) error {
	openID := b.tokens.OpenID()
	if openID == "" {
		return fmt.Errorf("starting push bridge: session has no openid")
	}

	b.mu.Lock()
	if b.client != nil {
		b.mu.Unlock()
		return nil
	}
	b.clientID = "IOS@" + pushAppVersion + "@" + openID
	b.stopped = false
	b.state = domain.PushConnecting
	b.done = make(chan struct{})
	done := b.done
	client := b.factory(b.options())
	b.client = client
	b.mu.Unlock()

	b.logger.Info("starting push bridge", "broker", b.broker, "client_id", b.ClientID())

	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				b.logger.Error("push connect failed", "error", err)
			}
		case <-ctx.Done():
		case <-done:
		}
	}()
	return nil
}

func (b *PushBridge) options() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(b.broker)
	opts.SetClientID(b.clientID)
	opts.SetCredentialsProvider(func() (string, string) {
		return b.tokens.OpenID(), b.tokens.AccessToken()
	})
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(pushRetryInterval)
	// paho v1.5 starts reconnect backoff at a fixed 1s (initSleep) and only
	// caps it here; the 15s floor applies to the initial connect retry.
	opts.SetMaxReconnectInterval(pushMaxRetryInterval)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(b.onReconnecting)
	opts.SetDefaultPublishHandler(b.onMessage)
	return opts
}

// Stop halts delivery and disconnects. Messages that arrive afterwards are
// dropped.
func (b *PushBridge) Stop() {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.stopped = true
	b.state = domain.PushDisconnected
	if b.done != nil {
		close(b.done)
		b.done = nil
	}
	b.mu.Unlock()

	if client == nil {
		return
	}
	client.Disconnect(pushDisconnectQuiet)
	b.logger.Info("push bridge stopped")
}

func (b *PushBridge) State() domain.PushState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *PushBridge) ClientID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clientID
}

func (b *PushBridge) setState(s domain.PushState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.state = s
}

type bindMessage struct {
	ID     string `json:"id"`
	Params struct {
		Token string `json:"token"`
	} `json:"params"`
	Request struct {
		ClientID string `json:"clientId"`
		UserID   string `json:"userId"`
	} `json:"request"`
	Version string `json:"version"`
}

func (b *PushBridge) bindPayload() ([]byte, error) {
	var msg bindMessage
	msg.ID = bindID
	msg.Params.Token = b.tokens.AccessToken()
	msg.Request.ClientID = b.ClientID()
	msg.Request.UserID = b.tokens.OpenID()
	msg.Version = bindVersion
	return json.Marshal(msg)
}

// onConnect binds the account; the vendor delivers no pushes before that.
func (b *PushBridge) onConnect(paho.Client) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}

	b.logger.Info("push connected, binding account")

	payload, err := b.bindPayload()
	if err != nil {
		b.logger.Error("encoding bind message", "error", err)
		return
	}

	token := client.Publish(bindTopic, 0, false, payload)
	if !token.WaitTimeout(pushPublishTimeout) {
		b.logger.Warn("bind publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Error("bind publish failed", "error", err)
		return
	}

	b.setState(domain.PushBound)
	b.logger.Info("push account bound", "client_id", b.ClientID())
}

func (b *PushBridge) onConnectionLost(_ paho.Client, err error) {
	b.setState(domain.PushDisconnected)
	b.logger.Warn("push connection lost", "error", err)
}

func (b *PushBridge) onReconnecting(paho.Client, *paho.ClientOptions) {
	b.setState(domain.PushConnecting)
	b.logger.Info("push reconnecting")
}

func (b *PushBridge) onMessage(_ paho.Client, msg paho.Message) {
	b.Dispatch(msg.Topic(), msg.Payload())
}

type pushEnvelope struct {
	Method string `json:"method"`
	Params struct {
		IotID string `json:"iotId"`
		Items map[string]struct {
			Value any `json:"value"`
		} `json:"items"`
		Status *struct {
			Value any `json:"value"`
		} `json:"status"`
	} `json:"params"`
}

// Dispatch decodes one inbound message and forwards its values. Failures are
// logged and never escape, so one bad message cannot stop delivery.
func (b *PushBridge) Dispatch(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("push handler panic", "topic", topic, "panic", r)
		}
	}()

	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return
	}

	b.logger.Debug("push message", "topic", topic, "payload", string(payload))

	var env pushEnvelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		b.logger.Warn("dropping undecodable push message", "topic", topic, "error", err)
		return
	}

	switch env.Method {
	case methodProperties:
		for identifier, item := range env.Params.Items {
			b.updates.ApplyUpdate(env.Params.IotID, identifier, item.Value)
		}
	case methodStatus:
		if env.Params.Status == nil {
			b.logger.Warn("status push without status", "iot_id", env.Params.IotID)
			return
		}
		b.updates.ApplyUpdate(env.Params.IotID, domain.StatusIdentifier, env.Params.Status.Value)
	default:
		b.logger.Debug("ignoring push method", "method", env.Method)
	}
}
