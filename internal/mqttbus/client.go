// v2
// internal/mqttbus/client.go
package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqttbus: broker did not respond in time")
	// ErrNotConnected is returned by operations attempted before Connect.
	ErrNotConnected = errors.New("mqttbus: not connected")
	// ErrSubscriptionRejected is returned when the broker refuses a filter.
	ErrSubscriptionRejected = errors.New("mqttbus: subscription rejected")
)

// Config describes the broker connection.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
	AutoReconnect  bool
}

// Broker returns the tcp:// URL of the configured broker.
func (c Config) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// Client wraps a paho client with context-aware operations and restores
// subscriptions whenever the connection is re-established.
type Client struct {
	cfg     Config
	log     *slog.Logger
	factory func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
	subs   map[string]subscription
	lost   chan error
}

type subscription struct {
	handler func(topic string, payload []byte)
	live    bool
}

// New prepares a client; nothing is dialled until Connect.
func New(cfg Config, log *slog.Logger) *Client {
	return newWithFactory(cfg, log, mqtt.NewClient)
}

func newWithFactory(cfg Config, log *slog.Logger, factory func(*mqtt.ClientOptions) mqtt.Client) *Client {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		log:     log.With(slog.String("component", "mqtt")),
		factory: factory,
		subs:    make(map[string]subscription),
		lost:    make(chan error, 1),
	}
}

// Lost delivers the connection error when the link drops and auto-reconnect
// is disabled.
func (c *Client) Lost() <-chan error { return c.lost }

// Connect dials the broker and blocks until the CONNACK, ctx cancellation or
// the connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker()).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(c.cfg.AutoReconnect).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			c.log.Info("mqtt_reconnecting", slog.String("broker", c.cfg.Broker()))
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(c.cfg.KeepAlive)
	}
	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	}

	cl := c.factory(opts)
	if err := wait(ctx, cl.Connect(), c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Broker(), err)
	}

	c.mu.Lock()
	c.client = cl
	c.mu.Unlock()
	c.log.Info("mqtt_connected", slog.String("broker", c.cfg.Broker()), slog.String("client_id", c.cfg.ClientID))
	return nil
}

// Subscribe registers handler for topic (wildcards allowed). The handler is
// kept and re-subscribed after reconnects.
func (c *Client) Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error {
	return c.register(ctx, topic, subscription{handler: handler})
}

// SubscribeLive is Subscribe without retained deliveries: the broker's
// stored copy of the topic is dropped and only fresh publishes reach handler.
func (c *Client) SubscribeLive(ctx context.Context, topic string, handler func(topic string, payload []byte)) error {
	return c.register(ctx, topic, subscription{handler: handler, live: true})
}

func (c *Client) register(ctx context.Context, topic string, sub subscription) error {
	cl, err := c.current()
	if err != nil {
		return err
	}
	if err := c.subscribe(ctx, cl, topic, sub); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()
	c.log.Info("mqtt_subscribed", slog.String("topic", topic), slog.Bool("live", sub.live))
	return nil
}

func (c *Client) subscribe(ctx context.Context, cl mqtt.Client, topic string, sub subscription) error {
	tok := cl.Subscribe(topic, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		if sub.live && msg.Retained() {
			c.log.Debug("mqtt_retained_dropped", slog.String("topic", msg.Topic()))
			return
		}
		sub.handler(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, tok, c.cfg.OpTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		for t, code := range st.Result() {
			if code == 0x80 {
				return fmt.Errorf("subscribe %s: %w", t, ErrSubscriptionRejected)
			}
		}
	}
	return nil
}

// Unsubscribe removes the subscription and its handler.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	cl, err := c.current()
	if err != nil {
		return err
	}
	if err := wait(ctx, cl.Unsubscribe(topic), c.cfg.OpTimeout); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	cl, err := c.current()
	if err != nil {
		return err
	}
	if err := wait(ctx, cl.Publish(topic, c.cfg.QoS, false, payload), c.cfg.OpTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

// Close disconnects, allowing 250ms for in-flight work.
func (c *Client) Close() {
	c.mu.Lock()
	cl := c.client
	c.client = nil
	c.mu.Unlock()
	if cl != nil {
		cl.Disconnect(250)
		c.log.Info("mqtt_disconnected")
	}
}

func (c *Client) current() (mqtt.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

func (c *Client) onConnect(cl mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		if err := c.subscribe(context.Background(), cl, topic, s); err != nil {
			c.log.Error("mqtt_resubscribe_failed", slog.String("topic", topic), slog.Any("err", err))
			continue
		}
		c.log.Info("mqtt_resubscribed", slog.String("topic", topic))
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn("mqtt_connection_lost", slog.Any("err", err), slog.Bool("auto_reconnect", c.cfg.AutoReconnect))
	if c.cfg.AutoReconnect {
		return
	}
	select {
	case c.lost <- err:
	default:
	}
}

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return ErrTimeout
	}
}
