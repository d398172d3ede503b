// ABOUTME: Reliable AMQP bus client with at-least-once delivery semantics
// ABOUTME: Owns one broker connection, declares topology, publishes and consumes envelopes

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBusUnavailable is returned when the broker cannot be reached within
// the bounded retry budget. The process should alert and keep retrying the
// overall consume loop rather than crash.
var ErrBusUnavailable = errors.New("bus unavailable")

// ErrPublishFailed is returned when a publish does not reach the broker.
// Non-fatal: callers decide whether to retry or accept the loss.
var ErrPublishFailed = errors.New("publish failed")

// Handler processes one delivered message body. A returned error is logged;
// the delivery is acknowledged either way so a malformed message cannot
// loop through redelivery forever.
type Handler func(ctx context.Context, body []byte) error

// QueueBinding names one durable queue and the routing key it is bound with.
type QueueBinding struct {
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

// Config holds broker connection and topology parameters. All of it is
// environment-provided in deployments; nothing is hardcoded.
type Config struct {
	Host     string `yaml:"host" env:"BUS_HOST"`
	Port     int    `yaml:"port" env:"BUS_PORT"`
	User     string `yaml:"user" env:"BUS_USER"`
	Password string `yaml:"password" env:"BUS_PASSWORD"`
	VHost    string `yaml:"vhost" env:"BUS_VHOST"`

	Exchange string         `yaml:"exchange" env:"BUS_EXCHANGE"`
	Bindings []QueueBinding `yaml:"bindings"`

	// Connect retry policy. Publish and consume share the same budget.
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	RetryDelay         time.Duration `yaml:"-"`
	RetryDelayRaw      string        `yaml:"retry_delay"`
}

const (
	defaultMaxConnectAttempts = 12
	defaultRetryDelay         = 5 * time.Second
)

// Validate checks required connection parameters and applies retry defaults.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("bus host is required")
	}
	if c.Port == 0 {
		c.Port = 5672
	}
	if c.Exchange == "" {
		return fmt.Errorf("bus exchange is required")
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = defaultMaxConnectAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return nil
}

// HasBinding reports whether the binding is already part of the topology.
func (c *Config) HasBinding(b QueueBinding) bool {
	for _, have := range c.Bindings {
		if have == b {
			return true
		}
	}
	return false
}

// URL renders the AMQP connection string.
func (c *Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// Client owns one physical connection to the broker. Publishes go through a
// dedicated channel guarded by a mutex (AMQP channels are not safe for
// concurrent use); each consume loop opens its own channel off the shared
// connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex // guards conn, pubCh, declared; serializes publishes
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	declared bool

	dial func(url string) (*amqp.Connection, error)
}

// New creates a bus client from a validated config. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating bus config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "bus"),
		dial:   amqp.Dial,
	}, nil
}

// Connect establishes the broker connection, retrying up to the configured
// attempt bound with a fixed delay between attempts. Returns ErrBusUnavailable
// wrapped with the last dial error once the bound is exceeded.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	c.resetLocked()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxConnectAttempts; attempt++ {
		conn, err := c.dial(c.cfg.URL())
		if err == nil {
			c.conn = conn
			c.logger.Info("connected to broker", "host", c.cfg.Host, "port", c.cfg.Port, "attempt", attempt)
			return nil
		}
		lastErr = err
		c.logger.Warn("broker connect failed",
			"host", c.cfg.Host,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxConnectAttempts,
			"error", err)

		if attempt == c.cfg.MaxConnectAttempts {
			break
		}
		select {
		case <-time.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrBusUnavailable, c.cfg.MaxConnectAttempts, lastErr)
}

// Initialize opens the publish channel and declares the exchange, the
// well-known queues, and their bindings. Idempotent: declaring existing
// topology with identical parameters is a no-op at the broker, so it is
// safe to call before every publish.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeLocked(ctx)
}

func (c *Client) initializeLocked(ctx context.Context) error {
	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	if c.pubCh != nil && c.declared {
		return nil
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}

	if err := declareTopology(ch, c.cfg.Exchange, c.cfg.Bindings); err != nil {
		ch.Close()
		return err
	}

	c.pubCh = ch
	c.declared = true
	c.logger.Debug("topology declared", "exchange", c.cfg.Exchange, "bindings", len(c.cfg.Bindings))
	return nil
}

// declareTopology declares the durable exchange plus every configured queue
// and binding on the given channel.
func declareTopology(ch *amqp.Channel, exchange string, bindings []QueueBinding) error {
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeDirect,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}

	for _, b := range bindings {
		if err := declareQueue(ch, exchange, b); err != nil {
			return err
		}
	}
	return nil
}

// declareQueue declares one durable queue and binds it with its routing key.
func declareQueue(ch *amqp.Channel, exchange string, b QueueBinding) error {
	if _, err := ch.QueueDeclare(
		b.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declaring queue %q: %w", b.Queue, err)
	}
	if err := ch.QueueBind(b.Queue, b.RoutingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue %q to %q: %w", b.Queue, b.RoutingKey, err)
	}
	return nil
}

// Publish serializes v as JSON and publishes it persistently (written to
// disk by the broker) with the given routing key. Bounded by the connect
// retry policy; failures wrap ErrPublishFailed and are never fatal.
func (c *Client) Publish(ctx context.Context, routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding body: %v", ErrPublishFailed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.initializeLocked(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	err = c.pubCh.PublishWithContext(ctx,
		c.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		// Force a fresh channel on the next publish; the broker may have
		// closed this one.
		c.resetChannelLocked()
		c.logger.Error("publish failed", "routing_key", routingKey, "error", err)
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	c.logger.Debug("published", "routing_key", routingKey, "bytes", len(body))
	return nil
}

// Consume runs one delivery loop for the (queue, routingKey) pair, invoking
// handler for every message. The delivery is acknowledged after the handler
// returns; handler errors are logged and the message is still acknowledged.
// The system favors availability over redelivery-on-error, since redelivering
// a malformed message would loop forever. Connection-level failures sleep and
// retry the whole cycle. Returns when ctx is cancelled.
//
// Run one Consume per (queue, routingKey) pair in its own goroutine.
func (c *Client) Consume(ctx context.Context, queue, routingKey string, handler Handler) error {
	logger := c.logger.With("queue", queue, "routing_key", routingKey)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch, err := c.consumerChannel(ctx, QueueBinding{Queue: queue, RoutingKey: routingKey})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("consume setup failed, retrying", "error", err)
			if !sleepCtx(ctx, c.cfg.RetryDelay) {
				return ctx.Err()
			}
			continue
		}

		deliveries, err := ch.Consume(
			queue,
			"",    // consumer tag (broker-assigned)
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			ch.Close()
			logger.Error("starting consumer failed, retrying", "error", err)
			if !sleepCtx(ctx, c.cfg.RetryDelay) {
				return ctx.Err()
			}
			continue
		}

		logger.Info("consuming")
		if done := c.deliveryLoop(ctx, logger, deliveries, handler); done {
			ch.Close()
			return ctx.Err()
		}

		// Delivery channel closed underneath us: connection-level error.
		ch.Close()
		logger.Warn("delivery stream closed, reconnecting")
		if !sleepCtx(ctx, c.cfg.RetryDelay) {
			return ctx.Err()
		}
	}
}

// deliveryLoop drains deliveries until the stream closes or ctx is
// cancelled. Returns true when the loop should terminate for good.
func (c *Client) deliveryLoop(ctx context.Context, logger *slog.Logger, deliveries <-chan amqp.Delivery, handler Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-deliveries:
			if !ok {
				return false
			}
			// In-flight handling completes even during shutdown; the loop
			// only checks for cancellation between deliveries.
			if err := handler(ctx, msg.Body); err != nil {
				logger.Error("handler failed, acknowledging anyway",
					"message_id", msg.MessageId,
					"error", err)
			}
			if err := msg.Ack(false); err != nil {
				logger.Error("ack failed", "error", err)
				return false
			}
		}
	}
}

// consumerChannel opens a dedicated channel for one consume loop and
// declares the topology it depends on.
func (c *Client) consumerChannel(ctx context.Context, b QueueBinding) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	ch, err := c.conn.Channel()
	if err != nil {
		// Connection may be stale; drop it so the next attempt redials.
		c.resetLocked()
		return nil, fmt.Errorf("opening consumer channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", c.cfg.Exchange, err)
	}
	if err := declareQueue(ch, c.cfg.Exchange, b); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// Disconnect closes the publish channel and the connection if open.
// Safe to call multiple times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.logger.Info("disconnecting from broker")
	}
	c.resetLocked()
}

// resetChannelLocked drops the publish channel. Must be called with mu held.
func (c *Client) resetChannelLocked() {
	if c.pubCh != nil {
		c.pubCh.Close()
		c.pubCh = nil
	}
	c.declared = false
}

// resetLocked drops the channel and connection. Must be called with mu held.
func (c *Client) resetLocked() {
	c.resetChannelLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// sleepCtx sleeps for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
