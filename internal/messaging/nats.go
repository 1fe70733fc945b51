// Package messaging carries events between anygle processes. Events for a
// user are published on that user's subject so the recipient's connection
// can live on any wsserver instance. NATS is the production transport;
// LocalBus serves single-process deployments and tests.
package messaging

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// NATSClient wraps the NATS connection and implements Bus.
type NATSClient struct {
	conn   *nats.Conn
	mu     sync.Mutex
	subs   map[int]*nats.Subscription
	nextID int
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "anygle",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				jww.WARN.Printf("[nats] disconnected: %v", err)
			} else {
				jww.WARN.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			jww.INFO.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			jww.INFO.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}

	jww.INFO.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[int]*nats.Subscription),
	}, nil
}

// Publish implements Bus.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "nats publish %s", subject)
	}
	return nil
}

// Subscribe implements Bus. Several subscriptions to one subject may
// coexist; each is removed independently by its returned function.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (func() error, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "nats subscribe %s", subject)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	c.mu.Unlock()

	return func() error { return c.unsubscribe(id) }, nil
}

// QueueSubscribe load-balances subject across the members of queue. Used by
// the moderator service so each audit record is stored once.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(data []byte)) (func() error, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "nats queue subscribe %s", subject)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	c.mu.Unlock()

	return func() error { return c.unsubscribe(id) }, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			jww.WARN.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
		delete(c.subs, id)
	}

	if err := c.conn.Drain(); err != nil {
		jww.WARN.Printf("[nats] connection drain: %v", err)
	}

	jww.INFO.Printf("[nats] client closed")
}

func (c *NATSClient) unsubscribe(id int) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, id)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return errors.Wrapf(err, "nats unsubscribe %s", sub.Subject)
	}
	return nil
}
