package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/moderation"
)

// QueueGroup load-balances audit subjects across moderator processes.
const QueueGroup = "moderators"

const writeTimeout = 5 * time.Second

type queueSubscriber interface {
	QueueSubscribe(subject, queue string, handler func(data []byte)) (func() error, error)
}

// Consumer subscribes to the audit subjects and writes every record to a
// Sink.
type Consumer struct {
	bus  messaging.Bus
	sink Sink

	mu     sync.Mutex
	unsubs []func() error
}

// NewConsumer returns a Consumer. Call Start to subscribe.
func NewConsumer(bus messaging.Bus, sink Sink) *Consumer {
	return &Consumer{bus: bus, sink: sink}
}

// Start subscribes to the message, report and escalation subjects. On a
// bus that supports queue groups the subscriptions join QueueGroup.
func (c *Consumer) Start() error {
	handlers := map[string]func([]byte){
		messaging.SubjectAuditMessage: c.onMessage,
		messaging.SubjectAuditReport:  c.onReport,
		messaging.SubjectEscalation:   c.onEscalation,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for subject, h := range handlers {
		var (
			unsub func() error
			err   error
		)
		if qs, ok := c.bus.(queueSubscriber); ok {
			unsub, err = qs.QueueSubscribe(subject, QueueGroup, h)
		} else {
			unsub, err = c.bus.Subscribe(subject, h)
		}
		if err != nil {
			c.stopLocked()
			return err
		}
		c.unsubs = append(c.unsubs, unsub)
	}
	jww.INFO.Printf("[audit] consuming %d subjects", len(handlers))
	return nil
}

// Stop removes every subscription.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Consumer) stopLocked() {
	for _, unsub := range c.unsubs {
		if err := unsub(); err != nil {
			jww.WARN.Printf("[audit] unsubscribe: %v", err)
		}
	}
	c.unsubs = nil
}

func (c *Consumer) onMessage(data []byte) {
	var m MessageRecord
	if err := json.Unmarshal(data, &m); err != nil {
		jww.WARN.Printf("[audit] bad message record: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.sink.InsertMessage(ctx, m); err != nil {
		jww.ERROR.Printf("[audit] message %s: %v", m.ID, err)
	}
}

func (c *Consumer) onReport(data []byte) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		jww.WARN.Printf("[audit] bad report record: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.sink.InsertReport(ctx, r); err != nil {
		jww.ERROR.Printf("[audit] report %s: %v", r.ID, err)
		return
	}
	jww.INFO.Printf("[audit] report room=%s reason=%s", r.RoomID, r.Reason)
}

func (c *Consumer) onEscalation(data []byte) {
	var e moderation.Escalation
	if err := json.Unmarshal(data, &e); err != nil {
		jww.WARN.Printf("[audit] bad escalation: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.sink.InsertEscalation(ctx, e); err != nil {
		jww.ERROR.Printf("[audit] escalation %s: %v", e.MessageID, err)
		return
	}
	jww.WARN.Printf("[audit] escalation message=%s user=%s flags=%v", e.MessageID, e.UserID, e.Flags)
}
