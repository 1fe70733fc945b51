package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/moderation"
	"github.com/whisper/anygle/internal/room"
)

// Forwarder publishes audit records on the bus. It is the relay's
// persistence collaborator in the websocket process.
type Forwarder struct {
	bus messaging.Bus
}

// NewForwarder returns a Forwarder over bus.
func NewForwarder(bus messaging.Bus) *Forwarder {
	return &Forwarder{bus: bus}
}

// PersistMessage publishes m on the audit.message subject.
func (f *Forwarder) PersistMessage(_ context.Context, m room.Message) error {
	return f.publish(messaging.SubjectAuditMessage, RecordFromMessage(m))
}

// PersistReport publishes r on the audit.report subject. Missing ids and
// timestamps are filled in.
func (f *Forwarder) PersistReport(_ context.Context, r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nowMillis()
	}
	return f.publish(messaging.SubjectAuditReport, r)
}

// Escalate publishes e for human review.
func (f *Forwarder) Escalate(_ context.Context, e moderation.Escalation) error {
	if e.At == 0 {
		e.At = nowMillis()
	}
	return f.publish(messaging.SubjectEscalation, e)
}

func (f *Forwarder) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "audit: marshal %s", subject)
	}
	return errors.Wrapf(f.bus.Publish(subject, data), "audit: publish %s", subject)
}
