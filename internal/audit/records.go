// Package audit carries the durable record of chat traffic: persisted
// messages, abuse reports and reviewer escalations. The relay hands records
// to a Forwarder, which publishes them on the bus; the moderator process
// consumes them and writes PostgreSQL.
package audit

import (
	"time"

	"github.com/pkg/errors"

	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/room"
)

// MessageRecord is one persisted chat message.
type MessageRecord struct {
	ID               string   `json:"id"`
	RoomID           string   `json:"roomId"`
	SenderID         string   `json:"senderId"`
	Content          string   `json:"content"`
	SentAt           int64    `json:"sentAt"` // unix millis
	ModerationStatus string   `json:"moderationStatus"`
	Severity         string   `json:"severity,omitempty"`
	Flags            []string `json:"flags,omitempty"`
	ToxicityScore    float64  `json:"toxicityScore"`
	Delivered        bool     `json:"delivered"`
}

// RecordFromMessage converts a room message.
func RecordFromMessage(m room.Message) MessageRecord {
	return MessageRecord{
		ID:               m.ID,
		RoomID:           m.RoomID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		SentAt:           m.SentAt.UnixMilli(),
		ModerationStatus: m.ModerationStatus,
		Severity:         m.Severity,
		Flags:            m.Flags,
		ToxicityScore:    m.ToxicityScore,
		Delivered:        m.Delivered,
	}
}

// Report is an abuse report with the conversation snapshot a moderator
// reviews.
type Report struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	ReporterID string    `json:"reporterId"`
	ReportedID string    `json:"reportedId"`
	Reason     string    `json:"reason"`
	MessageID  string    `json:"messageId,omitempty"`
	Messages   []Excerpt `json:"messages,omitempty"`
	CreatedAt  int64     `json:"createdAt"` // unix millis
}

// Excerpt is one message of the snapshot. From is anonymised to
// "reporter" or "reported".
type Excerpt struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Snapshot builds the anonymised excerpt list from recent room messages.
func Snapshot(msgs []room.Message, reporterID string) []Excerpt {
	out := make([]Excerpt, 0, len(msgs))
	for _, m := range msgs {
		from := "reported"
		if m.SenderID == reporterID {
			from = "reporter"
		}
		out = append(out, Excerpt{From: from, Text: m.Content, Ts: m.SentAt.UnixMilli()})
	}
	return out
}

// Validate rejects reports a moderator could not act on.
func (r Report) Validate() error {
	if r.RoomID == "" || r.ReporterID == "" || r.ReportedID == "" {
		return errors.New("audit: report missing room or participants")
	}
	if !protocol.ReportReasons[r.Reason] {
		return errors.Errorf("audit: invalid reason %q", r.Reason)
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
