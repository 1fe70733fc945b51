package audit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/moderation"
	"github.com/whisper/anygle/internal/room"
)

type fakeSink struct {
	mu          sync.Mutex
	messages    []MessageRecord
	reports     []Report
	escalations []moderation.Escalation
}

func (f *fakeSink) InsertMessage(_ context.Context, m MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeSink) InsertReport(_ context.Context, r Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeSink) InsertEscalation(_ context.Context, e moderation.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, e)
	return nil
}

func (f *fakeSink) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), len(f.reports), len(f.escalations)
}

func TestForwarderToConsumer(t *testing.T) {
	bus := messaging.NewLocalBus()
	defer bus.Close()
	sink := &fakeSink{}
	c := NewConsumer(bus, sink)
	require.NoError(t, c.Start())
	defer c.Stop()

	f := NewForwarder(bus)
	ctx := context.Background()
	sent := time.UnixMilli(1700000000123)

	require.NoError(t, f.PersistMessage(ctx, room.Message{
		ID:               room.NewMessageID(),
		RoomID:           "r1",
		SenderID:         "a",
		Content:          "hi",
		SentAt:           sent,
		ModerationStatus: "approved",
		Delivered:        true,
	}))
	require.NoError(t, f.PersistReport(ctx, Report{RoomID: "r1", ReporterID: "a", ReportedID: "b", Reason: "spam"}))
	require.NoError(t, f.Escalate(ctx, moderation.Escalation{MessageID: "m1", RoomID: "r1", UserID: "b", Flags: []string{"minor_safety"}, Score: 0.9}))

	require.Eventually(t, func() bool {
		m, r, e := sink.counts()
		return m == 1 && r == 1 && e == 1
	}, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, sent.UnixMilli(), sink.messages[0].SentAt)
	assert.True(t, sink.messages[0].Delivered)
	assert.NotEmpty(t, sink.reports[0].ID)
	assert.NotZero(t, sink.reports[0].CreatedAt)
	assert.NotZero(t, sink.escalations[0].At)
}

func TestForwarderRejectsInvalidReport(t *testing.T) {
	bus := messaging.NewLocalBus()
	defer bus.Close()

	err := NewForwarder(bus).PersistReport(context.Background(), Report{RoomID: "r1", ReporterID: "a", ReportedID: "b", Reason: "boring"})
	assert.Error(t, err)
}

func TestConsumerStop(t *testing.T) {
	bus := messaging.NewLocalBus()
	defer bus.Close()
	sink := &fakeSink{}
	c := NewConsumer(bus, sink)
	require.NoError(t, c.Start())
	c.Stop()

	require.NoError(t, NewForwarder(bus).PersistMessage(context.Background(), room.Message{ID: "m", RoomID: "r"}))
	time.Sleep(20 * time.Millisecond)
	m, _, _ := sink.counts()
	assert.Equal(t, 0, m)
}

func TestSnapshotAnonymises(t *testing.T) {
	at := time.UnixMilli(1000)
	msgs := []room.Message{
		{SenderID: "alice", Content: "hello", SentAt: at},
		{SenderID: "bob", Content: "go away", SentAt: at.Add(time.Second)},
	}

	got := Snapshot(msgs, "alice")
	assert.Equal(t, []Excerpt{
		{From: "reporter", Text: "hello", Ts: 1000},
		{From: "reported", Text: "go away", Ts: 2000},
	}, got)
}

// TestStorePostgres runs against DATABASE_URL when it is set.
func TestStorePostgres(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()

	reported := "test-" + uuid.NewString()
	msgID := room.NewMessageID()
	require.NoError(t, s.InsertMessage(ctx, MessageRecord{
		ID: msgID, RoomID: "r1", SenderID: reported, Content: "x",
		SentAt: time.Now().UnixMilli(), ModerationStatus: "flagged", Flags: []string{"harassment"}, ToxicityScore: 0.8,
	}))
	// Replays are ignored.
	require.NoError(t, s.InsertMessage(ctx, MessageRecord{ID: msgID, RoomID: "r1", SenderID: reported, ModerationStatus: "flagged"}))
	require.NoError(t, s.OverrideStatus(ctx, msgID, moderation.StatusApproved))
	assert.Error(t, s.OverrideStatus(ctx, "missing-"+msgID, moderation.StatusApproved))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.InsertReport(ctx, Report{
			ID: uuid.NewString(), RoomID: "r1", ReporterID: "a", ReportedID: reported, Reason: "harassment",
			Messages: []Excerpt{{From: "reported", Text: "x", Ts: 1}}, CreatedAt: time.Now().UnixMilli(),
		}))
	}
	n, err := s.CountRecentReports(ctx, reported, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.InsertEscalation(ctx, moderation.Escalation{
		MessageID: msgID, RoomID: "r1", UserID: reported, Excerpt: "x", Score: 0.9, At: time.Now().UnixMilli(),
	}))
}
