package ban

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process ban store with the same escalation rules as
// Store.
type Memory struct {
	mu      sync.Mutex
	bans    map[string]memBan
	reports map[string]int
	now     func() time.Time
}

type memBan struct {
	reason string
	until  time.Time // zero for permanent
}

// NewMemory returns an empty ban store.
func NewMemory() *Memory {
	return &Memory{
		bans:    make(map[string]memBan),
		reports: make(map[string]int),
		now:     time.Now,
	}
}

// Status mirrors Store.Status.
func (m *Memory) Status(_ context.Context, userID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status(userID), nil
}

func (m *Memory) status(userID string) Record {
	b, ok := m.bans[userID]
	if !ok {
		return Record{}
	}
	if b.until.IsZero() {
		return Record{Banned: true, Permanent: true, Reason: b.reason}
	}
	remaining := b.until.Sub(m.now())
	if remaining <= 0 {
		delete(m.bans, userID)
		return Record{}
	}
	return Record{Banned: true, Remaining: remaining, Reason: b.reason}
}

// IsBanned implements Checker.
func (m *Memory) IsBanned(ctx context.Context, userID string) (bool, error) {
	rec, err := m.Status(ctx, userID)
	return rec.Banned, err
}

// Ban bans userID permanently.
func (m *Memory) Ban(ctx context.Context, userID, reason string) error {
	return m.BanFor(ctx, userID, 0, reason)
}

// BanFor bans userID for duration; zero means permanent.
func (m *Memory) BanFor(_ context.Context, userID string, duration time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := memBan{reason: reason}
	if duration > 0 {
		b.until = m.now().Add(duration)
	}
	m.bans[userID] = b
	return nil
}

// Unban removes a ban.
func (m *Memory) Unban(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bans, userID)
	return nil
}

// ReportAndCheck implements Reporter. Counters do not expire.
func (m *Memory) ReportAndCheck(_ context.Context, userID, _ string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports[userID]++
	count := m.reports[userID]
	if count < AutoBanThreshold {
		return false, 0, nil
	}
	if m.status(userID).Permanent {
		return true, 0, nil
	}
	duration := escalationDuration(count)
	m.bans[userID] = memBan{reason: ReasonMultipleReports, until: m.now().Add(duration)}
	return true, duration, nil
}
