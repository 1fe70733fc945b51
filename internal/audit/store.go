package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/moderation"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Sink is what the Consumer writes to. Store implements it.
type Sink interface {
	InsertMessage(ctx context.Context, m MessageRecord) error
	InsertReport(ctx context.Context, r Report) error
	InsertEscalation(ctx context.Context, e moderation.Escalation) error
}

// Store writes audit records to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn with the lib/pq driver and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "audit: open")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "audit: ping")
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "audit: migration source")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "audit: migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "audit: migrate")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "audit: migrate up")
	}
	version, _, _ := m.Version()
	jww.INFO.Printf("[audit] schema at version %d", version)
	return nil
}

// NewStore wraps an open database handle. The schema must exist.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertMessage stores m. Replayed records are ignored.
func (s *Store) InsertMessage(ctx context.Context, m MessageRecord) error {
	const query = `
		INSERT INTO messages (id, room_id, sender_id, content, moderation_status, severity, flags, toxicity_score, delivered, sent_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.RoomID,
		m.SenderID,
		m.Content,
		m.ModerationStatus,
		m.Severity,
		pq.Array(nonNil(m.Flags)),
		m.ToxicityScore,
		m.Delivered,
		time.UnixMilli(m.SentAt).UTC(),
	)
	return errors.Wrap(err, "audit: insert message")
}

// InsertReport stores r with its snapshot as JSONB.
func (s *Store) InsertReport(ctx context.Context, r Report) error {
	if err := r.Validate(); err != nil {
		return err
	}

	var snapshot []byte
	if len(r.Messages) > 0 {
		var err error
		snapshot, err = json.Marshal(r.Messages)
		if err != nil {
			return errors.Wrap(err, "audit: marshal snapshot")
		}
	}

	const query = `
		INSERT INTO abuse_reports (id, room_id, reporter_id, reported_id, reason, message_id, messages, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.RoomID,
		r.ReporterID,
		r.ReportedID,
		r.Reason,
		r.MessageID,
		snapshot,
		time.UnixMilli(r.CreatedAt).UTC(),
	)
	return errors.Wrap(err, "audit: insert report")
}

// InsertEscalation stores e for the review queue.
func (s *Store) InsertEscalation(ctx context.Context, e moderation.Escalation) error {
	const query = `
		INSERT INTO escalations (message_id, room_id, user_id, excerpt, flags, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		e.MessageID,
		e.RoomID,
		e.UserID,
		e.Excerpt,
		pq.Array(nonNil(e.Flags)),
		e.Score,
		time.UnixMilli(e.At).UTC(),
	)
	return errors.Wrap(err, "audit: insert escalation")
}

// OverrideStatus records a reviewer's decision on a message. It is the only
// mutation a persisted message allows.
func (s *Store) OverrideStatus(ctx context.Context, messageID string, status moderation.MessageStatus) error {
	const query = `UPDATE messages SET moderation_status = $2, reviewed_at = NOW() WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, messageID, string(status))
	if err != nil {
		return errors.Wrap(err, "audit: override status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("audit: message %s not found", messageID)
	}
	return nil
}

// CountRecentReports returns how many reports were filed against
// reportedID within window.
func (s *Store) CountRecentReports(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, time.Now().Add(-window).UTC()).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "audit: count recent reports")
	}
	return count, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
