// Package history persists call lifecycle events for after-the-fact
// review. Sessions work fine without it; the controller treats a missing
// store as a no-op.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string // disable, require, verify-ca, verify-full
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SessionRecord is one row of the session ledger.
type SessionRecord struct {
	SessionUUID string     `db:"session_uuid"`
	RoomID      string     `db:"room_id"`
	StartedAt   time.Time  `db:"started_at"`
	EndedAt     *time.Time `db:"ended_at"`
}

// SessionEvent is one lifecycle event within a session.
type SessionEvent struct {
	ID          int64     `db:"id"`
	SessionUUID string    `db:"session_uuid"`
	RoomID      string    `db:"room_id"`
	Event       string    `db:"event"`
	CreatedAt   time.Time `db:"created_at"`
}

// PostgresStore writes session history to PostgreSQL. Writes retry with
// exponential backoff; a transient database hiccup must never surface
// into a live call.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects, verifies the connection, and creates the
// schema if needed.
func NewPostgresStore(config PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		db:     db,
		logger: logger.Named("history"),
	}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_sessions (
		session_uuid UUID PRIMARY KEY,
		room_id VARCHAR(255) NOT NULL,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS session_events (
		id BIGSERIAL PRIMARY KEY,
		session_uuid UUID NOT NULL REFERENCES call_sessions(session_uuid) ON DELETE CASCADE,
		room_id VARCHAR(255) NOT NULL,
		event VARCHAR(64) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_call_sessions_room_id ON call_sessions(room_id);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_started_at ON call_sessions(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_uuid, created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// RecordEvent appends a lifecycle event, creating the session row on the
// first event and stamping ended_at on a closed:* event.
func (s *PostgresStore) RecordEvent(ctx context.Context, sessionUUID, roomID, event string) error {
	op := func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO call_sessions (session_uuid, room_id)
			VALUES ($1, $2)
			ON CONFLICT (session_uuid) DO NOTHING
		`, sessionUUID, roomID); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_events (session_uuid, room_id, event)
			VALUES ($1, $2, $3)
		`, sessionUUID, roomID, event); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if len(event) > 7 && event[:7] == "closed:" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE call_sessions SET ended_at = NOW()
				WHERE session_uuid = $1 AND ended_at IS NULL
			`, sessionUUID); err != nil {
				return fmt.Errorf("stamp session end: %w", err)
			}
		}

		return tx.Commit()
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
	if err != nil {
		return fmt.Errorf("record session event %q: %w", event, err)
	}
	s.logger.Debug("session event recorded",
		zap.String("session", sessionUUID), zap.String("event", event))
	return nil
}

// GetSession returns the ledger row for one session.
func (s *PostgresStore) GetSession(ctx context.Context, sessionUUID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT session_uuid, room_id, started_at, ended_at
		FROM call_sessions
		WHERE session_uuid = $1
	`, sessionUUID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", sessionUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

// ListRoomSessions returns the most recent sessions held in a room.
func (s *PostgresStore) ListRoomSessions(ctx context.Context, roomID string, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	sessions := make([]*SessionRecord, 0)
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT session_uuid, room_id, started_at, ended_at
		FROM call_sessions
		WHERE room_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list room sessions: %w", err)
	}
	return sessions, nil
}

// GetSessionEvents returns a session's events in the order they happened.
func (s *PostgresStore) GetSessionEvents(ctx context.Context, sessionUUID string) ([]*SessionEvent, error) {
	events := make([]*SessionEvent, 0)
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, session_uuid, room_id, event, created_at
		FROM session_events
		WHERE session_uuid = $1
		ORDER BY id ASC
	`, sessionUUID)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
