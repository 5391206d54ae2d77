// Package trace keeps a PostgreSQL history of sessions and their final usage.
package trace

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"maps"
	"slices"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 1000

// Store persists session history to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the history database at connStr and applies migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session row and prunes the oldest beyond the retention limit.
func (s *Store) CreateSession(ctx context.Context, id, room, participant string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, room, participant, started_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		id, room, participant, startedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	return err
}

// EndSession records the session's outcome and usage in one transaction. The
// session row is created if CreateSession never landed.
func (s *Store) EndSession(ctx context.Context, rep usage.SessionReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, room, started_at, ended_at, outcome) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET ended_at = EXCLUDED.ended_at, outcome = EXCLUDED.outcome`,
		rep.SessionID, rep.Room, rep.StartedAt.UTC(), rep.EndedAt.UTC(), rep.Outcome,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	for _, category := range slices.Sorted(maps.Keys(rep.Summary)) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_usage (session_id, category, value) VALUES ($1, $2, $3)
			 ON CONFLICT (session_id, category) DO UPDATE SET value = EXCLUDED.value`,
			rep.SessionID, category, rep.Summary[category],
		)
		if err != nil {
			return fmt.Errorf("session usage %s: %w", category, err)
		}
	}
	return tx.Commit()
}

// ListSessions returns sessions ordered newest first, without usage.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room, participant, started_at, ended_at, outcome
		FROM sessions
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns a single session with its usage.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, room, participant, started_at, ended_at, outcome FROM sessions WHERE id = $1`, id,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, value FROM session_usage WHERE session_id = $1 ORDER BY category`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sess.Usage = usage.Summary{}
	for rows.Next() {
		var category string
		var value float64
		if err = rows.Scan(&category, &value); err != nil {
			return nil, err
		}
		sess.Usage[category] = value
	}
	return &sess, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var endedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.Room, &sess.Participant, &sess.StartedAt, &endedAt, &sess.Outcome); err != nil {
		return Session{}, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}
