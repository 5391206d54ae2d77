package trace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestMigrate_AppliesPendingMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), -1\) FROM schema_version`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(-1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_version`).WithArgs(0).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_UpToDate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE`).WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))

	require.NoError(t, migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession(t *testing.T) {
	s, mock := newMock(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs("job-1", "demo", "alice", started).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions`).WithArgs(maxSessions).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.CreateSession(context.Background(), "job-1", "demo", "alice", started))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndSession_WritesUsageInOneTransaction(t *testing.T) {
	s, mock := newMock(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(2 * time.Minute)
	rep := usage.SessionReport{
		SessionID: "job-1",
		Room:      "demo",
		StartedAt: started,
		EndedAt:   ended,
		Outcome:   "completed",
		Summary:   usage.Summary{usage.TTSCharacters: 120, usage.LLMPromptTokens: 300},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("job-1", "demo", started, ended, "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO session_usage`).
		WithArgs("job-1", usage.LLMPromptTokens, 300.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO session_usage`).
		WithArgs("job-1", usage.TTSCharacters, 120.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.EndSession(context.Background(), rep))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndSession_RollsBackOnFailure(t *testing.T) {
	s, mock := newMock(t)
	rep := usage.SessionReport{SessionID: "job-1", Room: "demo", Summary: usage.Summary{"stt": 1}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO session_usage`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.EndSession(context.Background(), rep)
	assert.ErrorContains(t, err, "session usage stt: disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListSessions(t *testing.T) {
	s, mock := newMock(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(time.Minute)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sessions`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT id, room, participant, started_at, ended_at, outcome`).
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room", "participant", "started_at", "ended_at", "outcome"}).
			AddRow("job-2", "demo", "bob", started, nil, "").
			AddRow("job-1", "demo", "alice", started, ended, "completed"))

	sessions, total, err := s.ListSessions(context.Background(), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, sessions, 2)
	assert.Nil(t, sessions[0].EndedAt)
	require.NotNil(t, sessions[1].EndedAt)
	assert.Equal(t, ended, *sessions[1].EndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_IncludesUsage(t *testing.T) {
	s, mock := newMock(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, room, participant, started_at, ended_at, outcome FROM sessions WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room", "participant", "started_at", "ended_at", "outcome"}).
			AddRow("job-1", "demo", "alice", started, started, "failed"))
	mock.ExpectQuery(`SELECT category, value FROM session_usage`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"category", "value"}).
			AddRow("stt_audio_seconds", 12.5).
			AddRow("tts_characters", 80.0))

	sess, err := s.GetSession(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", sess.Outcome)
	assert.Equal(t, usage.Summary{"stt_audio_seconds": 12.5, "tts_characters": 80}, sess.Usage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_FlushesOnClose(t *testing.T) {
	s, mock := newMock(t)
	mock.MatchExpectationsInOrder(true)

	mock.ExpectExec(`INSERT INTO sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO session_usage`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := NewRecorder(s, nil)
	r.Begin("job-1", "demo", "alice")
	require.NoError(t, r.Report(context.Background(), usage.SessionReport{
		SessionID: "job-1",
		Room:      "demo",
		Summary:   usage.Summary{"tts_characters": 5},
	}))
	r.Close()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.Begin("job-1", "demo", "alice")
	assert.NoError(t, r.Report(context.Background(), usage.SessionReport{}))
	r.Close()
}

func TestRecorder_EndClosesUnreportedSession(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO sessions`).WithArgs("job-1", "demo", "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("job-1", "demo", sqlmock.AnyArg(), sqlmock.AnyArg(), "failed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := NewRecorder(s, nil)
	r.Begin("job-1", "demo", "alice")
	r.End("job-1", "failed")
	r.End("job-1", "failed")
	r.Close()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_EndAfterReportIsNoop(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs("job-1", "demo", sqlmock.AnyArg(), sqlmock.AnyArg(), "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := NewRecorder(s, nil)
	r.Begin("job-1", "demo", "alice")
	require.NoError(t, r.Report(context.Background(), usage.SessionReport{
		SessionID: "job-1",
		Room:      "demo",
		Outcome:   "completed",
	}))
	r.End("job-1", "failed")
	r.Close()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_WritesAfterCloseAreDropped(t *testing.T) {
	s, mock := newMock(t)

	r := NewRecorder(s, nil)
	r.Close()
	r.Close()

	assert.NotPanics(t, func() {
		r.Begin("job-1", "demo", "alice")
		r.End("job-1", "failed")
		assert.Error(t, r.Report(context.Background(), usage.SessionReport{SessionID: "job-1"}))
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
