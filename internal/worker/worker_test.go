package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/lifecycle"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/pipeline"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/room"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/token"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/trace"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

type fakeConn struct {
	joinErr error
	joins   atomic.Int32
	closes  atomic.Int32
}

func (c *fakeConn) ReadFrame(ctx context.Context) (pipeline.Frame, error) {
	return pipeline.Frame{}, io.EOF
}
func (c *fakeConn) Send(pipeline.Event) error { return nil }
func (c *fakeConn) Participant() room.Participant {
	return room.Participant{Identity: "alice", Room: "demo"}
}
func (c *fakeConn) Join(context.Context) error {
	c.joins.Add(1)
	return c.joinErr
}
func (c *fakeConn) Close() error {
	c.closes.Add(1)
	return nil
}

func newTestJob(conn roomConn) *JobContext {
	return newJobContext(context.Background(), "job-1", conn, nil, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestJobContext_ShutdownRunsCallbacksOnce(t *testing.T) {
	conn := &fakeConn{}
	job := newTestJob(conn)

	var order []int
	var mu sync.Mutex
	for i := range 3 {
		job.AddShutdownCallback(func(ctx context.Context) {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	job.AddShutdownCallback(func(context.Context) { panic("boom") })

	reason := errors.New("participant gone")
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.Shutdown(reason)
		}()
	}
	wg.Wait()
	<-job.Done()

	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, reason, job.Reason())
	assert.Equal(t, int32(1), conn.closes.Load())
	assert.ErrorIs(t, context.Cause(job.Context()), reason)
}

func TestJobContext_CallbackAfterShutdownRunsImmediately(t *testing.T) {
	job := newTestJob(&fakeConn{})
	job.Shutdown(nil)

	ran := false
	job.AddShutdownCallback(func(context.Context) { ran = true })
	assert.True(t, ran)
	assert.ErrorIs(t, job.Context().Err(), context.Canceled)
}

func TestJobContext_Connect(t *testing.T) {
	conn := &fakeConn{}
	job := newTestJob(conn)
	assert.Equal(t, "demo", job.RoomName())

	media, err := job.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, media)
	assert.Equal(t, int32(1), conn.joins.Load())

	failing := newTestJob(&fakeConn{joinErr: errors.New("timeout")})
	_, err = failing.Connect(context.Background())
	assert.ErrorContains(t, err, "connect: timeout")
}

func TestPrewarm(t *testing.T) {
	proc, err := Prewarm(audio.DefaultVADConfig())
	require.NoError(t, err)
	assert.NotNil(t, proc.VAD())

	_, err = Prewarm(audio.VADConfig{SpeechThresholdDB: 3, SampleRate: 16000})
	assert.Error(t, err)
}

// --- end to end over a real websocket ---

type harness struct {
	worker *Worker
	srv    *httptest.Server
	issuer *token.Issuer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	iss, err := token.NewIssuer("key", "secret", time.Minute)
	require.NoError(t, err)
	ver, err := token.NewVerifier("key", "secret")
	require.NoError(t, err)
	proc, err := Prewarm(audio.DefaultVADConfig())
	require.NoError(t, err)

	cfg.Verifier = ver
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	w := New(cfg, proc)
	srv := httptest.NewServer(w)
	t.Cleanup(srv.Close)
	return &harness{worker: w, srv: srv, issuer: iss}
}

func (h *harness) url(t *testing.T) string {
	t.Helper()
	tok, err := h.issuer.Issue("demo", "alice")
	require.NoError(t, err)
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?token=" + tok
}

func reachablePipeline() pipeline.Config {
	return pipeline.Config{
		STT: pipeline.STTConfig{URL: "http://127.0.0.1:1", Model: "whisper-1"},
		LLM: pipeline.LLMConfig{URL: "http://127.0.0.1:1", Model: "gpt-4o-mini"},
		TTS: pipeline.TTSConfig{URL: "http://127.0.0.1:1", Voice: "alloy"},
	}
}

func readType(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	var ev map[string]any
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&ev))
	s, _ := ev["type"].(string)
	return s
}

func TestWorker_ConfigurationErrorNotifiesParticipant(t *testing.T) {
	h := newHarness(t, Config{})

	ws, _, err := websocket.DefaultDialer.Dial(h.url(t), nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, pipeline.EventError, readType(t, ws))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return h.worker.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWorker_FailedJobClosesSessionHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(sqlmock.AnyArg(), "demo", "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sessions .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(sqlmock.AnyArg(), "demo", sqlmock.AnyArg(), sqlmock.AnyArg(), lifecycle.OutcomeFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := trace.NewRecorder(trace.NewStore(db), slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, Config{
		Recorder:  rec,
		Lifecycle: lifecycle.Config{Reporters: []usage.Reporter{rec}},
	})

	ws, _, err := websocket.DefaultDialer.Dial(h.url(t), nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, pipeline.EventError, readType(t, ws))
	require.Eventually(t, func() bool { return h.worker.Active() == 0 }, time.Second, 5*time.Millisecond)

	rec.Close()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_SessionRunsUntilParticipantLeaves(t *testing.T) {
	h := newHarness(t, Config{Pipeline: reachablePipeline()})

	ws, _, err := websocket.DefaultDialer.Dial(h.url(t), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"codec": "pcm", "sample_rate": 16000}))
	assert.Equal(t, pipeline.EventReady, readType(t, ws))
	assert.Equal(t, 1, h.worker.Active())

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "leave"}))
	require.Eventually(t, func() bool { return h.worker.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_DrainStopsJobsAndRejectsNewOnes(t *testing.T) {
	h := newHarness(t, Config{Pipeline: reachablePipeline()})

	ws, _, err := websocket.DefaultDialer.Dial(h.url(t), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.WriteJSON(map[string]any{}))
	require.Equal(t, pipeline.EventReady, readType(t, ws))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.worker.Drain(ctx))
	assert.Zero(t, h.worker.Active())

	_, resp, err := websocket.DefaultDialer.Dial(h.url(t), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWorker_AdmissionControl(t *testing.T) {
	h := newHarness(t, Config{MaxJobs: 1})
	h.worker.sem <- struct{}{}
	defer func() { <-h.worker.sem }()

	_, resp, err := websocket.DefaultDialer.Dial(h.url(t), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWorker_RejectsBadToken(t *testing.T) {
	h := newHarness(t, Config{})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?token=forged"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
