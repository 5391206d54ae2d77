package trace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

const (
	queueSize    = 64
	writeTimeout = 5 * time.Second
)

type traceMsg struct {
	kind string // "session_start", "session_end"
	// start fields
	id          string
	room        string
	participant string
	startedAt   time.Time
	// end fields
	report usage.SessionReport
}

// Recorder writes session history asynchronously through a buffered queue so
// database latency never holds up a job. All methods are nil-safe.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	ch     chan traceMsg
	done   chan struct{}

	mu     sync.RWMutex // guards closed against sends on ch
	closed bool

	openMu sync.Mutex
	open   map[string]traceMsg // begun sessions not yet ended
}

// NewRecorder starts the background writer. Close must be called to flush it.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		ch:     make(chan traceMsg, queueSize),
		done:   make(chan struct{}),
		open:   make(map[string]traceMsg),
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for msg := range r.ch {
		r.handle(msg)
	}
}

func (r *Recorder) handle(m traceMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	handlers := map[string]func() error{
		"session_start": func() error { return r.store.CreateSession(ctx, m.id, m.room, m.participant, m.startedAt) },
		"session_end":   func() error { return r.store.EndSession(ctx, m.report) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		r.logger.Warn("trace write failed", "kind", m.kind, "error", err)
	}
}

// Begin records that a job has started.
func (r *Recorder) Begin(id, room, participant string) {
	if r == nil {
		return
	}
	msg := traceMsg{kind: "session_start", id: id, room: room, participant: participant, startedAt: time.Now()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("trace recorder closed, dropping write", "kind", msg.kind, "session_id", id)
		return
	}
	r.track(msg)
	r.ch <- msg
}

// Report queues the final usage record. It implements usage.Reporter; write
// failures are logged by the background writer.
func (r *Recorder) Report(ctx context.Context, rep usage.SessionReport) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.New("trace recorder closed")
	}
	r.untrack(rep.SessionID)
	select {
	case r.ch <- traceMsg{kind: "session_end", report: rep}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End closes a begun session that never reported usage, such as a job whose
// pipeline could not be provisioned. Sessions already reported are left alone.
func (r *Recorder) End(id, outcome string) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	begun, ok := r.untrack(id)
	if !ok {
		return
	}
	r.ch <- traceMsg{kind: "session_end", report: usage.SessionReport{
		SessionID: id,
		Room:      begun.room,
		StartedAt: begun.startedAt,
		EndedAt:   time.Now(),
		Outcome:   outcome,
		Summary:   usage.Summary{},
	}}
}

func (r *Recorder) track(msg traceMsg) {
	r.openMu.Lock()
	r.open[msg.id] = msg
	r.openMu.Unlock()
}

func (r *Recorder) untrack(id string) (traceMsg, bool) {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	msg, ok := r.open[id]
	delete(r.open, id)
	return msg, ok
}

// Close drains pending writes and shuts down the background goroutine. Writes
// after Close are dropped.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}
