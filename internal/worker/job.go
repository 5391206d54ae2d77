package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/pipeline"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/room"
)

// roomConn is the participant connection a job owns. *room.Conn implements it.
type roomConn interface {
	pipeline.Media
	Participant() room.Participant
	Join(ctx context.Context) error
	Close() error
}

// JobContext is the host side of one job. It owns the room connection and
// runs shutdown callbacks exactly once.
type JobContext struct {
	id              string
	conn            roomConn
	proc            *Process
	logger          *slog.Logger
	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	callbacks []func(context.Context)
	shutdown  bool
	reason    error
	done      chan struct{}
}

func newJobContext(parent context.Context, id string, conn roomConn, proc *Process, shutdownTimeout time.Duration, logger *slog.Logger) *JobContext {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	p := conn.Participant()
	ctx, cancel := context.WithCancelCause(parent)
	return &JobContext{
		id:              id,
		conn:            conn,
		proc:            proc,
		logger:          logger.With("job_id", id, "room", p.Room, "participant", p.Identity),
		shutdownTimeout: shutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
}

func (j *JobContext) ID() string       { return j.id }
func (j *JobContext) RoomName() string { return j.conn.Participant().Room }

// Process returns the worker's prewarmed state.
func (j *JobContext) Process() *Process { return j.proc }

// Context is cancelled when the job shuts down.
func (j *JobContext) Context() context.Context { return j.ctx }

// Done is closed after every shutdown callback has returned.
func (j *JobContext) Done() <-chan struct{} { return j.done }

// Reason returns the error the job was shut down with.
func (j *JobContext) Reason() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reason
}

// AddShutdownCallback registers fn to run at job end. Registering after
// shutdown runs fn immediately.
func (j *JobContext) AddShutdownCallback(fn func(ctx context.Context)) {
	j.mu.Lock()
	if !j.shutdown {
		j.callbacks = append(j.callbacks, fn)
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), j.shutdownTimeout)
	defer cancel()
	j.runCallback(ctx, fn)
}

// Connect completes the participant's room join.
func (j *JobContext) Connect(ctx context.Context) (pipeline.Media, error) {
	if err := j.conn.Join(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return j.conn, nil
}

// Shutdown cancels the job, runs the shutdown callbacks in registration order
// and closes the room connection. Only the first call has any effect.
func (j *JobContext) Shutdown(reason error) {
	j.mu.Lock()
	if j.shutdown {
		j.mu.Unlock()
		return
	}
	j.shutdown = true
	j.reason = reason
	callbacks := j.callbacks
	j.callbacks = nil
	j.mu.Unlock()

	if reason != nil {
		j.logger.Warn("job shutting down", "reason", reason)
	} else {
		j.logger.Info("job shutting down")
	}
	j.cancel(reason)

	ctx, cancel := context.WithTimeout(context.Background(), j.shutdownTimeout)
	defer cancel()
	for _, fn := range callbacks {
		j.runCallback(ctx, fn)
	}

	if err := j.conn.Close(); err != nil {
		j.logger.Debug("close room connection", "error", err)
	}
	close(j.done)
}

func (j *JobContext) runCallback(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("shutdown callback panicked", "panic", r)
		}
	}()
	fn(ctx)
}
