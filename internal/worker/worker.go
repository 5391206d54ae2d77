package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/lifecycle"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/metrics"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/pipeline"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/room"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/trace"
)

// ErrDraining is the shutdown reason for jobs stopped by Drain.
var ErrDraining = errors.New("worker draining")

// Config holds the settings shared by every job on the worker.
type Config struct {
	MaxJobs         int
	Pipeline        pipeline.Config
	Lifecycle       lifecycle.Config
	Verifier        room.Verifier
	HTTPClient      *http.Client
	Recorder        *trace.Recorder
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Worker admits room joins and runs one session lifecycle per join.
type Worker struct {
	cfg    Config
	proc   *Process
	logger *slog.Logger
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]*JobContext
	draining bool
	wg       sync.WaitGroup
}

// New creates a worker around a prewarmed process.
func New(cfg Config, proc *Process) *Worker {
	maxJobs := cfg.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lifecycle.Logger == nil {
		cfg.Lifecycle.Logger = logger
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = pipeline.NewPooledHTTPClient(maxJobs, 30*time.Second)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:    cfg,
		proc:   proc,
		logger: logger,
		sem:    make(chan struct{}, maxJobs),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*JobContext),
	}
}

// ServeHTTP admits a room join and runs its job until the session ends.
// Returns 503 at capacity or while draining, 401 on a bad access token and
// 500 when no token verifier is configured.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	default:
		metrics.JobsRejected.Inc()
		http.Error(rw, "at capacity", http.StatusServiceUnavailable)
		return
	}
	if w.isDraining() {
		metrics.JobsRejected.Inc()
		http.Error(rw, "draining", http.StatusServiceUnavailable)
		return
	}

	if w.cfg.Verifier == nil {
		http.Error(rw, "room credentials not configured", http.StatusInternalServerError)
		return
	}

	conn, err := room.Accept(rw, r, w.cfg.Verifier)
	if err != nil {
		w.logger.Warn("room join rejected", "error", err)
		return
	}

	job := newJobContext(w.ctx, uuid.NewString(), conn, w.proc, w.cfg.ShutdownTimeout, w.logger)
	if !w.track(job) {
		metrics.JobsRejected.Inc()
		job.Shutdown(ErrDraining)
		return
	}
	defer w.untrack(job)

	w.run(job)
}

func (w *Worker) run(job *JobContext) {
	metrics.JobsActive.Inc()
	defer metrics.JobsActive.Dec()

	p := job.conn.Participant()
	w.cfg.Recorder.Begin(job.ID(), p.Room, p.Identity)
	job.logger.Info("job started")

	factory := func(ctx context.Context) (lifecycle.PipelineSession, error) {
		sess, err := pipeline.Build(ctx, w.cfg.Pipeline, job.ID(), job.Process().VAD(), w.cfg.HTTPClient, job.logger)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	err := lifecycle.Run(job.Context(), job, factory, w.cfg.Lifecycle)
	outcome := lifecycle.OutcomeCompleted
	if err != nil {
		outcome = lifecycle.OutcomeFailed
		// participants get a generic notice, details stay in the logs
		if sendErr := job.conn.Send(pipeline.Event{Type: pipeline.EventError, Text: "session unavailable"}); sendErr != nil {
			job.logger.Debug("send error event", "error", sendErr)
		}
	}
	job.Shutdown(err)
	// closes the history row when teardown had no session to report
	w.cfg.Recorder.End(job.ID(), outcome)
	metrics.JobsTotal.WithLabelValues(outcome).Inc()
	job.logger.Info("job finished", "outcome", outcome)
}

func (w *Worker) isDraining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draining
}

func (w *Worker) track(job *JobContext) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining {
		return false
	}
	w.jobs[job.ID()] = job
	w.wg.Add(1)
	return true
}

func (w *Worker) untrack(job *JobContext) {
	w.mu.Lock()
	delete(w.jobs, job.ID())
	w.mu.Unlock()
	w.wg.Done()
}

// Active returns the number of running jobs.
func (w *Worker) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

// Drain stops admitting jobs, shuts down every running job and waits for
// them to finish or ctx to expire. Remaining jobs are cancelled on expiry.
func (w *Worker) Drain(ctx context.Context) error {
	w.mu.Lock()
	w.draining = true
	jobs := make([]*JobContext, 0, len(w.jobs))
	for _, j := range w.jobs {
		jobs = append(jobs, j)
	}
	w.mu.Unlock()

	w.logger.Info("draining jobs", "active", len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			j.Shutdown(ErrDraining)
			select {
			case <-j.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		w.cancel()
		return err
	}

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
}
