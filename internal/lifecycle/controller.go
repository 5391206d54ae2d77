// Package lifecycle owns one job's pipeline session from provisioning to
// teardown and guarantees ordered, exactly-once cleanup on every exit path.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/capability"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/metrics"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/noise"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/pipeline"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

// PipelineSession is the running STT → LLM → TTS pipeline the controller owns.
// *pipeline.Session implements it.
type PipelineSession interface {
	Start(ctx context.Context, media pipeline.Media, opts pipeline.StartOptions) error
	On(h pipeline.MetricsHandler) pipeline.Subscription
	Off(sub pipeline.Subscription) bool
	Close(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// SessionFactory builds the pipeline session for one job.
type SessionFactory func(ctx context.Context) (PipelineSession, error)

// ShutdownRegistrar is the host facility that runs callbacks once at job end.
type ShutdownRegistrar interface {
	AddShutdownCallback(fn func(ctx context.Context))
}

// Outcomes recorded in the session report.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Config is shared by every controller on a worker.
type Config struct {
	Instructions string
	Capabilities *capability.Loader[pipeline.AudioProcessor]
	Reporters    []usage.Reporter
	// TeardownTimeout bounds the whole teardown; caller cancellation does not cut it short.
	TeardownTimeout time.Duration
	Logger          *slog.Logger
}

// session is the controller's record of the pipeline it owns.
type session struct {
	pipe       PipelineSession
	sub        pipeline.Subscription
	subscribed bool
}

// Controller drives one job's session. Its methods are the only mutation points
// for the session record and the cleanup guard.
type Controller struct {
	cfg       Config
	jobID     string
	room      string
	logger    *slog.Logger
	agg       *usage.Aggregator
	startedAt time.Time

	mu          sync.Mutex
	state       State
	rec         *session
	registered  bool
	outcome     string
	cleanup     CleanupState
	cleanupDone chan struct{}
}

// NewController creates a controller in StateCreated.
func NewController(jobID, room string, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	logger = logger.With("job_id", jobID, "room", room)
	return &Controller{
		cfg:         cfg,
		jobID:       jobID,
		room:        room,
		logger:      logger,
		agg:         usage.NewAggregator(logger),
		startedAt:   time.Now(),
		state:       StateCreated,
		outcome:     OutcomeCompleted,
		cleanupDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cleanup returns the teardown guard's state.
func (c *Controller) Cleanup() CleanupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanup
}

// Summary returns the usage accumulated so far.
func (c *Controller) Summary() usage.Summary { return c.agg.Summary() }

// Provision builds the pipeline session. Errors wrapping
// pipeline.ErrMissingConfig become *ConfigurationError, anything else
// *ProvisioningError. A failed provision leaves no session record.
func (c *Controller) Provision(ctx context.Context, factory SessionFactory) error {
	c.mu.Lock()
	if c.state != StateCreated || c.rec != nil || c.cleanup != CleanupNotStarted {
		c.mu.Unlock()
		return fmt.Errorf("provision in state %s", c.State())
	}
	c.mu.Unlock()

	pipe, err := factory(ctx)
	if err != nil {
		if errors.Is(err, pipeline.ErrMissingConfig) {
			return &ConfigurationError{Err: err}
		}
		return &ProvisioningError{Stage: "build", Err: err}
	}
	if pipe == nil {
		return &ProvisioningError{Stage: "build", Err: errors.New("factory returned no session")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleanup != CleanupNotStarted {
		// torn down while building; nothing owns pipe
		go func() {
			if err := pipe.Close(context.WithoutCancel(ctx)); err != nil {
				c.logger.Error("close orphaned pipeline", "error", &TeardownError{Step: "close_pipeline", Err: err})
			}
		}()
		return &ProvisioningError{Stage: "build", Err: errors.New("session shut down during provisioning")}
	}
	c.rec = &session{pipe: pipe}
	c.logger.Info("pipeline provisioned")
	return nil
}

// AttachObservability subscribes the usage handler. It must run before Start.
func (c *Controller) AttachObservability() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		return errors.New("attach observability: no session")
	}
	if c.rec.subscribed {
		return errors.New("attach observability: already subscribed")
	}
	c.rec.sub = c.rec.pipe.On(c.handleMetrics)
	c.rec.subscribed = true
	return nil
}

func (c *Controller) handleMetrics(ev usage.Event) {
	usage.LogEvent(c.logger, ev)
	if !c.agg.Collect(ev) {
		return
	}
	for category, v := range ev.Values {
		metrics.Usage.WithLabelValues(category).Add(v)
	}
}

// RegisterShutdown hands Teardown to the host. It must run before Start.
func (c *Controller) RegisterShutdown(reg ShutdownRegistrar) {
	reg.AddShutdownCallback(c.Teardown)
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

// Start probes the optional noise-cancellation capability and starts the
// pipeline. A missing capability is logged by the loader and never fails Start.
func (c *Controller) Start(ctx context.Context, media pipeline.Media) error {
	c.mu.Lock()
	rec := c.rec
	switch {
	case rec == nil:
		c.mu.Unlock()
		return errors.New("start: no session")
	case !rec.subscribed || !c.registered:
		c.mu.Unlock()
		return errors.New("start: observability and shutdown hook must be attached first")
	}
	if !c.transitionLocked(StateStarting) {
		c.mu.Unlock()
		return fmt.Errorf("start in state %s", c.State())
	}
	c.mu.Unlock()

	opts := pipeline.StartOptions{Instructions: c.cfg.Instructions}
	if c.cfg.Capabilities != nil {
		if nc, ok := c.cfg.Capabilities.TryLoad(ctx, noise.CapabilityID); ok {
			opts.NoiseCancellation = nc
		}
	}

	if err := rec.pipe.Start(ctx, media, opts); err != nil {
		c.fail()
		return &ProvisioningError{Stage: "start", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStarting {
		c.transitionLocked(StateRunning)
	}
	return nil
}

// fail records a failed outcome and moves a starting or running session to Error.
func (c *Controller) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = OutcomeFailed
	if c.state == StateStarting || c.state == StateRunning {
		c.transitionLocked(StateError)
	}
}

// Teardown releases the session: report usage, unsubscribe, close the
// pipeline, clear the record. The first caller runs the steps; concurrent
// callers wait for it (or their ctx); later callers return immediately.
func (c *Controller) Teardown(ctx context.Context) {
	c.mu.Lock()
	switch c.cleanup {
	case CleanupDone:
		c.mu.Unlock()
		return
	case CleanupInProgress:
		done := c.cleanupDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	c.cleanup = CleanupInProgress
	c.transitionLocked(StateShuttingDown)
	rec := c.rec
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
	defer cancel()

	if rec == nil {
		c.logger.Debug("teardown: no session to release")
	} else {
		c.step("report_usage", func() error { return c.report(ctx) })
		if rec.subscribed {
			c.step("unsubscribe", func() error {
				if !rec.pipe.Off(rec.sub) {
					return errors.New("subscription not registered")
				}
				return nil
			})
		}
		c.step("close_pipeline", func() error { return rec.pipe.Close(ctx) })
		c.step("clear_session", func() error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.rec = nil
			return nil
		})
	}

	c.mu.Lock()
	c.cleanup = CleanupDone
	c.transitionLocked(StateClosed)
	close(c.cleanupDone)
	c.mu.Unlock()
	c.logger.Info("session closed")
}

// step runs one teardown step, converting errors and panics into a logged
// TeardownError so later steps still run.
func (c *Controller) step(name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		metrics.TeardownSteps.WithLabelValues(name, "error").Inc()
		c.logger.Error("teardown step failed", "error", &TeardownError{Step: name, Err: err})
		return
	}
	metrics.TeardownSteps.WithLabelValues(name, "ok").Inc()
}

// report logs the final summary and hands it to every reporter.
func (c *Controller) report(ctx context.Context) error {
	summary := c.agg.Summary()
	c.mu.Lock()
	outcome := c.outcome
	c.mu.Unlock()

	c.logger.Info("usage summary", "summary", summary, "outcome", outcome, "dropped_events", c.agg.Dropped())

	rep := usage.SessionReport{
		SessionID: c.jobID,
		Room:      c.room,
		StartedAt: c.startedAt,
		EndedAt:   time.Now(),
		Outcome:   outcome,
		Summary:   summary,
	}
	var errs []error
	for _, r := range c.cfg.Reporters {
		if err := r.Report(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) transitionLocked(to State) bool {
	from := c.state
	if !from.canTransition(to) {
		return false
	}
	c.state = to
	metrics.SessionState.WithLabelValues(to.String()).Inc()
	c.logger.Debug("session state", "from", from.String(), "to", to.String())
	return true
}
