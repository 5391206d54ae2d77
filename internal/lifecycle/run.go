package lifecycle

import (
	"context"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/pipeline"
)

// Job is the host's per-job context. *worker.JobContext implements it.
type Job interface {
	ShutdownRegistrar
	ID() string
	RoomName() string
	// Connect joins the room and returns its media connection.
	Connect(ctx context.Context) (pipeline.Media, error)
	// Shutdown ends the job; reason is nil for a normal end.
	Shutdown(reason error)
}

// Run is the job entry point. It provisions the session, subscribes usage
// observation, registers teardown with the host, joins the room and starts
// the pipeline, in that order, then blocks until the session ends.
//
// Errors from any setup step are returned after teardown has run. A failing
// pipeline becomes a *RuntimeError and the job is shut down with it.
func Run(ctx context.Context, job Job, factory SessionFactory, cfg Config) error {
	c := NewController(job.ID(), job.RoomName(), cfg)

	if err := c.Provision(ctx, factory); err != nil {
		return c.abort(ctx, err)
	}
	if err := c.AttachObservability(); err != nil {
		return c.abort(ctx, err)
	}
	c.RegisterShutdown(job)

	media, err := job.Connect(ctx)
	if err != nil {
		return c.abort(ctx, &ProvisioningError{Stage: "connect", Err: err})
	}
	if err := c.Start(ctx, media); err != nil {
		return c.abort(ctx, err)
	}

	return c.wait(ctx, job)
}

// abort marks the session failed, tears it down and returns err.
func (c *Controller) abort(ctx context.Context, err error) error {
	c.fail()
	c.logger.Error("session setup failed", "error", err)
	c.Teardown(ctx)
	return err
}

// wait blocks until the pipeline stops or the job is cancelled externally.
func (c *Controller) wait(ctx context.Context, job Job) error {
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	if rec == nil {
		// torn down while starting
		return nil
	}

	select {
	case <-rec.pipe.Done():
	case <-ctx.Done():
		c.logger.Info("job cancelled", "cause", context.Cause(ctx))
		c.Teardown(ctx)
		return nil
	}

	if err := rec.pipe.Err(); err != nil {
		rt := &RuntimeError{Err: err}
		c.fail()
		c.logger.Error("pipeline failed", "error", rt)
		c.Teardown(ctx)
		job.Shutdown(rt)
		return rt
	}

	c.logger.Info("session ended")
	c.Teardown(ctx)
	job.Shutdown(nil)
	return nil
}
