// Package capability loads optional integrations whose absence must never fail a session.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/metrics"
)

var (
	// ErrNotInstalled means no factory is registered or its backing module is unavailable.
	ErrNotInstalled = errors.New("capability not installed")
	// ErrUnlicensed means the module exists but its license key is missing or rejected.
	ErrUnlicensed = errors.New("capability not licensed")
)

// Factory constructs a capability. Any error (or panic) marks it absent.
type Factory[T any] func(ctx context.Context) (T, error)

// Loader resolves optional capabilities by id.
type Loader[T any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[T]
	logger    *slog.Logger
}

// NewLoader creates an empty loader. A nil logger uses slog.Default.
func NewLoader[T any](logger *slog.Logger) *Loader[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader[T]{factories: make(map[string]Factory[T]), logger: logger}
}

// Register installs a factory for id, replacing any previous one.
func (l *Loader[T]) Register(id string, f Factory[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[id] = f
}

// TryLoad constructs the capability. On any failure it logs one warning and
// returns the zero value with ok=false; callers treat that as a normal branch.
func (l *Loader[T]) TryLoad(ctx context.Context, id string) (capability T, ok bool) {
	capability, err := l.load(ctx, id)
	if err != nil {
		metrics.CapabilityLoads.WithLabelValues(id, "absent").Inc()
		l.logger.Warn("optional capability unavailable, continuing without it", "capability", id, "error", err)
		var zero T
		return zero, false
	}
	metrics.CapabilityLoads.WithLabelValues(id, "loaded").Inc()
	l.logger.Info("optional capability loaded", "capability", id)
	return capability, true
}

func (l *Loader[T]) load(ctx context.Context, id string) (capability T, err error) {
	l.mu.RLock()
	f, ok := l.factories[id]
	l.mu.RUnlock()
	if !ok || f == nil {
		return capability, fmt.Errorf("%s: %w", id, ErrNotInstalled)
	}

	defer func() {
		if r := recover(); r != nil {
			var zero T
			capability, err = zero, fmt.Errorf("%s: factory panic: %v", id, r)
		}
	}()
	return f(ctx)
}
