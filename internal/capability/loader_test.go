package capability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processor struct{ name string }

func newTestLoader() (*Loader[*processor], *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLoader[*processor](slog.New(slog.NewTextHandler(&buf, nil))), &buf
}

func TestTryLoad_Success(t *testing.T) {
	l, buf := newTestLoader()
	l.Register("noise-cancellation", func(ctx context.Context) (*processor, error) {
		return &processor{name: "bvc"}, nil
	})

	p, ok := l.TryLoad(context.Background(), "noise-cancellation")
	require.True(t, ok)
	assert.Equal(t, "bvc", p.name)
	assert.NotContains(t, buf.String(), "level=WARN")
}

func TestTryLoad_Absent(t *testing.T) {
	tests := []struct {
		name    string
		factory Factory[*processor]
		wantLog string
	}{
		{"unregistered", nil, ErrNotInstalled.Error()},
		{"missing license", func(ctx context.Context) (*processor, error) {
			return &processor{}, ErrUnlicensed
		}, ErrUnlicensed.Error()},
		{"native dependency", func(ctx context.Context) (*processor, error) {
			return nil, errors.New("librnnoise.so: cannot open shared object file")
		}, "librnnoise.so"},
		{"panic", func(ctx context.Context) (*processor, error) {
			panic("module init failed")
		}, "module init failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newTestLoader()
			if tt.factory != nil {
				l.Register("noise-cancellation", tt.factory)
			}

			p, ok := l.TryLoad(context.Background(), "noise-cancellation")
			assert.False(t, ok)
			assert.Nil(t, p)
			assert.Equal(t, 1, strings.Count(buf.String(), "level=WARN"))
			assert.Contains(t, buf.String(), tt.wantLog)
		})
	}
}
