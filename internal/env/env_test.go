package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStr(t *testing.T) {
	t.Setenv("VOICEAGENT_TEST_STR", "")
	assert.Equal(t, "fallback", Str("VOICEAGENT_TEST_STR", "fallback"))

	t.Setenv("VOICEAGENT_TEST_STR", "set")
	assert.Equal(t, "set", Str("VOICEAGENT_TEST_STR", "fallback"))
}

func TestInt(t *testing.T) {
	t.Setenv("VOICEAGENT_TEST_INT", "42")
	assert.Equal(t, 42, Int("VOICEAGENT_TEST_INT", 7))

	t.Setenv("VOICEAGENT_TEST_INT", "forty-two")
	assert.Equal(t, 7, Int("VOICEAGENT_TEST_INT", 7))
}

func TestFloat(t *testing.T) {
	t.Setenv("VOICEAGENT_TEST_FLOAT", "-30.5")
	assert.InDelta(t, -30.5, Float("VOICEAGENT_TEST_FLOAT", 0), 1e-9)

	t.Setenv("VOICEAGENT_TEST_FLOAT", "loud")
	assert.InDelta(t, 1.5, Float("VOICEAGENT_TEST_FLOAT", 1.5), 1e-9)
}

func TestBool(t *testing.T) {
	t.Setenv("VOICEAGENT_TEST_BOOL", "true")
	assert.True(t, Bool("VOICEAGENT_TEST_BOOL", false))

	t.Setenv("VOICEAGENT_TEST_BOOL", "maybe")
	assert.False(t, Bool("VOICEAGENT_TEST_BOOL", false))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		val  string
		want time.Duration
	}{
		{"go syntax", "1500ms", 1500 * time.Millisecond},
		{"bare millis", "250", 250 * time.Millisecond},
		{"garbage", "soon", time.Second},
		{"unset", "", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VOICEAGENT_TEST_DURATION", tt.val)
			assert.Equal(t, tt.want, Duration("VOICEAGENT_TEST_DURATION", time.Second))
		})
	}
}
