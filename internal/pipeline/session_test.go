package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

const frameSamples = 320 // 20ms at 16kHz

type fakeMedia struct {
	frames  chan Frame
	readErr error

	mu     sync.Mutex
	events []Event
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{frames: make(chan Frame, 256)}
}

func (m *fakeMedia) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-m.frames:
		if !ok {
			if m.readErr != nil {
				return Frame{}, m.readErr
			}
			return Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (m *fakeMedia) Send(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *fakeMedia) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

// speak queues one detectable utterance: 200ms of tone then 100ms of silence.
func (m *fakeMedia) speak() {
	tone := make([]float32, frameSamples)
	for i := range tone {
		tone[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/audio.PipelineRate))
	}
	for range 10 {
		m.frames <- Frame{Data: audio.EncodePCM16(tone), Codec: audio.CodecPCM, SampleRate: audio.PipelineRate}
	}
	for range 5 {
		m.frames <- Frame{Data: make([]byte, frameSamples*2), Codec: audio.CodecPCM, SampleRate: audio.PipelineRate}
	}
}

type fakeSTT struct {
	text string
	err  error
}

func (f *fakeSTT) Transcribe(_ context.Context, samples []float32) (*STTResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &STTResult{Text: f.text, Latency: time.Millisecond}, nil
}

type fakeLLM struct {
	tokens []string
	calls  int
	input  string
}

func (f *fakeLLM) Chat(_ context.Context, _, userMessage string, onToken TokenCallback) (*LLMResult, error) {
	f.calls++
	f.input = userMessage
	for _, tok := range f.tokens {
		onToken(tok)
	}
	return &LLMResult{Text: strings.Join(f.tokens, ""), PromptTokens: 10, CompletionTokens: int64(len(f.tokens))}, nil
}

type fakeTTS struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeTTS) SynthesizeAudio(_ context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return []byte("RIFF"), nil
}

func newTestSession(t *testing.T, stt Transcriber, llm ChatClient, tts Synthesizer) *Session {
	t.Helper()
	vad, err := audio.LoadVAD(audio.DefaultVADConfig())
	require.NoError(t, err)
	s, err := New(Options{
		SessionID: "sess-1",
		STT:       stt,
		LLM:       llm,
		TTS:       tts,
		VAD:       vad,
		Turn:      audio.TurnConfig{SilenceTimeout: 100 * time.Millisecond, MinSpeech: 100 * time.Millisecond},
	})
	require.NoError(t, err)
	return s
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestNew_MissingComponent(t *testing.T) {
	_, err := New(Options{STT: &fakeSTT{}, LLM: &fakeLLM{}})
	var ce *ComponentError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "tts", ce.Component)
	assert.ErrorIs(t, err, ErrMissingConfig)
}

func TestSession_FullTurn(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"Hello", " there. ", "How are", " you?"}}
	tts := &fakeTTS{}
	s := newTestSession(t, &fakeSTT{text: "hi agent"}, llm, tts)

	var mu sync.Mutex
	var stages []usage.Stage
	sub := s.On(func(ev usage.Event) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "sess-1", ev.SessionID)
		stages = append(stages, ev.Stage)
	})
	assert.True(t, sub.Valid())

	media := newFakeMedia()
	media.speak()
	close(media.frames)

	require.NoError(t, s.Start(context.Background(), media, StartOptions{}))
	waitDone(t, s)
	require.NoError(t, s.Err())

	assert.Equal(t, 1, llm.calls)
	assert.Equal(t, "hi agent", llm.input)
	assert.Equal(t, []string{"Hello there.", "How are you?"}, tts.texts)

	mu.Lock()
	assert.ElementsMatch(t, []usage.Stage{usage.StageEOU, usage.StageSTT, usage.StageLLM, usage.StageTTS, usage.StageTTS}, stages)
	mu.Unlock()

	types := media.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventReady, types[0])
	assert.Contains(t, types, EventTranscript)
	assert.Contains(t, types, EventAudio)
	assert.Equal(t, EventMetrics, types[len(types)-1])
}

func TestSession_HistoryCarriesIntoNextTurn(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"Sure."}}
	s := newTestSession(t, &fakeSTT{text: "again"}, llm, &fakeTTS{})

	media := newFakeMedia()
	media.speak()
	media.speak()
	close(media.frames)

	require.NoError(t, s.Start(context.Background(), media, StartOptions{}))
	waitDone(t, s)

	assert.Equal(t, 2, llm.calls)
	assert.Equal(t, "User: again\nAssistant: Sure.\nUser: again", llm.input)
}

func TestSession_NoiseTranscriptSkipsLLM(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"no"}}
	s := newTestSession(t, &fakeSTT{text: "[background noise]"}, llm, &fakeTTS{})

	media := newFakeMedia()
	media.speak()
	close(media.frames)

	require.NoError(t, s.Start(context.Background(), media, StartOptions{}))
	waitDone(t, s)
	assert.Equal(t, 0, llm.calls)
}

func TestSession_OffStopsDelivery(t *testing.T) {
	s := newTestSession(t, &fakeSTT{text: "hello"}, &fakeLLM{tokens: []string{"Hi."}}, &fakeTTS{})

	var calls int
	sub := s.On(func(usage.Event) { calls++ })
	assert.True(t, s.Off(sub))
	assert.False(t, s.Off(sub))
	assert.False(t, s.Off(Subscription{}))

	media := newFakeMedia()
	media.speak()
	close(media.frames)
	require.NoError(t, s.Start(context.Background(), media, StartOptions{}))
	waitDone(t, s)
	assert.Zero(t, calls)
}

func TestSession_StartGuards(t *testing.T) {
	s := newTestSession(t, &fakeSTT{}, &fakeLLM{}, &fakeTTS{})
	media := newFakeMedia()

	require.NoError(t, s.Start(context.Background(), media, StartOptions{}))
	assert.ErrorIs(t, s.Start(context.Background(), media, StartOptions{}), ErrAlreadyStarted)

	require.NoError(t, s.Close(context.Background()))
	waitDone(t, s)
	assert.NoError(t, s.Err())
	assert.NoError(t, s.Close(context.Background()))
}

func TestSession_CloseBeforeStart(t *testing.T) {
	s := newTestSession(t, &fakeSTT{}, &fakeLLM{}, &fakeTTS{})

	require.NoError(t, s.Close(context.Background()))
	waitDone(t, s)
	assert.ErrorIs(t, s.Start(context.Background(), newFakeMedia(), StartOptions{}), ErrClosed)
}

func TestSession_MediaFailureIsRuntimeError(t *testing.T) {
	s := newTestSession(t, &fakeSTT{}, &fakeLLM{}, &fakeTTS{})
	media := newFakeMedia()
	media.readErr = errors.New("connection reset")
	close(media.frames)

	require.NoError(t, s.Start(context.Background(), media, StartOptions{}))
	waitDone(t, s)

	var ce *ComponentError
	require.ErrorAs(t, s.Err(), &ce)
	assert.Equal(t, "media", ce.Component)
}

func TestSession_RepeatedTurnFailuresStopSession(t *testing.T) {
	s := newTestSession(t, &fakeSTT{err: errors.New("stt down")}, &fakeLLM{}, &fakeTTS{})
	media := newFakeMedia()
	for range 3 {
		media.speak()
	}

	require.NoError(t, s.Start(context.Background(), media, StartOptions{}))
	waitDone(t, s)

	var ce *ComponentError
	require.ErrorAs(t, s.Err(), &ce)
	assert.Equal(t, "stt", ce.Component)

	errorEvents := 0
	for _, typ := range media.types() {
		if typ == EventError {
			errorEvents++
		}
	}
	assert.Equal(t, 3, errorEvents)
}

type countingProcessor struct{ calls int }

func (h *countingProcessor) Process(_ context.Context, samples []float32) ([]float32, error) {
	h.calls++
	return samples, nil
}

func TestSession_NoiseCancellationApplied(t *testing.T) {
	s := newTestSession(t, &fakeSTT{text: "hello"}, &fakeLLM{tokens: []string{"Hi."}}, &fakeTTS{})
	nc := &countingProcessor{}

	media := newFakeMedia()
	media.speak()
	close(media.frames)
	require.NoError(t, s.Start(context.Background(), media, StartOptions{NoiseCancellation: nc}))
	waitDone(t, s)
	assert.Equal(t, 15, nc.calls)
}

func TestIsNoiseTranscript(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"*static*", true},
		{"[inaudible]", true},
		{"(music)", true},
		{"Um.", true},
		{"what time is it", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNoiseTranscript(tt.text), tt.text)
	}
}
