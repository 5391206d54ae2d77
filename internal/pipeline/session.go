// Package pipeline runs one participant's speech-to-text → language model →
// text-to-speech loop and reports usage through a metrics bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/audio"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/metrics"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/prompts"
	"github.com/hubenschmidt/asr-llm-tts-poc/voiceagent/internal/usage"
)

const maxHistory = 20

// Options assembles a Session from constructed components.
type Options struct {
	SessionID string
	STT       Transcriber
	LLM       ChatClient
	TTS       Synthesizer
	VAD       *audio.VAD
	Turn      audio.TurnConfig
	// NoSpeechThreshold drops transcripts whose no-speech probability exceeds it.
	NoSpeechThreshold float64
	// MaxTurnFailures consecutive failed turns end the session with an error.
	MaxTurnFailures int
	Logger          *slog.Logger
}

// StartOptions are resolved at start time, after the room is joined.
type StartOptions struct {
	Instructions string
	// NoiseCancellation is nil when the capability is unavailable.
	NoiseCancellation AudioProcessor
}

// exchange holds one user→assistant turn for conversation history.
type exchange struct {
	user      string
	assistant string
}

// Session processes a single participant's audio through STT → LLM → TTS.
type Session struct {
	opts    Options
	logger  *slog.Logger
	bus     Bus
	turns   *audio.TurnDetector
	history []exchange

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates a session. Every component is required.
func New(opts Options) (*Session, error) {
	for _, c := range []struct {
		name string
		set  bool
	}{
		{"stt", opts.STT != nil},
		{"llm", opts.LLM != nil},
		{"tts", opts.TTS != nil},
		{"vad", opts.VAD != nil},
	} {
		if !c.set {
			return nil, &ComponentError{Component: c.name, Err: ErrMissingConfig}
		}
	}
	if opts.NoSpeechThreshold <= 0 {
		opts.NoSpeechThreshold = 0.6
	}
	if opts.MaxTurnFailures <= 0 {
		opts.MaxTurnFailures = 3
	}
	if opts.Turn == (audio.TurnConfig{}) {
		opts.Turn = audio.DefaultTurnConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		logger: logger.With("session_id", opts.SessionID),
		turns:  audio.NewTurnDetector(opts.Turn, opts.VAD.SampleRate()),
		done:   make(chan struct{}),
	}, nil
}

// On registers a usage handler and returns its subscription.
func (s *Session) On(h MetricsHandler) Subscription { return s.bus.On(h) }

// Off removes a handler. It reports false if sub was not registered.
func (s *Session) Off(sub Subscription) bool { return s.bus.Off(sub) }

// Start announces readiness to the room and begins processing audio in the
// background. It may be called once.
func (s *Session) Start(ctx context.Context, media Media, opts StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if media == nil {
		return &ComponentError{Component: "media", Err: errors.New("no room connection")}
	}
	if err := media.Send(Event{Type: EventReady}); err != nil {
		return &ComponentError{Component: "media", Err: fmt.Errorf("send ready: %w", err)}
	}

	opts.Instructions = prompts.ForSession(opts.Instructions)
	runCtx, cancel := context.WithCancel(ctx)
	s.started, s.cancel = true, cancel
	go s.run(runCtx, media, opts)

	s.logger.Info("pipeline started", "noise_cancellation", opts.NoiseCancellation != nil)
	return nil
}

// Done is closed when the session stops processing.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that stopped processing, nil for a normal end.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops processing and waits for in-flight work to finish or ctx to expire.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if s.cancel != nil {
			s.cancel()
		} else {
			close(s.done)
		}
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close pipeline: %w", ctx.Err())
	}
}

func (s *Session) run(ctx context.Context, media Media, opts StartOptions) {
	err := s.loop(ctx, media, opts)
	if err != nil {
		s.logger.Error("pipeline stopped", "error", err)
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// loop reads frames until the participant leaves, ctx is cancelled, or too
// many consecutive turns fail.
func (s *Session) loop(ctx context.Context, media Media, opts StartOptions) error {
	var decodeWarn, noiseWarn sync.Once
	failures := 0

	for {
		frame, err := media.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				if turn, ok := s.turns.Flush(); ok {
					s.logger.Debug("discarding partial turn", "samples", len(turn.Audio))
				}
				return nil
			}
			return &ComponentError{Component: "media", Err: err}
		}
		metrics.AudioFrames.Inc()

		samples, err := audio.DecodeFrame(frame.Data, frame.Codec, frame.SampleRate)
		if err != nil {
			metrics.Errors.WithLabelValues("decode", "codec").Inc()
			decodeWarn.Do(func() {
				s.logger.Warn("dropping undecodable frames", "codec", frame.Codec, "error", err)
			})
			continue
		}
		samples = s.denoise(ctx, opts.NoiseCancellation, samples, &noiseWarn)

		turn, ok := s.turns.Push(samples, s.opts.VAD.IsSpeech(samples))
		if !ok {
			continue
		}
		metrics.Turns.Inc()

		err = s.respond(ctx, media, opts.Instructions, turn)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		s.logger.Error("turn failed", "error", err, "consecutive", failures)
		s.send(media, Event{Type: EventError, Text: "Sorry, I ran into a problem. Please try again."})
		if failures >= s.opts.MaxTurnFailures {
			return err
		}
	}
}

func (s *Session) denoise(ctx context.Context, p AudioProcessor, samples []float32, warn *sync.Once) []float32 {
	if p == nil {
		return samples
	}
	out, err := p.Process(ctx, samples)
	if err != nil {
		warn.Do(func() {
			s.logger.Warn("noise cancellation failed, using raw audio", "error", err)
		})
		return samples
	}
	return out
}

// respond runs STT then streams the LLM reply into sentence-pipelined TTS.
func (s *Session) respond(ctx context.Context, media Media, instructions string, turn audio.Turn) error {
	e2eStart := time.Now()
	s.emit(usage.Event{
		Stage:   usage.StageEOU,
		Latency: turn.Trailing,
		Values:  map[string]float64{usage.EOUDelaySeconds: turn.Trailing.Seconds()},
	})

	stt, err := s.opts.STT.Transcribe(ctx, turn.Audio)
	if err != nil {
		return &ComponentError{Component: "stt", Err: err}
	}
	s.emit(usage.Event{
		Stage:   usage.StageSTT,
		Latency: stt.Latency,
		Values: map[string]float64{
			usage.STTAudioSeconds: float64(len(turn.Audio)) / float64(s.opts.VAD.SampleRate()),
			usage.STTRequests:     1,
		},
	})

	transcript := strings.TrimSpace(stt.Text)
	if transcript == "" || stt.NoSpeechProb > s.opts.NoSpeechThreshold || isNoiseTranscript(transcript) {
		metrics.NoiseFiltered.Inc()
		s.logger.Debug("transcript filtered", "text", transcript, "no_speech_prob", stt.NoSpeechProb)
		return nil
	}
	s.logger.Info("transcript", "text", transcript, "stt_ms", ms(stt.Latency))
	s.send(media, Event{Type: EventTranscript, Text: transcript, LatencyMs: ms(stt.Latency)})

	ttsLatency, llm, err := s.streamLLMWithTTS(ctx, media, instructions, s.formatInput(transcript))
	if err != nil {
		return err
	}

	s.history = append(s.history, exchange{user: transcript, assistant: llm.Text})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}

	e2e := time.Since(e2eStart)
	metrics.E2EDuration.Observe(e2e.Seconds())
	s.logger.Info("turn done", "e2e_ms", e2e.Milliseconds(), "stt_ms", ms(stt.Latency), "llm_ms", ms(llm.Latency), "tts_ms", ms(ttsLatency))
	s.send(media, Event{
		Type:    EventMetrics,
		STTMs:   ms(stt.Latency),
		LLMMs:   ms(llm.Latency),
		TTSMs:   ms(ttsLatency),
		TotalMs: ms(e2e),
	})
	return nil
}

type ttsOutcome struct {
	latency time.Duration
	err     error
}

// streamLLMWithTTS streams LLM tokens into a sentence buffer (producer) while a
// goroutine synthesizes each completed sentence (consumer), so the first audio
// is ready before the LLM finishes.
func (s *Session) streamLLMWithTTS(ctx context.Context, media Media, instructions, input string) (time.Duration, *LLMResult, error) {
	sentenceCh := make(chan string, 4)
	ttsDone := make(chan ttsOutcome, 1)
	go func() { ttsDone <- s.consumeSentences(ctx, media, sentenceCh) }()

	var sb sentenceBuffer
	var cf codeFilter
	llm, err := s.opts.LLM.Chat(ctx, instructions, input, func(token string) {
		s.send(media, Event{Type: EventToken, Token: token})
		spoken := cf.Filter(token)
		if spoken == "" {
			return
		}
		if sentence := sb.Add(spoken); sentence != "" {
			sentenceCh <- sentence
		}
	})
	if rest := sb.Flush(); rest != "" && err == nil {
		sentenceCh <- rest
	}
	close(sentenceCh)
	tts := <-ttsDone

	if err != nil {
		return 0, nil, &ComponentError{Component: "llm", Err: err}
	}
	s.emit(usage.Event{
		Stage:   usage.StageLLM,
		Latency: llm.Latency,
		TTFT:    llm.TTFT,
		Values: map[string]float64{
			usage.LLMPromptTokens:     float64(llm.PromptTokens),
			usage.LLMCompletionTokens: float64(llm.CompletionTokens),
			usage.LLMRequests:         1,
		},
	})
	s.logger.Info("llm response", "text", llm.Text, "llm_ms", ms(llm.Latency), "ttft_ms", ms(llm.TTFT))
	s.send(media, Event{Type: EventLLMDone, Text: llm.Text, LatencyMs: ms(llm.Latency)})

	if tts.err != nil {
		return tts.latency, llm, &ComponentError{Component: "tts", Err: tts.err}
	}
	return tts.latency, llm, nil
}

// consumeSentences keeps draining after a failure so the producer never blocks.
func (s *Session) consumeSentences(ctx context.Context, media Media, sentences <-chan string) ttsOutcome {
	var out ttsOutcome
	for sentence := range sentences {
		if out.err != nil {
			continue
		}
		text := speakable(sentence)
		if text == "" {
			continue
		}
		res, err := synthesize(ctx, s.opts.TTS, text)
		if err != nil {
			out.err = err
			continue
		}
		out.latency += res.Latency
		s.emit(usage.Event{
			Stage:   usage.StageTTS,
			Latency: res.Latency,
			Values: map[string]float64{
				usage.TTSCharacters: float64(utf8.RuneCountInString(text)),
				usage.TTSAudioBytes: float64(len(res.Audio)),
				usage.TTSRequests:   1,
			},
		})
		s.send(media, Event{Type: EventAudio, Audio: res.Audio, LatencyMs: ms(res.Latency)})
	}
	return out
}

func (s *Session) emit(ev usage.Event) {
	ev.SessionID = s.opts.SessionID
	ev.Timestamp = time.Now()
	s.bus.Emit(ev)
}

func (s *Session) send(media Media, ev Event) {
	if err := media.Send(ev); err != nil {
		s.logger.Debug("send event", "type", ev.Type, "error", err)
	}
}

// formatInput prepends conversation history to the current message.
func (s *Session) formatInput(current string) string {
	if len(s.history) == 0 {
		return current
	}
	var b strings.Builder
	for _, t := range s.history {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.user, t.assistant)
	}
	fmt.Fprintf(&b, "User: %s", current)
	return b.String()
}

// noisePatterns are common STT hallucinations on background noise.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "laughter": true, "applause": true,
	"you": true, "um": true, "uh": true, "hmm": true, "mhm": true,
}

// isNoiseTranscript reports whether the transcript is likely background noise:
// wrapped annotations like *static*, [noise] or (music), or a known filler word.
func isNoiseTranscript(text string) bool {
	for _, pair := range []string{"**", "[]", "()"} {
		if strings.HasPrefix(text, pair[:1]) && strings.HasSuffix(text, pair[1:]) {
			return true
		}
	}
	return noisePatterns[strings.ToLower(strings.Trim(text, ".!? "))]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
