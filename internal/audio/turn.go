package audio

import "time"

// TurnConfig controls end-of-turn detection.
type TurnConfig struct {
	SilenceTimeout time.Duration // trailing silence that ends a turn
	MinSpeech      time.Duration // shorter bursts are discarded as noise
	PreSpeech      time.Duration // audio kept from before speech onset
}

// DefaultTurnConfig returns defaults for conversational turn-taking.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		SilenceTimeout: 1000 * time.Millisecond,
		MinSpeech:      500 * time.Millisecond,
		PreSpeech:      300 * time.Millisecond,
	}
}

// Turn is one completed user utterance.
type Turn struct {
	Audio []float32
	// Trailing is the silence observed before the turn was closed.
	Trailing time.Duration
}

// TurnDetector groups VAD decisions into user turns. Durations are measured in
// samples so results do not depend on frame arrival timing. Not safe for
// concurrent use; each session owns one.
type TurnDetector struct {
	rate         int
	silenceLimit int
	minSpeech    int
	preSpeechLen int

	inSpeech bool
	speech   int
	silence  int
	buffer   []float32
	pre      []float32
}

// NewTurnDetector creates a detector for audio at sampleRate.
func NewTurnDetector(cfg TurnConfig, sampleRate int) *TurnDetector {
	toSamples := func(d time.Duration) int { return int(d.Seconds() * float64(sampleRate)) }
	return &TurnDetector{
		rate:         sampleRate,
		silenceLimit: toSamples(cfg.SilenceTimeout),
		minSpeech:    toSamples(cfg.MinSpeech),
		preSpeechLen: toSamples(cfg.PreSpeech),
	}
}

// Push feeds one frame with its VAD decision and returns a Turn when the
// user has finished speaking.
func (d *TurnDetector) Push(samples []float32, speech bool) (Turn, bool) {
	if speech {
		d.onSpeech(samples)
		return Turn{}, false
	}
	return d.onSilence(samples)
}

func (d *TurnDetector) onSpeech(samples []float32) {
	if !d.inSpeech {
		d.inSpeech = true
		d.speech = 0
		d.buffer = append(d.buffer[:0], d.pre...)
		d.pre = d.pre[:0]
	}
	d.speech += len(samples)
	d.silence = 0
	d.buffer = append(d.buffer, samples...)
}

func (d *TurnDetector) onSilence(samples []float32) (Turn, bool) {
	if !d.inSpeech {
		d.keepPreSpeech(samples)
		return Turn{}, false
	}

	d.buffer = append(d.buffer, samples...)
	d.silence += len(samples)
	if d.silence < d.silenceLimit {
		return Turn{}, false
	}

	d.inSpeech = false
	trailing := d.silence
	d.silence = 0
	if d.speech < d.minSpeech {
		d.buffer = d.buffer[:0]
		return Turn{}, false
	}
	turn := Turn{Audio: d.buffer, Trailing: d.duration(trailing)}
	d.buffer = nil
	return turn, true
}

func (d *TurnDetector) keepPreSpeech(samples []float32) {
	d.pre = append(d.pre, samples...)
	if excess := len(d.pre) - d.preSpeechLen; excess > 0 {
		d.pre = append(d.pre[:0], d.pre[excess:]...)
	}
}

// Flush closes an in-progress turn, e.g. when the room disconnects mid-utterance.
func (d *TurnDetector) Flush() (Turn, bool) {
	defer func() {
		d.inSpeech = false
		d.speech, d.silence = 0, 0
		d.buffer = nil
	}()
	if !d.inSpeech || d.speech < d.minSpeech {
		return Turn{}, false
	}
	return Turn{Audio: d.buffer, Trailing: d.duration(d.silence)}, true
}

func (d *TurnDetector) duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(d.rate)
}
