package audio

import (
	"fmt"
	"math"
)

// VADConfig controls energy-based voice activity detection.
type VADConfig struct {
	SpeechThresholdDB float64
	SampleRate        int
}

// DefaultVADConfig returns defaults tuned for call audio.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -30,
		SampleRate:        PipelineRate,
	}
}

// VAD classifies frames as speech or silence. It is loaded once per worker
// process and shared read-only by every job.
type VAD struct {
	cfg       VADConfig
	threshold float64 // linear RMS equivalent of SpeechThresholdDB
}

// LoadVAD validates cfg and precomputes the detection threshold.
func LoadVAD(cfg VADConfig) (*VAD, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("vad: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.SpeechThresholdDB >= 0 || math.IsNaN(cfg.SpeechThresholdDB) {
		return nil, fmt.Errorf("vad: speech threshold must be negative dBFS, got %v", cfg.SpeechThresholdDB)
	}
	return &VAD{cfg: cfg, threshold: math.Pow(10, cfg.SpeechThresholdDB/20)}, nil
}

// SampleRate is the rate the detector expects.
func (v *VAD) SampleRate() int { return v.cfg.SampleRate }

// IsSpeech reports whether the frame's RMS energy reaches the speech threshold.
func (v *VAD) IsSpeech(samples []float32) bool {
	return rms(samples) >= v.threshold
}

// EnergyDB returns the frame energy in dBFS, -100 for silence.
func EnergyDB(samples []float32) float64 {
	r := rms(samples)
	if r < 1e-5 {
		return -100
	}
	return 20 * math.Log10(r)
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
