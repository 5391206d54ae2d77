package audio

import (
	"fmt"
	"math"
)

// Codec names the wire encoding of room audio frames.
type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// PipelineRate is the sample rate every stage after decode operates at.
const PipelineRate = 16000

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means the caller-supplied rate applies (PCM passthrough).
type decoder struct {
	fn   func([]byte) []float32
	rate int
}

var decoders = map[Codec]decoder{
	CodecPCM:      {fn: decodePCM, rate: 0},
	CodecG711Ulaw: {fn: expand(&ulawTable), rate: 8000},
	CodecG711Alaw: {fn: expand(&alawTable), rate: 8000},
}

// Supported reports whether c can be decoded.
func Supported(c Codec) bool {
	_, ok := decoders[c]
	return ok
}

// Decode converts encoded audio bytes to float32 samples in [-1, 1] and
// returns them with their sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}

// DecodeFrame decodes and resamples to PipelineRate in one step.
func DecodeFrame(data []byte, codec Codec, sampleRate int) ([]float32, error) {
	samples, rate, err := Decode(data, codec, sampleRate)
	if err != nil {
		return nil, err
	}
	return Resample(samples, rate, PipelineRate), nil
}

var ulawTable, alawTable [256]int16

func init() {
	for i := range 256 {
		ulawTable[i] = ulawToLinear(byte(i))
		alawTable[i] = alawToLinear(byte(i))
	}
}

func expand(table *[256]int16) func([]byte) []float32 {
	return func(data []byte) []float32 {
		out := make([]float32, len(data))
		for i, b := range data {
			out[i] = float32(table[b]) / math.MaxInt16
		}
		return out
	}
}

// ulawToLinear implements the ITU-T G.711 mu-law expansion.
func ulawToLinear(b byte) int16 {
	b = ^b
	magnitude := (int16(b&0x0F)<<3 + 0x84) << ((b >> 4) & 0x07)
	magnitude -= 0x84
	if b&0x80 != 0 {
		return -magnitude
	}
	return magnitude
}

// alawToLinear implements the ITU-T G.711 A-law expansion.
func alawToLinear(b byte) int16 {
	b ^= 0x55
	exponent := (b >> 4) & 0x07
	mantissa := int16(b & 0x0F)
	magnitude := mantissa<<4 + 8
	if exponent > 0 {
		magnitude = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if b&0x80 == 0 {
		return -magnitude
	}
	return magnitude
}
