package audio

import "encoding/binary"

// SamplesToWAV encodes float32 samples as a 16-bit mono WAV file.
func SamplesToWAV(samples []float32, sampleRate int) []byte {
	pcm := EncodePCM16(samples)
	return append(wavHeader(len(pcm), sampleRate), pcm...)
}

// SilenceWAV returns a WAV file of ms milliseconds of silence.
func SilenceWAV(ms, sampleRate int) []byte {
	n := sampleRate * ms / 1000 * 2
	return append(wavHeader(n, sampleRate), make([]byte, n)...)
}

func wavHeader(dataLen, sampleRate int) []byte {
	buf := make([]byte, 44, 44+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	return buf
}
