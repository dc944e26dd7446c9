// Package audio provides the PCM plumbing for Voxaid's realtime pipeline:
// sample format conversions and a streaming Ogg/Opus reader and writer built
// on layeh.com/gopus.
//
// The whole pipeline runs at 24 kHz mono: inbound Opus is decoded to float32
// PCM for the STT upstream, and synthesized float32 PCM is encoded back to
// Opus-in-Ogg for the client.
package audio

// SampleRate is the pipeline-wide sample rate in Hz.
const SampleRate = 24000

// Channels is the pipeline-wide channel count.
const Channels = 1

// Float32ToInt16 converts normalised float32 samples to int16, clamping to
// the representable range.
func Float32ToInt16(pcm []float32) []int16 {
	out := make([]int16, len(pcm))
	for i, s := range pcm {
		v := s * 32768
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Int16ToFloat32 converts int16 samples to normalised float32.
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// Int16ToBytes converts int16 PCM samples to little-endian bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16 converts little-endian bytes to int16 PCM samples.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
