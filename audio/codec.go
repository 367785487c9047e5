package audio

import (
	"fmt"
	"time"
)

// SampleBlock is a fixed run of normalized float samples tagged with its
// format. Blocks are treated as immutable once built.
type SampleBlock struct {
	Samples    []float32 // interleaved, range [-1.0, 1.0]
	SampleRate int
	Channels   int
}

// Duration returns the playback duration of the block.
func (b SampleBlock) Duration() time.Duration {
	if b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	frames := len(b.Samples) / b.Channels
	return time.Duration(frames) * time.Second / time.Duration(b.SampleRate)
}

// EncodePCM16 converts normalized float samples to little-endian signed
// 16-bit PCM. Samples are clamped to [-1.0, 1.0] first. Negative values
// scale by 32768 and non-negative by 32767, so a full-scale positive
// sample cannot overflow int16 while the negative range keeps its full
// resolution.
func EncodePCM16(block SampleBlock) []byte {
	out := make([]byte, len(block.Samples)*2)
	for i, s := range block.Samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}

		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}

		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16: little-endian signed 16-bit
// PCM back to normalized floats, within one quantization step (1/32768).
// The byte length must be even.
func DecodePCM16(data []byte, sampleRate, channels int) (SampleBlock, error) {
	if len(data)%2 != 0 {
		return SampleBlock{}, &FormatError{Reason: fmt.Sprintf("pcm16 chunk has odd byte length %d", len(data))}
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		if v < 0 {
			samples[i] = float32(v) / 32768.0
		} else {
			samples[i] = float32(v) / 32767.0
		}
	}

	return SampleBlock{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}
