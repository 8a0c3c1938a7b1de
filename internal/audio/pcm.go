package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Speech payload format.
const (
	SampleRate = 24000
	Channels   = 1

	bytesPerSample = 2
)

var (
	// ErrNoAudioData is returned when the synthesizer produced no payload.
	ErrNoAudioData = errors.New("no audio data received")
	// ErrDecode is returned when a payload cannot be decoded.
	ErrDecode = errors.New("pcm decode error")
)

// Buffer is a decoded mono buffer of normalized samples.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// DecodeBase64PCM16 decodes a base64 payload of 16-bit PCM into a Buffer at SampleRate.
func DecodeBase64PCM16(payload string) (*Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %w", ErrDecode, err)
	}
	return &Buffer{Samples: DecodePCM16(raw), SampleRate: SampleRate}, nil
}

// DecodePCM16 reinterprets little-endian 16-bit signed samples and normalizes them by 32768. A trailing
// unpaired byte is dropped.
func DecodePCM16(raw []byte) []float32 {
	if len(raw)%bytesPerSample != 0 {
		raw = raw[:len(raw)-1]
	}
	samples := make([]float32, len(raw)/bytesPerSample)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(raw[i*bytesPerSample:])) //nolint:gosec // PCM16 reinterpretation
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
