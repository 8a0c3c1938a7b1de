package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAV re-quantizes the buffer to 16-bit PCM and wraps it in a mono WAV container, the form the
// browser output plays.
func EncodeWAV(b *Buffer) ([]byte, error) {
	if b == nil || b.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid buffer")
	}

	samples := make([]int16, len(b.Samples))
	for i, s := range b.Samples {
		v := math.Round(float64(s) * 32768.0)
		samples[i] = int16(max(math.MinInt16, min(math.MaxInt16, v)))
	}

	dataSize := uint32(len(samples) * bytesPerSample) //nolint:gosec // bounded by payload size
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   Channels,
		SampleRate:    uint32(b.SampleRate),                             //nolint:gosec // sample rates are small
		ByteRate:      uint32(b.SampleRate * Channels * bytesPerSample), //nolint:gosec // sample rates are small
		BlockAlign:    Channels * bytesPerSample,
		BitsPerSample: 8 * bytesPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+int(dataSize)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	return buf.Bytes(), nil
}
